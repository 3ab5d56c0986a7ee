package powermeter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/nanofarm/jobwatch/internal/db/repository"
)

// Resolver turns a node name and a time window into watt-hours
// consumed, by querying the metrics store for average power over the
// window. Energy data is best-effort: every failure path reports
// "unknown" rather than an error, so a missing sample can never block
// finalization.
type Resolver struct {
	api    promv1.API
	nodes  repository.INodeRepository
	metric string
	logger *zap.Logger

	// node name -> ip address; append-only, addresses are immutable
	// once resolved.
	addrCache sync.Map
}

func NewResolver(promURL string, nodes repository.INodeRepository, metric string, logger *zap.Logger) (*Resolver, error) {
	client, err := api.NewClient(api.Config{Address: promURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return &Resolver{
		api:    promv1.NewAPI(client),
		nodes:  nodes,
		metric: metric,
		logger: logger,
	}, nil
}

// ResolvePower returns the watt-hours the node consumed between start
// and end, or ok=false when the window is invalid, the node's address
// is unknown, or no candidate query returns data.
func (r *Resolver) ResolvePower(ctx context.Context, nodeName string, start, end time.Time) (float64, bool) {
	duration := end.Sub(start)
	if duration <= 0 {
		r.logger.Warn("invalid power window",
			zap.String("node", nodeName),
			zap.Time("start", start),
			zap.Time("end", end))
		return 0, false
	}

	nodeIP, ok := r.resolveAddress(ctx, nodeName)
	if !ok {
		r.logger.Warn("could not resolve address for node", zap.String("node", nodeName))
		return 0, false
	}

	avgWatts, query, ok := r.queryAverageWatts(ctx, nodeName, nodeIP, duration, end)
	if !ok {
		r.logger.Warn("no power data found",
			zap.String("node", nodeName),
			zap.Time("start", start),
			zap.Time("end", end))
		return 0, false
	}

	wattHours := avgWatts * duration.Hours()
	r.logger.Info("resolved power consumption",
		zap.String("node", nodeName),
		zap.Float64("avg_watts", avgWatts),
		zap.Duration("duration", duration),
		zap.Float64("watt_hours", wattHours),
		zap.String("query", query))

	return wattHours, true
}

func (r *Resolver) resolveAddress(ctx context.Context, nodeName string) (string, bool) {
	if addr, ok := r.addrCache.Load(nodeName); ok {
		return addr.(string), true
	}

	node, err := r.nodes.GetByName(ctx, nodeName)
	if err != nil {
		r.logger.Error("node lookup failed", zap.String("node", nodeName), zap.Error(err))
		return "", false
	}
	if node == nil || node.IPAddress == "" {
		return "", false
	}

	r.addrCache.Store(nodeName, node.IPAddress)
	return node.IPAddress, true
}

// queryAverageWatts tries the candidate label shapes in decreasing
// order of confidence and accepts the first non-empty result set. The
// ordering is a deliberate tie-break, not an average across matches.
func (r *Resolver) queryAverageWatts(ctx context.Context, nodeName, nodeIP string, duration time.Duration, end time.Time) (float64, string, bool) {
	window := int(duration.Seconds())

	candidates := []string{
		// instance labels are usually ip:port
		fmt.Sprintf(`avg_over_time(%s{instance=~"%s:.*"}[%ds])`, r.metric, nodeIP, window),
		fmt.Sprintf(`avg_over_time(%s{instance="%s:9100"}[%ds])`, r.metric, nodeIP, window),
		fmt.Sprintf(`avg_over_time(%s{instance="%s"}[%ds])`, r.metric, nodeIP, window),
		// node-name fallbacks for exporters that relabel
		fmt.Sprintf(`avg_over_time(%s{node="%s"}[%ds])`, r.metric, nodeName, window),
		fmt.Sprintf(`avg_over_time(%s{instance="%s"}[%ds])`, r.metric, nodeName, window),
	}

	for _, query := range candidates {
		value, _, err := r.api.Query(ctx, query, end)
		if err != nil {
			r.logger.Debug("power query failed", zap.String("query", query), zap.Error(err))
			continue
		}

		vector, ok := value.(model.Vector)
		if !ok || len(vector) == 0 {
			continue
		}

		return float64(vector[0].Value), query, true
	}

	return 0, "", false
}
