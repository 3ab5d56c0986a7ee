package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nanofarm/jobwatch/internal/api"
	"github.com/nanofarm/jobwatch/internal/app"
)

// SetupRoutes registers the read-only exposure of the engine's records
// plus node-metadata administration. Everything that mutates job state
// lives in the reconciliation loops, never behind HTTP.
func (s *Server) SetupRoutes(app *app.App) {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := s.ginEngine.Group("/api/v1")

	apiV1.GET("/jobs", handlerWrapper(app, api.ListJobResults))
	apiV1.GET("/jobs/stats", handlerWrapper(app, api.JobStatistics))
	apiV1.GET("/jobs/status/:status", handlerWrapper(app, api.JobResultsByStatus))
	apiV1.GET("/jobs/:namespace/:name", handlerWrapper(app, api.GetJobResult))

	apiV1.GET("/nodes", handlerWrapper(app, api.ListNodes))
	apiV1.PUT("/nodes/:name", handlerWrapper(app, api.UpsertNode))
	apiV1.DELETE("/nodes/:name", handlerWrapper(app, api.DeleteNode))
	apiV1.GET("/nodes/throughput", handlerWrapper(app, api.AllNodeThroughputs))
	apiV1.GET("/nodes/:name/throughput", handlerWrapper(app, api.NodeThroughput))
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}
