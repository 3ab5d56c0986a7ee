package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nanofarm/jobwatch/internal/app"
	"github.com/nanofarm/jobwatch/internal/db/models"
)

type JobResultResponse struct {
	JobName         string     `json:"job_name"`
	Namespace       string     `json:"namespace"`
	PodName         *string    `json:"pod_name"`
	NodeName        *string    `json:"node_name"`
	Status          string     `json:"status"`
	Prompt          *string    `json:"prompt"`
	Result          *string    `json:"result"`
	TokenCount      *int64     `json:"token_count"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	PowerConsumedWh *float64   `json:"power_consumed_wh"`
	ErrorMessage    *string    `json:"error_message"`
}

func toJobResultResponse(rec *models.JobResult) JobResultResponse {
	return JobResultResponse{
		JobName:         rec.JobName,
		Namespace:       rec.Namespace,
		PodName:         rec.PodName,
		NodeName:        rec.NodeName,
		Status:          string(rec.Status),
		Prompt:          rec.Prompt,
		Result:          rec.Result,
		TokenCount:      rec.TokenCount,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
		DurationSeconds: rec.DurationSeconds,
		PowerConsumedWh: rec.PowerConsumedWh,
		ErrorMessage:    rec.ErrorMessage,
	}
}

func ListJobResults(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	recs, err := app.JobResultRepository.ListRecent(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to list job results"})
		return
	}

	results := make([]JobResultResponse, 0, len(recs))
	for i := range recs {
		results = append(results, toJobResultResponse(&recs[i]))
	}

	c.JSON(http.StatusOK, gin.H{"jobs": results, "total": len(results)})
}

func GetJobResult(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	rec, err := app.JobResultRepository.Get(c.Request.Context(), c.Param("name"), c.Param("namespace"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to fetch job result"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "job result not found"})
		return
	}

	c.JSON(http.StatusOK, toJobResultResponse(rec))
}

func JobResultsByStatus(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	status := models.JobStatus(c.Param("status"))
	switch status {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusSucceeded, models.JobStatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid status"})
		return
	}

	recs, err := app.JobResultRepository.ListByStatus(c.Request.Context(), status, queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to list job results"})
		return
	}

	results := make([]JobResultResponse, 0, len(recs))
	for i := range recs {
		results = append(results, toJobResultResponse(&recs[i]))
	}

	c.JSON(http.StatusOK, gin.H{"jobs": results, "total": len(results)})
}

func JobStatistics(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	stats, err := app.JobResultRepository.Statistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to compute statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil || value < 0 {
		return fallback
	}

	return value
}
