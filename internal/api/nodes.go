package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nanofarm/jobwatch/internal/app"
	"github.com/nanofarm/jobwatch/internal/db/models"
)

type NodeResponse struct {
	NodeName    string    `json:"node_name"`
	IPAddress   string    `json:"ip_address"`
	GPIOPin     *int      `json:"gpio_pin"`
	NodeType    string    `json:"node_type"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UpsertNodeRequest struct {
	IPAddress   string  `json:"ip_address" binding:"required"`
	GPIOPin     *int    `json:"gpio_pin"`
	NodeType    string  `json:"node_type"`
	Description *string `json:"description"`
}

func toNodeResponse(node *models.Node) NodeResponse {
	return NodeResponse{
		NodeName:    node.NodeName,
		IPAddress:   node.IPAddress,
		GPIOPin:     node.GPIOPin,
		NodeType:    node.NodeType,
		Description: node.Description,
		CreatedAt:   node.CreatedAt,
		UpdatedAt:   node.UpdatedAt,
	}
}

func ListNodes(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	nodes, err := app.NodeRepository.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to list nodes"})
		return
	}

	results := make([]NodeResponse, 0, len(nodes))
	for i := range nodes {
		results = append(results, toNodeResponse(&nodes[i]))
	}

	c.JSON(http.StatusOK, gin.H{"nodes": results, "total": len(results)})
}

func UpsertNode(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	var req UpsertNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	nodeType := req.NodeType
	if nodeType == "" {
		nodeType = "jetson"
	}

	node := &models.Node{
		ID:          uuid.New(),
		NodeName:    c.Param("name"),
		IPAddress:   req.IPAddress,
		GPIOPin:     req.GPIOPin,
		NodeType:    nodeType,
		Description: req.Description,
	}
	if err := app.NodeRepository.Upsert(c.Request.Context(), node); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to save node"})
		return
	}

	saved, err := app.NodeRepository.GetByName(c.Request.Context(), node.NodeName)
	if err != nil || saved == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to reload node"})
		return
	}

	c.JSON(http.StatusOK, toNodeResponse(saved))
}

func DeleteNode(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	deleted, err := app.NodeRepository.Delete(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to delete node"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"message": "node not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "node deleted"})
}

func NodeThroughput(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	speed, err := app.Throughput.NodeThroughput(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to compute throughput"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"node_name": c.Param("name"), "tokens_per_second": speed})
}

func AllNodeThroughputs(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	throughputs, err := app.Throughput.AllNodeThroughputs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to compute throughputs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"throughputs": throughputs})
}
