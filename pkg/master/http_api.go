package master

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/pensieve/pensieve/pkg/common/metrics"
	raftpkg "github.com/pensieve/pensieve/pkg/master/raft"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func (m *MasterNode) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.HTTPMetricsMiddleware(m.collector))

	r.GET("/healthz", m.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/_cluster/state", m.handleClusterState)
	r.GET("/_cluster/nodes", m.handleListNodes)
	r.GET("/_cluster/routing/unassigned", m.handleUnassigned)
	r.POST("/_cluster/reroute", m.handleReroute)

	r.POST("/_cluster/nodes", m.handleRegisterNode)
	r.DELETE("/_cluster/nodes/:id", m.handleUnregisterNode)

	r.PUT("/_indices/:name", m.handleCreateIndex)
	r.DELETE("/_indices/:name", m.handleDeleteIndex)

	r.POST("/_shards/started", m.handleShardStarted)
	r.POST("/_shards/failed", m.handleShardFailed)

	return r
}

func (m *MasterNode) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "leader": m.IsLeader()})
}

func (m *MasterNode) handleClusterState(c *gin.Context) {
	c.JSON(http.StatusOK, m.fsm.GetState())
}

func (m *MasterNode) handleListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": m.fsm.GetState().Nodes})
}

func (m *MasterNode) handleUnassigned(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"unassigned": m.fsm.GetState().Unassigned()})
}

func (m *MasterNode) handleReroute(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	m.routing.Reroute()
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (m *MasterNode) handleRegisterNode(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	var node cluster.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if node.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node id is required"})
		return
	}
	if err := m.applyCommand(raftpkg.CommandRegisterNode, &node); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	m.logger.Info("Node registered via API", zap.String("node_id", node.ID))
	m.routing.Reroute()
	c.JSON(http.StatusOK, gin.H{"registered": node.ID})
}

func (m *MasterNode) handleUnregisterNode(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	nodeID := c.Param("id")
	payload := map[string]string{"node_id": nodeID}
	if err := m.applyCommand(raftpkg.CommandUnregisterNode, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	m.listClient.Forget(nodeID)
	m.routing.Reroute()
	c.JSON(http.StatusOK, gin.H{"unregistered": nodeID})
}

type createIndexRequest struct {
	NumShards   int32             `json:"num_shards"`
	NumReplicas int32             `json:"num_replicas"`
	Settings    map[string]string `json:"settings"`
}

func (m *MasterNode) handleCreateIndex(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	var req createIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NumShards <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "num_shards must be positive"})
		return
	}
	index := &cluster.IndexMeta{
		Name:        c.Param("name"),
		UUID:        uuid.New().String(),
		NumShards:   req.NumShards,
		NumReplicas: req.NumReplicas,
		Settings:    req.Settings,
	}
	if err := m.applyCommand(raftpkg.CommandCreateIndex, index); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	m.routing.Reroute()
	c.JSON(http.StatusOK, gin.H{"created": index.Name, "uuid": index.UUID})
}

func (m *MasterNode) handleDeleteIndex(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	payload := map[string]string{"index_name": c.Param("name")}
	if err := m.applyCommand(raftpkg.CommandDeleteIndex, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

type shardEventRequest struct {
	Index  string `json:"index"`
	Shard  int32  `json:"shard"`
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

func (m *MasterNode) handleShardStarted(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	var req shardEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m.routing.ShardStarted(cluster.ShardID{Index: req.Index, Shard: req.Shard}, req.NodeID)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (m *MasterNode) handleShardFailed(c *gin.Context) {
	if !m.requireLeader(c) {
		return
	}
	var req shardEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m.routing.ShardFailed(cluster.ShardID{Index: req.Index, Shard: req.Shard}, req.NodeID, req.Reason)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (m *MasterNode) requireLeader(c *gin.Context) bool {
	if m.IsLeader() {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not the leader", "leader": m.Leader()})
	return false
}

func (m *MasterNode) applyCommand(cmdType raftpkg.CommandType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.raftNode.Apply(raftpkg.Command{Type: cmdType, Payload: data}, applyTimeout)
}
