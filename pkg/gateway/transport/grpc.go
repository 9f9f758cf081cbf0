package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pensieve/pensieve/pkg/cluster"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// gRPC methods exposed by data nodes for allocation queries.
const (
	methodListStartedShards = "/pensieve.data.DataNodeService/ListStartedShards"
	methodListStoreMetadata = "/pensieve.data.DataNodeService/ListStoreMetadata"
)

type listStartedShardsRequest struct {
	Index     string `json:"index"`
	Shard     int32  `json:"shard"`
	IndexUUID string `json:"index_uuid"`
}

type listStartedShardsResponse struct {
	Version int64 `json:"version"`
}

type listStoreMetadataRequest struct {
	Index              string `json:"index"`
	Shard              int32  `json:"shard"`
	IncludeUnallocated bool   `json:"include_unallocated"`
}

type listStoreMetadataResponse struct {
	Store *StoreFilesMetadata `json:"store"`
}

// Client fans allocation list calls out to data nodes over per-node gRPC
// connections. Per-node failures are collected, never raised; the call
// itself fails only when the reroute's context is already gone.
type Client struct {
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a fan-out client. Connections to data nodes are dialed
// lazily and reused across reroutes.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, id)
	}
	return firstErr
}

func (c *Client) conn(node *cluster.Node) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[node.ID]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(
		node.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %s at %s: %w", node.ID, node.Addr, err)
	}
	c.conns[node.ID] = conn
	return conn, nil
}

// Forget drops the cached connection for a node, typically after it left
// the cluster.
func (c *Client) Forget(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[nodeID]; ok {
		conn.Close()
		delete(c.conns, nodeID)
	}
}

// IsNodeUnreachable reports whether a per-node failure is plain
// connectivity churn, which is expected while nodes come and go.
func IsNodeUnreachable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// ListStartedShards asks each node for the on-disk allocation version it
// holds for a shard.
func (c *Client) ListStartedShards(ctx context.Context, shard cluster.ShardID, indexUUID string, nodes []*cluster.Node, timeout time.Duration) (*NodesGatewayStartedShards, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := &listStartedShardsRequest{Index: shard.Index, Shard: shard.Shard, IndexUUID: indexUUID}

	result := &NodesGatewayStartedShards{}
	var mu sync.Mutex
	c.fanOut(ctx, nodes, timeout, func(callCtx context.Context, node *cluster.Node) error {
		conn, err := c.conn(node)
		if err != nil {
			return err
		}
		resp := &listStartedShardsResponse{}
		if err := conn.Invoke(callCtx, methodListStartedShards, req, resp); err != nil {
			return err
		}
		mu.Lock()
		result.Responses = append(result.Responses, NodeGatewayStartedShards{Node: node, Version: resp.Version})
		mu.Unlock()
		return nil
	}, func(node *cluster.Node, err error) {
		mu.Lock()
		result.Failures = append(result.Failures, FailedNodeError{NodeID: node.ID, Err: err})
		mu.Unlock()
	})
	return result, nil
}

// ListStoreMetadata asks each node for the store file listing it holds for
// a shard. Nodes hosting a live copy answer with Allocated set; nodes with
// nothing on disk answer with a nil store.
func (c *Client) ListStoreMetadata(ctx context.Context, shard cluster.ShardID, nodes []*cluster.Node, timeout time.Duration) (*NodesStoreFilesMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := &listStoreMetadataRequest{Index: shard.Index, Shard: shard.Shard, IncludeUnallocated: true}

	result := &NodesStoreFilesMetadata{}
	var mu sync.Mutex
	c.fanOut(ctx, nodes, timeout, func(callCtx context.Context, node *cluster.Node) error {
		conn, err := c.conn(node)
		if err != nil {
			return err
		}
		resp := &listStoreMetadataResponse{}
		if err := conn.Invoke(callCtx, methodListStoreMetadata, req, resp); err != nil {
			return err
		}
		mu.Lock()
		result.Responses = append(result.Responses, NodeStoreFilesMetadata{Node: node, Store: resp.Store})
		mu.Unlock()
		return nil
	}, func(node *cluster.Node, err error) {
		mu.Lock()
		result.Failures = append(result.Failures, FailedNodeError{NodeID: node.ID, Err: err})
		mu.Unlock()
	})
	return result, nil
}

// fanOut runs one call per node under a shared timeout and reports each
// failure through onErr.
func (c *Client) fanOut(ctx context.Context, nodes []*cluster.Node, timeout time.Duration, call func(context.Context, *cluster.Node) error, onErr func(*cluster.Node, error)) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node *cluster.Node) {
			defer wg.Done()
			if err := call(callCtx, node); err != nil {
				onErr(node, err)
			}
		}(node)
	}
	wg.Wait()
}
