package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shardCopy(index string, shard int32, primary bool) *ShardRouting {
	return &ShardRouting{
		ShardID: ShardID{Index: index, Shard: shard},
		Primary: primary,
		State:   ShardUnassigned,
	}
}

func TestUnassignedIterRemove(t *testing.T) {
	a := shardCopy("idx", 0, true)
	b := shardCopy("idx", 1, true)
	c := shardCopy("idx", 2, true)
	rn := NewRoutingNodes(nil, []*ShardRouting{a, b, c})

	iter := rn.UnassignedIter()
	var seen []*ShardRouting
	for s := iter.Next(); s != nil; s = iter.Next() {
		seen = append(seen, s)
		if s == b {
			iter.Remove()
		}
	}

	// Removal mid-iteration must not skip the following element.
	require.Len(t, seen, 3)
	assert.Equal(t, []*ShardRouting{a, b, c}, seen)
	assert.Equal(t, []*ShardRouting{a, c}, rn.Unassigned())
}

func TestUnassignedIterRemoveFirstAndLast(t *testing.T) {
	a := shardCopy("idx", 0, true)
	b := shardCopy("idx", 1, true)
	rn := NewRoutingNodes(nil, []*ShardRouting{a, b})

	iter := rn.UnassignedIter()
	for s := iter.Next(); s != nil; s = iter.Next() {
		iter.Remove()
	}
	assert.Empty(t, rn.Unassigned())
}

func TestAssignTracksInitializing(t *testing.T) {
	s := shardCopy("idx", 0, true)
	rn := NewRoutingNodes(nil, []*ShardRouting{s})

	rn.Assign(s, "node-1")

	assert.Equal(t, "node-1", s.NodeID)
	assert.Equal(t, ShardInitializing, s.State)
	require.Len(t, rn.Initializing(), 1)
	assert.Same(t, s, rn.Initializing()[0])
	require.Len(t, rn.CopiesOnNode(s.ShardID, "node-1"), 1)
}

func TestActivePrimary(t *testing.T) {
	primary := &ShardRouting{ShardID: ShardID{Index: "idx", Shard: 0}, Primary: true, NodeID: "node-1", State: ShardStarted}
	initializing := &ShardRouting{ShardID: ShardID{Index: "idx", Shard: 1}, Primary: true, NodeID: "node-2", State: ShardInitializing}
	replica := &ShardRouting{ShardID: ShardID{Index: "idx", Shard: 0}, Primary: false, NodeID: "node-3", State: ShardStarted}
	rn := NewRoutingNodes([]*ShardRouting{primary, initializing, replica}, nil)

	assert.Same(t, primary, rn.ActivePrimary(ShardID{Index: "idx", Shard: 0}))
	assert.Nil(t, rn.ActivePrimary(ShardID{Index: "idx", Shard: 1}), "an initializing primary is not active")
	assert.Nil(t, rn.ActivePrimary(ShardID{Index: "other", Shard: 0}))
}

func TestAllocationIgnoreBookkeeping(t *testing.T) {
	nodes := []*Node{
		{ID: "node-1", Data: true},
		{ID: "node-2", Data: true},
		{ID: "node-3", Data: false},
	}
	alloc := NewRoutingAllocation(nodes, NewRoutingNodes(nil, nil), nil, NewDeciderChain())

	assert.Len(t, alloc.DataNodes(), 2)

	id := ShardID{Index: "idx", Shard: 0}
	assert.False(t, alloc.ShouldIgnoreShardForNode(id, "node-1"))
	alloc.IgnoreShardForNode(id, "node-1")
	assert.True(t, alloc.ShouldIgnoreShardForNode(id, "node-1"))
	assert.False(t, alloc.ShouldIgnoreShardForNode(id, "node-2"))
	assert.False(t, alloc.ShouldIgnoreShardForNode(ShardID{Index: "idx", Shard: 1}, "node-1"))
}
