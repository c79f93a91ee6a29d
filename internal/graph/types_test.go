package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDStable(t *testing.T) {
	a := NodeID("conv-1", "turn-1")
	b := NodeID("conv-1", "turn-1")
	c := NodeID("conv-1", "turn-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestGuardAllows(t *testing.T) {
	g := &Guard{Field: "status", Successors: RunTransitions}

	assert.True(t, g.Allows("", "running"))
	assert.True(t, g.Allows("running", "ok"))
	assert.True(t, g.Allows("running", "degraded"))
	assert.True(t, g.Allows("ok", "ok"), "same value is always allowed")

	assert.False(t, g.Allows("ok", "running"), "terminal states never reopen")
	assert.False(t, g.Allows("degraded", "ok"))
}

func TestMergePropsDropsDeniedStatusOnly(t *testing.T) {
	g := &Guard{Field: "status", Successors: RunTransitions}
	dst := Props{"status": "ok", "latency_ms": 10}

	merged, allowed := MergeProps(dst, Props{"status": "running", "latency_ms": 25}, g)
	require.True(t, allowed)
	assert.Equal(t, "ok", merged["status"], "the illegal status write is dropped")
	assert.Equal(t, 25, merged["latency_ms"], "the rest of the props still merge")
}

func TestMergePropsDenyWhole(t *testing.T) {
	g := &Guard{Field: "status", Successors: ApprovalTransitions, DenyWhole: true}
	dst := Props{"status": "approved", "resolved_by": "operator-1"}

	merged, allowed := MergeProps(dst, Props{"status": "rejected", "resolved_by": "operator-2"}, g)
	assert.False(t, allowed)
	assert.Equal(t, "approved", merged["status"])
	assert.Equal(t, "operator-1", merged["resolved_by"])
}

func TestMergePropsNoGuard(t *testing.T) {
	merged, allowed := MergeProps(nil, Props{"a": 1}, nil)
	require.True(t, allowed)
	assert.Equal(t, 1, merged["a"])
}

func TestTaskTransitions(t *testing.T) {
	g := &Guard{Field: "status", Successors: TaskTransitions}

	assert.True(t, g.Allows("", "queued"))
	assert.True(t, g.Allows("queued", "waiting_approval"))
	assert.True(t, g.Allows("waiting_approval", "running"))
	assert.True(t, g.Allows("running", "done"))

	assert.False(t, g.Allows("done", "running"))
	assert.False(t, g.Allows("queued", "done"))
}
