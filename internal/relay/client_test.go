package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SessionLifecycle(t *testing.T) {
	c := NewClient("client-1", nil)

	c.AddSession("s1", "T-1")
	assert.True(t, c.HasSession("s1"))

	sessionID, ok := c.SessionForTarget("T-1")
	require.True(t, ok)
	assert.Equal(t, "s1", sessionID)

	assert.True(t, c.RemoveSession("s1"))
	assert.False(t, c.HasSession("s1"))
	assert.False(t, c.RemoveSession("s1"))
}

func TestClient_AutoAttachDefaultsFalse(t *testing.T) {
	c := NewClient("client-1", nil)
	assert.False(t, c.AutoAttach())
	c.SetAutoAttach(true)
	assert.True(t, c.AutoAttach())
}

func TestClient_FailIsIdempotentAndInvokesCloseFn(t *testing.T) {
	calls := 0
	c := NewClient("client-1", func(code int, reason string) {
		calls++
		assert.Equal(t, 1001, code)
		assert.Equal(t, "bye", reason)
	})

	c.Fail(1001, "bye")
	c.Fail(1001, "bye")

	assert.Equal(t, 1, calls)
	assert.True(t, c.Closed())
}

func TestClient_SessionsSnapshotIsIndependent(t *testing.T) {
	c := NewClient("client-1", nil)
	c.AddSession("s1", "T-1")
	c.AddSession("s2", "T-2")

	snap := c.Sessions()
	assert.Len(t, snap, 2)

	c.RemoveSession("s1")
	assert.Len(t, snap, 2, "snapshot taken before removal must not be affected by it")
	assert.Len(t, c.Sessions(), 1)
}

func TestRegistry_AddRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(NewClient("dup", nil)))

	err := r.Add(NewClient("dup", nil))
	require.Error(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RemoveAndGet(t *testing.T) {
	r := NewRegistry()
	c := NewClient("a", nil)
	require.NoError(t, r.Add(c))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, c, got)

	r.Remove("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(NewClient("a", nil)))
	require.NoError(t, r.Add(NewClient("b", nil)))

	all := r.All()
	assert.Len(t, all, 2)
}
