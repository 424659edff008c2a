package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthRegistryOverallHealthyWhenEmpty(t *testing.T) {
	r := NewHealthRegistry()
	_, overall := r.Snapshot()
	assert.True(t, overall)
}

func TestHealthRegistryOverallUnhealthyOnAnyFailure(t *testing.T) {
	r := NewHealthRegistry()
	r.Set("database", true, "")
	r.Set("redis", false, "connection refused")

	snapshot, overall := r.Snapshot()
	assert.False(t, overall)
	assert.True(t, snapshot["database"].Healthy)
	assert.False(t, snapshot["redis"].Healthy)
	assert.Equal(t, "connection refused", snapshot["redis"].Detail)
}

func TestHealthRegistrySetOverwritesPreviousStatus(t *testing.T) {
	r := NewHealthRegistry()
	r.Set("agent", false, "timeout")
	r.Set("agent", true, "")

	snapshot, overall := r.Snapshot()
	assert.True(t, overall)
	assert.True(t, snapshot["agent"].Healthy)
}
