package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMaterializeFillsSchemaAndVersionDefaults(t *testing.T) {
	e := (&Event{}).Materialize(time.Unix(100, 0))
	assert.Equal(t, SchemaVersion, e.SchemaVersion)
	assert.Equal(t, EventVersion, e.EventVersion)
	assert.Equal(t, "unknown", e.AgentID)
	assert.NotNil(t, e.Payload)
}

func TestMaterializeLeavesExplicitFieldsUntouched(t *testing.T) {
	e := (&Event{SchemaVersion: "9.9", AgentID: "agent-a", Timestamp: 42}).Materialize(time.Now())
	assert.Equal(t, "9.9", e.SchemaVersion)
	assert.Equal(t, "agent-a", e.AgentID)
	assert.Equal(t, int64(42), e.Timestamp)
}

func TestMaterializeReturnsSamePointerForChaining(t *testing.T) {
	e := &Event{}
	got := e.Materialize(time.Now())
	assert.Same(t, e, got)
}
