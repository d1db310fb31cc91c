package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/oauthlink/internal/audit"
)

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	audit.SetOutput(&buf)
	t.Cleanup(func() { audit.SetOutput(os.Stdout) })

	audit.Log(context.Background(), audit.Event{
		Action:      audit.ActionConnect,
		Provider:    "google",
		WorkspaceID: "ws-1",
		AccountID:   "acc-1",
		Success:     true,
	})

	var line struct {
		Event audit.Event `json:"audit_event"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, audit.ActionConnect, line.Event.Action)
	assert.Equal(t, "acc-1", line.Event.AccountID)
	assert.True(t, line.Event.Success)
	assert.False(t, line.Event.Timestamp.IsZero())
	assert.Empty(t, line.Event.TraceID)
}
