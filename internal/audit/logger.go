package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Actions recorded against connected accounts.
const (
	ActionConnect    = "account.connect"
	ActionDisconnect = "account.disconnect"
)

// Event represents an audit log event.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Provider    string    `json:"provider"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	Details     string    `json:"details,omitempty"`
	Success     bool      `json:"success"`
	// Error is an error kind, never a provider message.
	Error   string `json:"error,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

var (
	mu          sync.RWMutex
	auditLogger = zerolog.New(os.Stdout)
)

// SetOutput redirects audit events to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	auditLogger = zerolog.New(w)
}

// Log records an audit event.
func Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}

	entry, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("action", event.Action).Msg("Failed to marshal audit event to JSON")
		return
	}

	mu.RLock()
	defer mu.RUnlock()
	auditLogger.Log().RawJSON("audit_event", entry).Msg("")
}
