// Package audit records security-relevant events. Writes are best
// effort: a failed insert falls back to the structured log and bumps a
// counter instead of failing the request that produced the event.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/store"
)

// Audited actions.
const (
	ActionLogin             = "auth.login"
	ActionLoginFailed       = "auth.login_failed"
	ActionAccountLocked     = "auth.account_locked"
	ActionLogout            = "auth.logout"
	ActionCodeIssued        = "oauth.code_issued"
	ActionCodeExchanged     = "oauth.code_exchanged"
	ActionCodeReplayed      = "oauth.code_replayed"
	ActionTokenIssued       = "oauth.token_issued"
	ActionTokenRefreshed    = "oauth.token_refreshed"
	ActionRefreshReplayed   = "oauth.refresh_replayed"
	ActionTokenRevoked      = "oauth.token_revoked"
	ActionTokenIntrospected = "oauth.token_introspected"
	ActionUserInfoRead      = "oauth.userinfo_read"
	ActionAuthorizeDenied   = "oauth.authorize_denied"
	ActionBearerRejected    = "oauth.bearer_rejected"
	ActionConsentGranted    = "oauth.consent_granted"
	ActionConsentDenied     = "oauth.consent_denied"
	ActionKeysRotated       = "keys.rotated"
)

// Event is what callers hand to the logger; persistence fields (id,
// timestamp) are filled in here.
type Event struct {
	UserID       *uuid.UUID
	ClientID     string
	Action       string
	Resource     string
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorMessage string
	Metadata     map[string]any
}

// Logger records events. Implementations must never fail the caller.
type Logger interface {
	Record(ctx context.Context, e Event)
}

// DBLogger persists events through the audit store. High-volume failure
// actions are rate limited per action name so an attack cannot flood the
// audit table.
type DBLogger struct {
	store store.AuditStore
	log   *slog.Logger
	m     *metrics.Metrics
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewDBLogger(s store.AuditStore, log *slog.Logger, m *metrics.Metrics) *DBLogger {
	if log == nil {
		log = slog.Default()
	}
	return &DBLogger{
		store:    s,
		log:      log,
		m:        m,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(50),
		burst:    100,
	}
}

// throttled actions are the ones an attacker controls the volume of.
func throttled(action string) bool {
	switch action {
	case ActionLoginFailed, ActionCodeReplayed, ActionRefreshReplayed,
		ActionAuthorizeDenied, ActionBearerRejected:
		return true
	}
	return false
}

func (l *DBLogger) allow(action string) bool {
	if !throttled(action) {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[action]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[action] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *DBLogger) Record(ctx context.Context, e Event) {
	if !l.allow(e.Action) {
		return
	}
	entry := &store.AuditEntry{
		ID:           uuid.New(),
		Timestamp:    l.now().UTC(),
		UserID:       e.UserID,
		ClientID:     e.ClientID,
		Action:       e.Action,
		Resource:     e.Resource,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Success:      e.Success,
		ErrorMessage: e.ErrorMessage,
		Metadata:     e.Metadata,
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		if l.m != nil {
			l.m.AuditWriteFailure.Inc()
		}
		l.log.Error("audit write failed",
			"error", err,
			"action", e.Action,
			"client_id", e.ClientID,
			"success", e.Success,
		)
	}
}

// Nop discards events; used in tests and tooling.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
