// Package oauth implements the protocol engine: the authorize state
// machine, token grant dispatch, introspection, revocation, userinfo and
// discovery. Handlers in internal/api are thin adapters over this
// package.
package oauth

import (
	"log/slog"
	"time"

	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/rbac"
	"github.com/identra/identra/internal/store"
)

// Service is the protocol engine. One instance per process.
type Service struct {
	store  store.Store
	eval   *rbac.Evaluator
	signer *crypto.Signer
	audit  audit.Logger
	m      *metrics.Metrics
	cfg    *config.Config
	log    *slog.Logger
	now    func() time.Time
}

func NewService(st store.Store, eval *rbac.Evaluator, signer *crypto.Signer, auditor audit.Logger, m *metrics.Metrics, cfg *config.Config, log *slog.Logger) *Service {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  st,
		eval:   eval,
		signer: signer,
		audit:  auditor,
		m:      m,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

func (s *Service) accessTokenTTL(client *store.Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	return s.cfg.AccessTokenTTL
}

func (s *Service) refreshTokenTTL(client *store.Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	return s.cfg.RefreshTokenTTL
}

func (s *Service) codeTTL(client *store.Client) time.Duration {
	ttl := s.cfg.AuthorizationCodeTTL
	if client.AuthorizationCodeTTL > 0 {
		ttl = client.AuthorizationCodeTTL
	}
	if ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}
	return ttl
}
