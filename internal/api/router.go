package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/identra/identra/internal/api/middleware"
	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/clientauth"
	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/oauth"
	"github.com/identra/identra/internal/rbac"
	"github.com/identra/identra/internal/session"
)

// Server aggregates the services behind the HTTP surface.
type Server struct {
	oauth      *oauth.Service
	sessions   *session.Service
	clientAuth *clientauth.Authenticator
	eval       *rbac.Evaluator
	log        *slog.Logger
}

func NewServer(oauthSvc *oauth.Service, sessions *session.Service, clientAuth *clientauth.Authenticator, eval *rbac.Evaluator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		oauth:      oauthSvc,
		sessions:   sessions,
		clientAuth: clientAuth,
		eval:       eval,
		log:        log,
	}
}

// Router assembles the chi handler tree.
func (s *Server) Router(cfg *config.Config, auditor audit.Logger, m *metrics.Metrics, sentryEnabled bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.log))
	if sentryEnabled {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recovery(s.log))

	limiter := middleware.NewRateLimiter(cfg, auditor, m)
	bearer := middleware.NewBearerAuth(s.oauth, s.eval)

	r.Get("/health", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/oauth-authorization-server", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.With(limiter.Limit("authorize")).Get("/authorize", s.handleAuthorize)
	r.With(limiter.Limit("token")).Post("/token", s.handleToken)
	r.With(limiter.Limit("introspect")).Post("/introspect", s.handleIntrospect)
	r.With(limiter.Limit("revoke")).Post("/revoke", s.handleRevoke)
	r.With(limiter.Limit("userinfo")).Get("/userinfo", s.handleUserInfo)
	r.With(limiter.Limit("userinfo")).Post("/userinfo", s.handleUserInfo)

	r.Route("/auth", func(r chi.Router) {
		r.With(limiter.Limit("login")).Post("/login", s.handleLogin)
		r.With(limiter.Limit("login")).Post("/mfa/verify", s.handleMFAVerify)
		r.Post("/refresh", s.handleSessionRefresh)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(bearer.Require(nil, nil))
			r.Post("/check", s.handleCheck)
			r.Post("/check-batch", s.handleCheckBatch)
		})
	})

	return r
}
