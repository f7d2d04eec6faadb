package httpd

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/authn"
	"github.com/federata/samlidp/internal/config"
	idcrypto "github.com/federata/samlidp/internal/crypto"
	"github.com/federata/samlidp/internal/flow"
	"github.com/federata/samlidp/internal/saml"
	"github.com/federata/samlidp/internal/sp"
)

// Runtime is everything built from one config load. The server reads it
// through a getter so a reload swaps the whole thing atomically.
type Runtime struct {
	Cfg             *config.Config
	Keys            *idcrypto.KeyStore
	Registry        *sp.Registry
	Signer          *saml.Signer
	Builder         *saml.Builder
	Coordinator     *flow.Coordinator
	LogoutValidator *saml.LogoutValidator
	Tokens          *flow.TokenCodec
	Backend         authn.Backend
	OIDC            *authn.OIDCBackend // nil unless the upstream backend is configured
	Clock           clockwork.Clock
}

// BuildRuntime wires the protocol core from a validated config.
func BuildRuntime(cfg *config.Config, backend authn.Backend, oidc *authn.OIDCBackend, clock clockwork.Clock) (*Runtime, error) {
	ks, err := idcrypto.NewKeyStore(cfg.Crypto)
	if err != nil {
		return nil, err
	}
	registry, err := sp.NewRegistry(cfg.SPs)
	if err != nil {
		return nil, err
	}

	entityID := cfg.Server.ExternalURL + "/metadata"
	ssoURL := cfg.Server.ExternalURL + "/sso"
	sloURL := cfg.Server.ExternalURL + "/slo"

	signer := saml.NewSigner(ks)
	builder := &saml.Builder{
		EntityID: entityID,
		Clock:    clock,
		Window:   cfg.Security.AssertionTTL(),
	}

	var replay *flow.ReplayCache
	if cfg.Security.ReplayDetection {
		replay = flow.NewReplayCache(cfg.Security.FlowTTL(), clock)
	}

	tokens, err := flow.NewTokenCodec(cfg.Session.JWTSecret, clock)
	if err != nil {
		return nil, err
	}

	coordinator := &flow.Coordinator{
		Validator: &saml.RequestValidator{
			SSOURL: ssoURL,
			Skew:   cfg.Security.Skew(),
			Clock:  clock,
			SPs:    registry,
		},
		Builder: builder,
		Signer:  signer,
		Keys:    ks,
		SPs:     registry,
		Store:   flow.NewStore(cfg.Security.FlowTTL(), clock),
		Replay:  replay,
		Clock:   clock,
	}

	return &Runtime{
		Cfg:         cfg,
		Keys:        ks,
		Registry:    registry,
		Signer:      signer,
		Builder:     builder,
		Coordinator: coordinator,
		LogoutValidator: &saml.LogoutValidator{
			SLOURL: sloURL,
			Skew:   cfg.Security.Skew(),
			Clock:  clock,
			SPs:    registry,
		},
		Tokens:  tokens,
		Backend: backend,
		OIDC:    oidc,
		Clock:   clock,
	}, nil
}

func (rt *Runtime) EntityID() string { return rt.Cfg.Server.ExternalURL + "/metadata" }
func (rt *Runtime) SSOURL() string   { return rt.Cfg.Server.ExternalURL + "/sso" }
func (rt *Runtime) SLOURL() string   { return rt.Cfg.Server.ExternalURL + "/slo" }

// New builds the router. get returns the current runtime so hot reload
// never restarts the listener.
func New(get func() *Runtime) http.Handler {
	h := &handlers{get: get}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Get("/metadata", h.metadata)
	r.Get("/sso", h.sso)
	r.Post("/sso", h.sso)
	r.Get("/sso/initiate", h.initiate)
	r.Get("/login", h.loginForm)
	r.Post("/login", h.loginSubmit)
	r.Get("/oidc/callback", h.oidcCallback)
	r.Get("/slo", h.slo)
	r.Post("/slo", h.slo)
	r.Get("/logout", h.logout)
	return r
}
