// Package api is an in-memory reference implementation of the platform
// contracts consumed by sessionguard: key issuing, anomaly detection, the
// security-event sink, admin key management and public IP lookup.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
)

// API holds the reference platform's state.
type API struct {
	apiKey         string
	trustedProxies []netip.Prefix
	clock          clockwork.Clock

	keys      *keyRegistry
	events    *eventLog
	baselines *baselineStore
	limiter   *clientRateLimiter
	audit     *auditLogger
	webhook   *eventWebhook
	alertFn   AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit records.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAPIKey requires every platform call to present key in the apikey
// header or as a bearer token.
func WithAPIKey(key string) Option {
	return func(a *API) { a.apiKey = key }
}

// WithClock sets the clock used for timestamps and alert windows.
func WithClock(c clockwork.Clock) Option {
	return func(a *API) { a.clock = c }
}

// WithRateLimit sets the per-client request rate and burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) { a.limiter = newClientRateLimiter(rate.Limit(perSecond), burst) }
}

// WithEventWebhook forwards every accepted security event to url.
// authHeader is optional and has the form "Header: Value".
func WithEventWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newEventWebhook(url, authHeader)
		}
	}
}

// WithAlertFunc registers a callback for spikes of critical findings.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithTrustedProxies returns an option that honors proxy headers from
// peers inside the given CIDRs. Bare addresses are treated as single-host
// prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// New creates a new API instance.
func New(opts ...Option) *API {
	a := &API{
		clock:     clockwork.NewRealClock(),
		keys:      newKeyRegistry(),
		events:    newEventLog(maxStoredEvents),
		baselines: newBaselineStore(),
		limiter:   newClientRateLimiter(20, 40),
		audit:     newAuditLogger(securelog.Discard()),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn, a.clock)
	}
	return a
}

// Router returns a chi.Router with all platform routes mounted at the root.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.RateLimitMiddleware)
		r.Get("/ip", a.PublicIP)

		r.Group(func(r chi.Router) {
			r.Use(a.APIKeyMiddleware)
			r.Post(platform.PathSessionEncryption, a.IssueSessionKey)
			r.Post(platform.PathDetectAnomaly, a.DetectAnomaly)
			r.Post(platform.PathSecurityEvents, a.LogSecurityEvent)
			r.Get(platform.PathSecurityEvents, a.ListSecurityEvents)
			r.Get(platform.PathEncryptionKeys, a.ListEncryptionKeys)
			r.With(a.AdminMiddleware).Post(platform.PathCreateEncryptionKey, a.CreateEncryptionKey)
		})
	})

	return r
}

// Close flushes the event webhook, if any.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}
