package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/VenkatGGG/leasebroker/internal/idempotency"
	"github.com/VenkatGGG/leasebroker/internal/interval"
	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/lock"
	"github.com/VenkatGGG/leasebroker/internal/logging"
	"github.com/VenkatGGG/leasebroker/internal/metrics"
	"github.com/VenkatGGG/leasebroker/internal/resource"
	"github.com/VenkatGGG/leasebroker/pkg/httpx"
)

// projectHeader names the project on whose behalf a request acts.
const projectHeader = "X-Project-ID"

// Leases is the lifecycle surface served over HTTP. *lease.Service
// implements it.
type Leases interface {
	CreateOffer(ctx context.Context, input lease.CreateOfferInput) (lease.Offer, error)
	GetOffer(ctx context.Context, id string) (lease.Offer, error)
	ListOffers(ctx context.Context, filter lease.OfferFilter) ([]lease.Offer, error)
	OfferAvailabilities(ctx context.Context, id string) ([]interval.Interval, error)
	OfferFirstAvailability(ctx context.Context, id string, earliest time.Time) (time.Time, bool, error)
	CheckResourceAdmin(ctx context.Context, resourceType, resourceUUID, projectID string) error
	CancelOffer(ctx context.Context, id string) (lease.Offer, error)
	ExpireOffer(ctx context.Context, id string) (lease.Offer, error)
	PurgeOffer(ctx context.Context, id string) error

	CreateContract(ctx context.Context, input lease.CreateContractInput) (lease.Contract, error)
	GetContract(ctx context.Context, id string) (lease.Contract, error)
	ListContracts(ctx context.Context, filter lease.ContractFilter) ([]lease.Contract, error)
	FulfillContract(ctx context.Context, id string) (lease.Contract, error)
	CancelContract(ctx context.Context, id string) (lease.Contract, error)
	ExpireContract(ctx context.Context, id string) (lease.Contract, error)
}

type Options struct {
	Idempotency idempotency.Store
	// APIKey, when set, is required on every mutating request.
	APIKey string
	// AdminAPIKey, sent as X-Admin-Key, skips the resource administrator
	// checks and also satisfies APIKey.
	AdminAPIKey string
	// CreateRateLimit caps create requests per client and minute; zero
	// disables limiting.
	CreateRateLimit int
	Metrics         http.Handler
	Logger          *slog.Logger
}

type Server struct {
	leases         Leases
	idempotency    idempotency.Store
	requiredAPIKey string
	adminAPIKey    string
	rateLimiter    *fixedWindowLimiter
	metrics        http.Handler
	logger         *slog.Logger
}

func NewServer(leases Leases, opts Options) *Server {
	var limiter *fixedWindowLimiter
	if opts.CreateRateLimit > 0 {
		limiter = newFixedWindowLimiter(opts.CreateRateLimit, time.Minute)
	}
	return &Server{
		leases:         leases,
		idempotency:    opts.Idempotency,
		requiredAPIKey: opts.APIKey,
		adminAPIKey:    strings.TrimSpace(opts.AdminAPIKey),
		rateLimiter:    limiter,
		metrics:        opts.Metrics,
		logger:         logging.Ensure(opts.Logger).With("component", "api"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withRequestLog)
	r.Use(s.withAPISecurity)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1/offers", func(r chi.Router) {
		r.Get("/", s.handleListOffers)
		r.Post("/", s.handleCreateOffer)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetOffer)
			r.Delete("/", s.handleDeleteOffer)
			r.Get("/availabilities", s.handleOfferAvailabilities)
			r.Get("/first-availability", s.handleOfferFirstAvailability)
			r.Post("/expire", s.handleExpireOffer)
		})
	})
	r.Route("/v1/contracts", func(r chi.Router) {
		r.Get("/", s.handleListContracts)
		r.Post("/", s.handleCreateContract)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetContract)
			r.Delete("/", s.handleCancelContract)
			r.Post("/fulfill", s.handleFulfillContract)
			r.Post("/expire", s.handleExpireContract)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeLeaseError maps lifecycle errors onto HTTP statuses. The error code
// is the same reason label the metrics use.
func (s *Server) writeLeaseError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := metrics.Reason(err)
	switch {
	case errors.Is(err, lease.ErrNotFound), errors.Is(err, resource.ErrNodeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, lease.ErrInvalidTimeRange), errors.Is(err, lease.ErrResourceTypeUnknown):
		status = http.StatusBadRequest
	case errors.Is(err, lease.ErrOfferResourceTimeConflict),
		errors.Is(err, lease.ErrOfferNoTimeAvailabilities),
		errors.Is(err, lease.ErrOfferNotAvailable),
		errors.Is(err, lease.ErrInvalidState),
		errors.Is(err, lease.ErrDuplicateName),
		errors.Is(err, resource.ErrNodeBound),
		errors.Is(err, resource.ErrNodeDraining):
		status = http.StatusConflict
	case errors.Is(err, lease.ErrResourceNoPermission):
		status = http.StatusForbidden
	case errors.Is(err, lock.ErrNotAcquired):
		status = http.StatusServiceUnavailable
		code = "busy"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	httpx.WriteError(w, status, code, err.Error())
}
