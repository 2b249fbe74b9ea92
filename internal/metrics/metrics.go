package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/resource"
)

// Snapshot counts live entities per status at scrape time.
type Snapshot struct {
	Offers    map[string]int
	Contracts map[string]int
}

type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// Recorder implements lease.Recorder on a private Prometheus registry.
type Recorder struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	offers      *prometheus.GaugeVec
	contracts   *prometheus.GaugeVec
	snapshot    SnapshotFunc
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebroker_transitions_total",
		Help: "Lifecycle transitions applied to offers and contracts",
	}, []string{"kind", "action", "from", "to"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasebroker_rejections_total",
		Help: "Requested transitions that failed, by error reason",
	}, []string{"kind", "action", "reason"})
	offers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leasebroker_offers",
		Help: "Offers by status",
	}, []string{"status"})
	contracts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leasebroker_contracts",
		Help: "Contracts by status",
	}, []string{"status"})

	registry.MustRegister(transitions, rejected, offers, contracts)

	return &Recorder{
		registry:    registry,
		transitions: transitions,
		rejected:    rejected,
		offers:      offers,
		contracts:   contracts,
	}
}

// SetSnapshot installs the callback used to refresh the status gauges.
func (r *Recorder) SetSnapshot(fn SnapshotFunc) {
	r.snapshot = fn
}

func (r *Recorder) Transition(kind lease.Kind, action, from, to string) {
	if from == "" {
		from = "none"
	}
	r.transitions.WithLabelValues(string(kind), action, from, to).Inc()
}

func (r *Recorder) Rejected(kind lease.Kind, action string, err error) {
	r.rejected.WithLabelValues(string(kind), action, Reason(err)).Inc()
}

// Reason maps an error to a short, bounded label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, lease.ErrInvalidTimeRange):
		return "invalid_time_range"
	case errors.Is(err, lease.ErrOfferResourceTimeConflict):
		return "resource_time_conflict"
	case errors.Is(err, lease.ErrOfferNotAvailable):
		return "offer_not_available"
	case errors.Is(err, lease.ErrOfferNoTimeAvailabilities):
		return "no_time_availabilities"
	case errors.Is(err, lease.ErrNotFound):
		return "not_found"
	case errors.Is(err, lease.ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, lease.ErrResourceNoPermission):
		return "no_permission"
	case errors.Is(err, lease.ErrResourceTypeUnknown):
		return "resource_type_unknown"
	case errors.Is(err, lease.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, resource.ErrNodeBound):
		return "resource_bound"
	case errors.Is(err, resource.ErrNodeDraining):
		return "resource_draining"
	default:
		return "internal"
	}
}

func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(r.handleMetrics)
}

func (r *Recorder) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if r.snapshot != nil {
		snapshot, err := r.snapshot(req.Context())
		if err != nil {
			http.Error(w, "failed to snapshot lease state", http.StatusInternalServerError)
			return
		}
		r.offers.Reset()
		for status, count := range snapshot.Offers {
			r.offers.WithLabelValues(status).Set(float64(count))
		}
		r.contracts.Reset()
		for status, count := range snapshot.Contracts {
			r.contracts.WithLabelValues(status).Set(float64(count))
		}
	}

	families, err := r.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.FmtText))
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
			return
		}
	}
}
