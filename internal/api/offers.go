package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/leasebroker/internal/interval"
	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/pkg/httpx"
)

type createOfferRequest struct {
	Name         string         `json:"name,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceUUID string         `json:"resource_uuid"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Properties   map[string]any `json:"properties,omitempty"`
}

type offerListResponse struct {
	Offers []lease.Offer `json:"offers"`
}

type availabilityResponse struct {
	OfferUUID      string              `json:"offer_uuid"`
	Availabilities []interval.Interval `json:"availabilities"`
}

type firstAvailabilityResponse struct {
	OfferUUID      string     `json:"offer_uuid"`
	Found          bool       `json:"found"`
	FirstAvailable *time.Time `json:"first_available,omitempty"`
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	raw, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var req createOfferRequest
	if err := httpx.DecodeJSON(raw, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON: "+err.Error())
		return
	}
	req.ResourceType = strings.TrimSpace(req.ResourceType)
	req.ResourceUUID = strings.TrimSpace(req.ResourceUUID)
	if req.ResourceType == "" || req.ResourceUUID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "resource_type and resource_uuid are required")
		return
	}

	execute := func(w http.ResponseWriter) {
		ctx := r.Context()
		if err := s.checkResourceAdmin(r, req.ResourceType, req.ResourceUUID, project); err != nil {
			s.writeLeaseError(w, r, err)
			return
		}
		created, err := s.leases.CreateOffer(ctx, lease.CreateOfferInput{
			Name:         req.Name,
			ProjectID:    project,
			ResourceType: req.ResourceType,
			ResourceUUID: req.ResourceUUID,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
			Properties:   req.Properties,
		})
		if err != nil {
			s.writeLeaseError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, created)
	}

	if s.handleIdempotentRequest(w, r, "offers:create:"+project, raw, execute) {
		return
	}
	execute(w)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := lease.OfferFilter{
		ProjectID:    strings.TrimSpace(query.Get("project_id")),
		ResourceType: strings.TrimSpace(query.Get("resource_type")),
		ResourceUUID: strings.TrimSpace(query.Get("resource_uuid")),
	}
	for _, raw := range splitList(query.Get("status")) {
		status, ok := lease.ParseOfferStatus(raw)
		if !ok {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_status", "unknown offer status "+strconv.Quote(raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	window, ok := s.parseWindowQuery(w, r, string(lease.KindOffer))
	if !ok {
		return
	}
	filter.Window = window

	offers, err := s.leases.ListOffers(r.Context(), filter)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	if offers == nil {
		offers = []lease.Offer{}
	}
	httpx.WriteJSON(w, http.StatusOK, offerListResponse{Offers: offers})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.leases.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// handleDeleteOffer cancels the offer, or destroys it with ?purge=true.
func (s *Server) handleDeleteOffer(w http.ResponseWriter, r *http.Request) {
	offer, ok := s.authorizeOffer(w, r)
	if !ok {
		return
	}
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if purge {
		if err := s.leases.PurgeOffer(r.Context(), offer.UUID); err != nil {
			s.writeLeaseError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	cancelled, err := s.leases.CancelOffer(r.Context(), offer.UUID)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleExpireOffer(w http.ResponseWriter, r *http.Request) {
	offer, ok := s.authorizeOffer(w, r)
	if !ok {
		return
	}
	expired, err := s.leases.ExpireOffer(r.Context(), offer.UUID)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, expired)
}

func (s *Server) handleOfferAvailabilities(w http.ResponseWriter, r *http.Request) {
	offer, err := s.leases.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	gaps, err := s.leases.OfferAvailabilities(r.Context(), offer.UUID)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	if gaps == nil {
		gaps = []interval.Interval{}
	}
	httpx.WriteJSON(w, http.StatusOK, availabilityResponse{OfferUUID: offer.UUID, Availabilities: gaps})
}

func (s *Server) handleOfferFirstAvailability(w http.ResponseWriter, r *http.Request) {
	earliest := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_query", "after must be an RFC3339 timestamp")
			return
		}
		earliest = parsed
	}
	offer, err := s.leases.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	at, found, err := s.leases.OfferFirstAvailability(r.Context(), offer.UUID, earliest)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	resp := firstAvailabilityResponse{OfferUUID: offer.UUID, Found: found}
	if found {
		resp.FirstAvailable = &at
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// authorizeOffer resolves the path offer and requires the calling project
// to administer its resource.
func (s *Server) authorizeOffer(w http.ResponseWriter, r *http.Request) (lease.Offer, bool) {
	project, ok := requireProject(w, r)
	if !ok {
		return lease.Offer{}, false
	}
	offer, err := s.leases.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLeaseError(w, r, err)
		return lease.Offer{}, false
	}
	if err := s.checkResourceAdmin(r, offer.ResourceType, offer.ResourceUUID, project); err != nil {
		s.writeLeaseError(w, r, err)
		return lease.Offer{}, false
	}
	return offer, true
}

func requireProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	project := strings.TrimSpace(r.Header.Get(projectHeader))
	if project == "" {
		httpx.WriteError(w, http.StatusBadRequest, "project_required", projectHeader+" header is required")
		return "", false
	}
	return project, true
}

// parseWindowQuery reads the optional start_time/end_time overlap filter.
// Both bounds must be given together.
func (s *Server) parseWindowQuery(w http.ResponseWriter, r *http.Request, resource string) (*interval.Interval, bool) {
	query := r.URL.Query()
	var start, end *time.Time
	for name, dst := range map[string]**time.Time{"start_time": &start, "end_time": &end} {
		if !query.Has(name) {
			continue
		}
		raw := strings.TrimSpace(query.Get(name))
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_query", name+" must be an RFC3339 timestamp")
			return nil, false
		}
		*dst = &parsed
	}
	window, err := lease.ParseWindow(resource, start, end)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return nil, false
	}
	return window, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
