package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/pkg/httpx"
)

type createContractRequest struct {
	Name       string         `json:"name,omitempty"`
	OfferUUID  string         `json:"offer_uuid"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Properties map[string]any `json:"properties,omitempty"`
}

type contractListResponse struct {
	Contracts []lease.Contract `json:"contracts"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	project, ok := requireProject(w, r)
	if !ok {
		return
	}
	raw, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var req createContractRequest
	if err := httpx.DecodeJSON(raw, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.OfferUUID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "offer_uuid is required")
		return
	}

	execute := func(w http.ResponseWriter) {
		ctx := r.Context()
		offer, err := s.leases.GetOffer(ctx, req.OfferUUID)
		if err != nil {
			s.writeLeaseError(w, r, err)
			return
		}
		created, err := s.leases.CreateContract(ctx, lease.CreateContractInput{
			Name:       req.Name,
			ProjectID:  project,
			OfferUUID:  offer.UUID,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
			Properties: req.Properties,
		})
		if err != nil {
			s.writeLeaseError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, created)
	}

	if s.handleIdempotentRequest(w, r, "contracts:create:"+project, raw, execute) {
		return
	}
	execute(w)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := lease.ContractFilter{
		ProjectID: strings.TrimSpace(query.Get("project_id")),
		OfferUUID: strings.TrimSpace(query.Get("offer_uuid")),
	}
	for _, raw := range splitList(query.Get("status")) {
		status, ok := lease.ParseContractStatus(raw)
		if !ok {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_status", "unknown contract status "+strconv.Quote(raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	window, ok := s.parseWindowQuery(w, r, string(lease.KindContract))
	if !ok {
		return
	}
	filter.Window = window

	contracts, err := s.leases.ListContracts(r.Context(), filter)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []lease.Contract{}
	}
	httpx.WriteJSON(w, http.StatusOK, contractListResponse{Contracts: contracts})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.leases.GetContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, contract)
}

func (s *Server) handleCancelContract(w http.ResponseWriter, r *http.Request) {
	s.transitionContract(w, r, s.leases.CancelContract)
}

func (s *Server) handleFulfillContract(w http.ResponseWriter, r *http.Request) {
	s.transitionContract(w, r, s.leases.FulfillContract)
}

func (s *Server) handleExpireContract(w http.ResponseWriter, r *http.Request) {
	s.transitionContract(w, r, s.leases.ExpireContract)
}

type contractTransition func(ctx context.Context, id string) (lease.Contract, error)

func (s *Server) transitionContract(w http.ResponseWriter, r *http.Request, apply contractTransition) {
	contract, ok := s.authorizeContract(w, r)
	if !ok {
		return
	}
	updated, err := apply(r.Context(), contract.UUID)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

// authorizeContract lets the contract's own project or the administrator of
// the leased resource act on it.
func (s *Server) authorizeContract(w http.ResponseWriter, r *http.Request) (lease.Contract, bool) {
	project, ok := requireProject(w, r)
	if !ok {
		return lease.Contract{}, false
	}
	contract, err := s.leases.GetContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLeaseError(w, r, err)
		return lease.Contract{}, false
	}
	if contract.ProjectID == project {
		return contract, true
	}
	offer, err := s.leases.GetOffer(r.Context(), contract.OfferUUID)
	if err != nil {
		s.writeLeaseError(w, r, err)
		return lease.Contract{}, false
	}
	if err := s.checkResourceAdmin(r, offer.ResourceType, offer.ResourceUUID, project); err != nil {
		s.writeLeaseError(w, r, err)
		return lease.Contract{}, false
	}
	return contract, true
}
