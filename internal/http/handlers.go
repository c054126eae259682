package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	mongoadapter "github.com/robertarktes/reservation-allocator/internal/adapters/mongo"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/engine"
	"github.com/robertarktes/reservation-allocator/internal/idempotency"
	"github.com/robertarktes/reservation-allocator/internal/observability"
)

type Engine interface {
	Hold(ctx context.Context, in engine.HoldInput) (domain.Reservation, error)
	Confirm(ctx context.Context, id string) (domain.Reservation, error)
	Cancel(ctx context.Context, id string) (domain.Reservation, error)
	Get(ctx context.Context, id string) (domain.Reservation, error)
	Available(ctx context.Context, unitID string) (int, error)
	Unit(ctx context.Context, unitID string) (domain.ResourceUnit, error)
	ListByResourceUnit(ctx context.Context, unitID string) ([]domain.Reservation, error)
	RegisterUnit(ctx context.Context, unitID string, total int) (domain.ResourceUnit, error)
}

type Catalog interface {
	GetUnit(ctx context.Context, id string) (*mongoadapter.UnitDoc, error)
	UpsertUnit(ctx context.Context, id, name string, total int) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	engine  Engine
	idemp   *idempotency.Idempotency
	catalog Catalog
	logger  observability.Logger
	checks  map[string]Pinger
}

// NewHandlers accepts nil idemp and catalog; the features they back are then skipped.
func NewHandlers(engine Engine, idemp *idempotency.Idempotency, catalog Catalog, logger observability.Logger, checks map[string]Pinger) *Handlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handlers{engine: engine, idemp: idemp, catalog: catalog, logger: logger, checks: checks}
}

type holdRequest struct {
	IdempotencyKey      string `json:"idempotencyKey"`
	ResourceUnitID      string `json:"resourceUnitId"`
	Quantity            int    `json:"quantity"`
	HoldDurationSeconds int64  `json:"holdDurationSeconds"`
}

type reservationResponse struct {
	ReservationID  string     `json:"reservationId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	ResourceUnitID string     `json:"resourceUnitId"`
	Quantity       int        `json:"quantity"`
	State          string     `json:"state"`
	HoldExpiresAt  *time.Time `json:"holdExpiresAt,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func toResponse(r domain.Reservation) reservationResponse {
	resp := reservationResponse{
		ReservationID:  r.ID,
		IdempotencyKey: r.IdempotencyKey,
		ResourceUnitID: r.ResourceUnitID,
		Quantity:       r.Quantity,
		State:          string(r.State),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.State == domain.StateHeld {
		exp := r.HoldExpiresAt
		resp.HoldExpiresAt = &exp
	}
	return resp
}

type unitResponse struct {
	ResourceUnitID    string `json:"resourceUnitId"`
	Name              string `json:"name,omitempty"`
	TotalCapacity     int    `json:"totalCapacity"`
	HeldCapacity      int    `json:"heldCapacity"`
	ConfirmedCapacity int    `json:"confirmedCapacity"`
	Available         int    `json:"available"`
}

func toUnitResponse(u domain.ResourceUnit, name string) unitResponse {
	return unitResponse{
		ResourceUnitID:    u.ID,
		Name:              name,
		TotalCapacity:     u.Total,
		HeldCapacity:      u.Held,
		ConfirmedCapacity: u.Confirmed,
		Available:         u.Available(),
	}
}

func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	headerKey := idempotencyKeyFrom(r.Context())
	switch {
	case req.IdempotencyKey == "":
		req.IdempotencyKey = headerKey
	case headerKey != "" && headerKey != req.IdempotencyKey:
		writeError(w, r, invalidRequest("Idempotency-Key header does not match idempotencyKey"))
		return
	}
	if req.Quantity <= 0 {
		writeError(w, r, errors.Wrapf(domain.ErrInvalidQuantity, "quantity must be positive, got %d", req.Quantity))
		return
	}
	if req.HoldDurationSeconds <= 0 {
		writeError(w, r, invalidRequest("holdDurationSeconds must be positive"))
		return
	}

	if h.idemp != nil && req.IdempotencyKey != "" {
		existing, err := h.idemp.Get(r.Context(), req.IdempotencyKey)
		if err != nil {
			loggerFrom(r).WithError(err).Warn("idempotency lookup failed, falling back to engine")
		} else if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.Status)
			_, _ = w.Write(existing.Result)
			return
		}
	}

	res, err := h.engine.Hold(r.Context(), engine.HoldInput{
		IdempotencyKey: req.IdempotencyKey,
		ResourceUnitID: req.ResourceUnitID,
		Quantity:       req.Quantity,
		HoldDuration:   time.Duration(req.HoldDurationSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	data, err := json.Marshal(toResponse(res))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(data)

	if h.idemp != nil {
		if err := h.idemp.Set(r.Context(), req.IdempotencyKey, idempotency.Response{Status: http.StatusCreated, Result: data}); err != nil {
			loggerFrom(r).WithError(err).Warn("failed to store hold response")
		}
	}
}

func (h *Handlers) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *Handlers) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.engine.Available(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resourceUnitId": id,
		"available":      n,
	})
}

func (h *Handlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.engine.Unit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnitResponse(u, h.unitName(r, id)))
}

func (h *Handlers) ListUnitReservations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Unit(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.engine.ListByResourceUnit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, toResponse(res))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": out})
}

func (h *Handlers) PutUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Name          string `json:"name"`
		TotalCapacity *int   `json:"totalCapacity"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TotalCapacity == nil {
		writeError(w, r, invalidRequest("totalCapacity is required"))
		return
	}

	u, err := h.engine.RegisterUnit(r.Context(), id, *req.TotalCapacity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.catalog != nil {
		if err := h.catalog.UpsertUnit(r.Context(), id, req.Name, u.Total); err != nil {
			loggerFrom(r).WithError(err).WithField("unit_id", id).Warn("catalog update failed")
		}
	}
	writeJSON(w, http.StatusOK, toUnitResponse(u, req.Name))
}

func (h *Handlers) unitName(r *http.Request, id string) string {
	if h.catalog == nil {
		return ""
	}
	doc, err := h.catalog.GetUnit(r.Context(), id)
	if err != nil || doc == nil {
		return ""
	}
	return doc.Name
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		loggerFrom(r).WithField("failed", failed).Warn("not ready")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
