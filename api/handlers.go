/*
handlers.go - HTTP API handlers for the allowance and billing engine

PURPOSE:
  Exposes the billing lifecycle via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Lifecycle.

ENDPOINTS:
  Clients:
    GET    /api/clients                  List clients
    POST   /api/clients                  Create client
    GET    /api/clients/{id}             Client with current-year usage
    PUT    /api/clients/{id}/allowance   Set annual allowance
    GET    /api/clients/{id}/entries     Time entries
    GET    /api/clients/{id}/movements   Ledger movement log
    POST   /api/clients/{id}/reconcile   Check counter (?repair=true fixes drift)
    POST   /api/clients/{id}/reset       Year reset for one client

  Tasks:
    POST   /api/tasks                    Create task
    GET    /api/tasks/{id}               Get task

  Entries:
    POST   /api/entries                  Start timer
    GET    /api/entries/{id}             Get entry
    POST   /api/entries/{id}/stop        Settle
    PUT    /api/entries/{id}             Edit settled entry
    DELETE /api/entries/{id}             Delete entry
    POST   /api/entries/{id}/status      Billing status transition

  Admin:
    POST   /api/admin/year-reset         Year reset for all clients

  Scenarios:
    GET    /api/scenarios                List demo scenarios
    GET    /api/scenarios/current        Last loaded scenario
    POST   /api/scenarios/load           Seed a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Build billing input (validation happens there)
  3. Call the lifecycle
  4. Serialize response
  5. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Client, task or entry not found
  - 409: Duplicate ID, wrong entry state, closed ledger year
  - 503: Conflict retries exhausted (safe to retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/allowance-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Lifecycle *billing.Lifecycle
	Logger    zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the given lifecycle.
func NewHandler(lc *billing.Lifecycle, logger zerolog.Logger) *Handler {
	return &Handler{
		Lifecycle: lc,
		Logger:    logger,
	}
}

func (h *Handler) store() billing.Store {
	return h.Lifecycle.Store
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// ListClients returns all clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store().ListClients(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list clients", err)
		return
	}

	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClientDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateClient creates a new client with an empty ledger.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	client, err := h.Lifecycle.CreateClient(r.Context(), billing.CreateClientInput{
		ID:                   billing.ClientID(req.ID),
		Name:                 req.Name,
		AnnualAllowanceHours: req.AnnualAllowanceHours,
		DefaultHourlyRate:    req.DefaultHourlyRate,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create client", err)
		return
	}

	writeJSON(w, http.StatusCreated, toClientDTO(*client))
}

// GetClient returns a client with its usage for the current year.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	usage, err := h.Lifecycle.Usage(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get client", err)
		return
	}

	writeJSON(w, http.StatusOK, ClientDetailDTO{
		ClientDTO: toClientDTO(usage.Client),
		Usage:     toUsageDTO(usage),
	})
}

// SetAllowance changes a client's annual allowance. Used hours are kept.
func (h *Handler) SetAllowance(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	var req SetAllowanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	client, err := h.Lifecycle.SetAllowance(r.Context(), id, req.AnnualAllowanceHours)
	if err != nil {
		h.writeDomainError(w, r, "Failed to set allowance", err)
		return
	}

	writeJSON(w, http.StatusOK, toClientDTO(*client))
}

// ListClientEntries returns a client's time entries ordered by start time.
func (h *Handler) ListClientEntries(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	if _, err := h.store().GetClient(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to get client", err)
		return
	}
	entries, err := h.store().ListEntriesByClient(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list entries", err)
		return
	}

	writeJSON(w, http.StatusOK, toTimeEntryDTOs(entries))
}

// ListMovements returns the ledger movement log for a client.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	if _, err := h.store().GetClient(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to get client", err)
		return
	}
	moves, err := h.store().ListMovements(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list movements", err)
		return
	}

	dtos := make([]MovementDTO, len(moves))
	for i, m := range moves {
		dtos[i] = toMovementDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReconcileClient compares the counter with the client's settled entries.
// With ?repair=true a drift is corrected and logged as a repair movement.
func (h *Handler) ReconcileClient(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid repair flag", err)
			return
		}
		repair = parsed
	}

	rec, err := h.Lifecycle.Reconcile(r.Context(), id, repair)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reconcile client", err)
		return
	}

	if !rec.Consistent() {
		h.Logger.Warn().
			Str("client_id", string(id)).
			Str("drift_hours", rec.Drift.String()).
			Bool("repaired", rec.Repaired).
			Msg("ledger drift detected")
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// ResetClientYear runs the calendar-year reset for one client.
func (h *Handler) ResetClientYear(w http.ResponseWriter, r *http.Request) {
	id := billing.ClientID(chi.URLParam(r, "id"))

	reset, err := h.Lifecycle.ResetYear(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reset client year", err)
		return
	}

	writeJSON(w, http.StatusOK, ResetYearDTO{ClientID: string(id), Reset: reset})
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// CreateTask creates a task under a client.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task, err := h.Lifecycle.CreateTask(r.Context(), billing.CreateTaskInput{
		ID:         billing.TaskID(req.ID),
		ClientID:   billing.ClientID(req.ClientID),
		Title:      req.Title,
		HourlyRate: req.HourlyRate,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create task", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTaskDTO(*task))
}

// GetTask returns a single task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := billing.TaskID(chi.URLParam(r, "id"))

	task, err := h.store().GetTask(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get task", err)
		return
	}

	writeJSON(w, http.StatusOK, toTaskDTO(*task))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// StartEntry starts a timer on a task.
func (h *Handler) StartEntry(w http.ResponseWriter, r *http.Request) {
	var req StartEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := billing.StartInput{
		ID:          billing.EntryID(req.ID),
		TaskID:      billing.TaskID(req.TaskID),
		Description: req.Description,
		HourlyRate:  req.HourlyRate,
	}
	if req.StartTime != nil {
		in.StartTime = *req.StartTime
	}

	entry, err := h.Lifecycle.Start(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to start entry", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTimeEntryDTO(*entry))
}

// GetEntry returns a single time entry.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := billing.EntryID(chi.URLParam(r, "id"))

	entry, err := h.store().GetEntry(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get entry", err)
		return
	}

	writeJSON(w, http.StatusOK, toTimeEntryDTO(*entry))
}

// StopEntry settles a running entry against the client's allowance.
func (h *Handler) StopEntry(w http.ResponseWriter, r *http.Request) {
	id := billing.EntryID(chi.URLParam(r, "id"))

	var req StopEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Lifecycle.Settle(r.Context(), billing.SettleInput{
		EntryID:         id,
		EndTime:         req.EndTime,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to stop entry", err)
		return
	}

	writeJSON(w, http.StatusOK, toTimeEntryDTO(*entry))
}

// EditEntry recomputes a settled entry after a duration or rate change.
func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	id := billing.EntryID(chi.URLParam(r, "id"))

	var req EditEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Lifecycle.Edit(r.Context(), billing.EditInput{
		EntryID:         id,
		DurationMinutes: req.DurationMinutes,
		HourlyRate:      req.HourlyRate,
		Description:     req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to edit entry", err)
		return
	}

	writeJSON(w, http.StatusOK, toTimeEntryDTO(*entry))
}

// DeleteEntry removes an entry and gives back its allowance hours.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := billing.EntryID(chi.URLParam(r, "id"))

	if err := h.Lifecycle.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete entry", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetEntryStatus moves an entry through the invoicing workflow.
func (h *Handler) SetEntryStatus(w http.ResponseWriter, r *http.Request) {
	id := billing.EntryID(chi.URLParam(r, "id"))

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status, err := billing.ParseBillingStatus(req.Status)
	if err != nil {
		h.writeDomainError(w, r, "Invalid billing status", err)
		return
	}

	entry, err := h.Lifecycle.SetBillingStatus(r.Context(), id, status)
	if err != nil {
		h.writeDomainError(w, r, "Failed to set billing status", err)
		return
	}

	writeJSON(w, http.StatusOK, toTimeEntryDTO(*entry))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerYearReset runs the calendar-year reset for every client. Clients
// that fail are reported and do not stop the others.
func (h *Handler) TriggerYearReset(w http.ResponseWriter, r *http.Request) {
	count, err := h.Lifecycle.ResetAll(r.Context())

	resp := YearResetRunDTO{ClientsReset: count}
	if err != nil {
		for _, e := range unwrapJoined(err) {
			resp.Errors = append(resp.Errors, e.Error())
		}
		h.Logger.Error().Err(err).Int("clients_reset", count).Msg("year reset finished with errors")
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	h.Logger.Info().Int("clients_reset", count).Msg("year reset triggered")
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the billing error category.
// Internal errors are logged with the request ID.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case billing.IsClientError(err), errors.Is(err, billing.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
