/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that seed a client with tasks and settled
	time entries through the normal lifecycle, so the resulting ledger and
	splits are exactly what the API would produce.

AVAILABLE SCENARIOS:

	within-allowance:    10h allowance, 4h entry, nothing billable
	partially-billable:  8h used, then a 5h entry splits 2h free / 3h billable
	allowance-exhausted: allowance used up, a 2h entry is fully billable
	edited-entry:        3h entry edited to 12h, reversal then recompute
	invoicing:           billable entries moved to BILLED, PAID, WRITTEN_OFF

HOW SCENARIOS WORK:
 1. Create a fresh client (ID prefixed with demo-<scenario>-)
 2. Create a task
 3. Start and settle entries via Lifecycle
 4. Optionally edit entries or move billing status

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partially-billable"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, seed)
 3. Add case to scenarioLoaders

NOTE:

	Scenarios never clear existing data; each load creates a new client.

SEE ALSO:
  - handlers.go: Error mapping and DTO helpers
  - billing/lifecycle.go: Settle / Edit / Delete
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/allowance-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "within-allowance",
		Name:        "Within Allowance",
		Description: "10h allowance, one 4h entry at $50/h; all hours free",
	},
	{
		ID:          "partially-billable",
		Name:        "Partially Billable",
		Description: "8h already used, a 5h entry splits into 2h free and 3h billable ($150)",
	},
	{
		ID:          "allowance-exhausted",
		Name:        "Allowance Exhausted",
		Description: "Allowance used up; a further 2h entry is fully billable ($100)",
	},
	{
		ID:          "edited-entry",
		Name:        "Edited Entry",
		Description: "A 3h free entry edited to 12h; 10h free, 2h billable after recompute",
	},
	{
		ID:          "invoicing",
		Name:        "Invoicing Workflow",
		Description: "Billable entries moved through BILLED, PAID and WRITTEN_OFF",
	},
}

type scenarioLoader func(ctx context.Context, s *seed) error

var scenarioLoaders = map[string]scenarioLoader{
	"within-allowance":    loadWithinAllowanceScenario,
	"partially-billable":  loadPartiallyBillableScenario,
	"allowance-exhausted": loadAllowanceExhaustedScenario,
	"edited-entry":        loadEditedEntryScenario,
	"invoicing":           loadInvoicingScenario,
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario seeds a predefined scenario into a new client.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scenario, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	s := &seed{
		lc:       h.Lifecycle,
		clientID: billing.ClientID(fmt.Sprintf("demo-%s-%s", scenario.ID, h.Lifecycle.NewID())),
	}
	if err := scenarioLoaders[scenario.ID](ctx, s); err != nil {
		h.writeDomainError(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	usage, err := h.Lifecycle.Usage(ctx, s.clientID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load scenario usage", err)
		return
	}
	entries, err := h.store().ListEntriesByClient(ctx, s.clientID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list scenario entries", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = scenario.ID
	h.mu.Unlock()

	h.Logger.Info().
		Str("scenario", scenario.ID).
		Str("client_id", string(s.clientID)).
		Msg("scenario loaded")

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		Scenario: scenario,
		Client: ClientDetailDTO{
			ClientDTO: toClientDTO(usage.Client),
			Usage:     toUsageDTO(usage),
		},
		Entries: toTimeEntryDTOs(entries),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seed drives the lifecycle for one scenario client.
type seed struct {
	lc       *billing.Lifecycle
	clientID billing.ClientID
	taskID   billing.TaskID
}

func (s *seed) client(ctx context.Context, name, allowance, rate string) error {
	if _, err := s.lc.CreateClient(ctx, billing.CreateClientInput{
		ID:                   s.clientID,
		Name:                 name,
		AnnualAllowanceHours: billing.MustParseDecimal(allowance),
		DefaultHourlyRate:    billing.MustParseDecimal(rate),
	}); err != nil {
		return err
	}
	task, err := s.lc.CreateTask(ctx, billing.CreateTaskInput{
		ClientID: s.clientID,
		Title:    "Support",
	})
	if err != nil {
		return err
	}
	s.taskID = task.ID
	return nil
}

func (s *seed) work(ctx context.Context, description string, minutes int64) (*billing.TimeEntry, error) {
	e, err := s.lc.Start(ctx, billing.StartInput{TaskID: s.taskID, Description: description})
	if err != nil {
		return nil, err
	}
	return s.lc.Settle(ctx, billing.SettleInput{EntryID: e.ID, DurationMinutes: &minutes})
}

func loadWithinAllowanceScenario(ctx context.Context, s *seed) error {
	if err := s.client(ctx, "Acme Corp", "10", "50"); err != nil {
		return err
	}
	_, err := s.work(ctx, "Onboarding call", 4*60)
	return err
}

func loadPartiallyBillableScenario(ctx context.Context, s *seed) error {
	if err := s.client(ctx, "Globex", "10", "50"); err != nil {
		return err
	}
	if _, err := s.work(ctx, "Migration planning", 8*60); err != nil {
		return err
	}
	_, err := s.work(ctx, "Migration cutover", 5*60)
	return err
}

func loadAllowanceExhaustedScenario(ctx context.Context, s *seed) error {
	if err := s.client(ctx, "Initech", "10", "50"); err != nil {
		return err
	}
	if _, err := s.work(ctx, "Quarterly audit", 10*60); err != nil {
		return err
	}
	_, err := s.work(ctx, "Incident follow-up", 2*60)
	return err
}

func loadEditedEntryScenario(ctx context.Context, s *seed) error {
	if err := s.client(ctx, "Umbrella", "10", "50"); err != nil {
		return err
	}
	e, err := s.work(ctx, "Data cleanup", 3*60)
	if err != nil {
		return err
	}
	minutes := int64(12 * 60)
	_, err = s.lc.Edit(ctx, billing.EditInput{EntryID: e.ID, DurationMinutes: &minutes})
	return err
}

func loadInvoicingScenario(ctx context.Context, s *seed) error {
	if err := s.client(ctx, "Stark Industries", "2", "80"); err != nil {
		return err
	}
	if _, err := s.work(ctx, "Architecture review", 2*60); err != nil {
		return err
	}

	billed, err := s.work(ctx, "Prototype build", 3*60)
	if err != nil {
		return err
	}
	paid, err := s.work(ctx, "Load testing", 90)
	if err != nil {
		return err
	}
	writtenOff, err := s.work(ctx, "Goodwill fix", 30)
	if err != nil {
		return err
	}

	// Rate change before invoicing; the split is recomputed.
	rate := decimal.NewFromInt(100)
	if _, err := s.lc.Edit(ctx, billing.EditInput{EntryID: billed.ID, HourlyRate: &rate}); err != nil {
		return err
	}

	steps := []struct {
		id     billing.EntryID
		status billing.BillingStatus
	}{
		{billed.ID, billing.StatusBilled},
		{paid.ID, billing.StatusBilled},
		{paid.ID, billing.StatusPaid},
		{writtenOff.ID, billing.StatusWrittenOff},
	}
	for _, step := range steps {
		if _, err := s.lc.SetBillingStatus(ctx, step.id, step.status); err != nil {
			return err
		}
	}
	return nil
}
