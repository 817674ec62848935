/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DECIMALS:
  Hours and money are decimal.Decimal and travel as JSON strings
  ("12.50"). Requests accept strings or plain JSON numbers.

TIMES:
  RFC3339 strings. Optional request times are pointers.

VALIDATION:
  Validation is done by the billing input types, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/allowance-engine/billing"
)

// =============================================================================
// CLIENTS
// =============================================================================

// ClientDTO represents a client and its ledger in API responses.
type ClientDTO struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	AnnualAllowanceHours decimal.Decimal `json:"annual_allowance_hours"`
	YearlyUsedHours      decimal.Decimal `json:"yearly_used_hours"`
	LastResetYear        *int            `json:"last_reset_year"`
	DefaultHourlyRate    decimal.Decimal `json:"default_hourly_rate"`
	Version              int64           `json:"version"`
	CreatedAt            string          `json:"created_at,omitempty"`
	UpdatedAt            string          `json:"updated_at,omitempty"`
}

// ClientDetailDTO is a client with its current-year usage.
type ClientDetailDTO struct {
	ClientDTO
	Usage UsageDTO `json:"usage"`
}

// UsageDTO is the allowance position for the current calendar year.
type UsageDTO struct {
	Year            int             `json:"year"`
	AllowanceHours  decimal.Decimal `json:"allowance_hours"`
	UsedHours       decimal.Decimal `json:"used_hours"`
	RemainingHours  decimal.Decimal `json:"remaining_hours"`
	BillableHours   decimal.Decimal `json:"billable_hours"`
	PendingBillable decimal.Decimal `json:"pending_billable_amount"`
}

// CreateClientRequest is the request to create a client.
type CreateClientRequest struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	AnnualAllowanceHours decimal.Decimal `json:"annual_allowance_hours"`
	DefaultHourlyRate    decimal.Decimal `json:"default_hourly_rate"`
}

// SetAllowanceRequest changes a client's annual allowance.
type SetAllowanceRequest struct {
	AnnualAllowanceHours decimal.Decimal `json:"annual_allowance_hours"`
}

// ResetYearDTO reports a single-client year reset.
type ResetYearDTO struct {
	ClientID string `json:"client_id"`
	Reset    bool   `json:"reset"`
}

// YearResetRunDTO reports a reset sweep over all clients.
type YearResetRunDTO struct {
	ClientsReset int      `json:"clients_reset"`
	Errors       []string `json:"errors,omitempty"`
}

// =============================================================================
// TASKS
// =============================================================================

// TaskDTO represents a task in API responses.
type TaskDTO struct {
	ID         string           `json:"id"`
	ClientID   string           `json:"client_id"`
	Title      string           `json:"title"`
	HourlyRate *decimal.Decimal `json:"hourly_rate"`
	CreatedAt  string           `json:"created_at,omitempty"`
}

// CreateTaskRequest is the request to create a task.
type CreateTaskRequest struct {
	ID         string           `json:"id"`
	ClientID   string           `json:"client_id"`
	Title      string           `json:"title"`
	HourlyRate *decimal.Decimal `json:"hourly_rate"`
}

// =============================================================================
// TIME ENTRIES
// =============================================================================

// TimeEntryDTO represents a time entry and its billing split.
type TimeEntryDTO struct {
	ID                string          `json:"id"`
	TaskID            string          `json:"task_id"`
	ClientID          string          `json:"client_id"`
	Description       string          `json:"description"`
	Running           bool            `json:"running"`
	StartTime         string          `json:"start_time"`
	EndTime           *string         `json:"end_time"`
	DurationMinutes   *int64          `json:"duration_minutes"`
	HourlyRate        decimal.Decimal `json:"hourly_rate"`
	AllowanceHours    decimal.Decimal `json:"allowance_hours"`
	BillableHours     decimal.Decimal `json:"billable_hours"`
	IsWithinAllowance bool            `json:"is_within_allowance"`
	BillableAmount    decimal.Decimal `json:"billable_amount"`
	DeveloperAmount   decimal.Decimal `json:"developer_amount"`
	BillingStatus     string          `json:"billing_status"`
	LedgerYear        *int            `json:"ledger_year"`
	CreatedAt         string          `json:"created_at,omitempty"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
}

// StartEntryRequest starts a timer on a task.
type StartEntryRequest struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Description string           `json:"description"`
	StartTime   *time.Time       `json:"start_time"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate"`
}

// StopEntryRequest settles a running entry. Exactly one field is set.
type StopEntryRequest struct {
	EndTime         *time.Time `json:"end_time"`
	DurationMinutes *int64     `json:"duration_minutes"`
}

// EditEntryRequest changes a settled entry. Omitted fields are kept.
type EditEntryRequest struct {
	DurationMinutes *int64           `json:"duration_minutes"`
	HourlyRate      *decimal.Decimal `json:"hourly_rate"`
	Description     *string          `json:"description"`
}

// SetStatusRequest moves an entry through the invoicing workflow.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// LEDGER
// =============================================================================

// MovementDTO is one entry of the ledger movement log.
type MovementDTO struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	EntryID   string          `json:"entry_id,omitempty"`
	Reason    string          `json:"reason"`
	Year      int             `json:"year"`
	Delta     decimal.Decimal `json:"delta"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	CreatedAt string          `json:"created_at"`
}

// ReconciliationDTO reports a counter check.
type ReconciliationDTO struct {
	ClientID   string          `json:"client_id"`
	Year       int             `json:"year"`
	Recorded   decimal.Decimal `json:"recorded_hours"`
	Expected   decimal.Decimal `json:"expected_hours"`
	Drift      decimal.Decimal `json:"drift_hours"`
	Consistent bool            `json:"consistent"`
	Repaired   bool            `json:"repaired"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse is the seeded client and its entries.
type LoadScenarioResponse struct {
	Scenario ScenarioDTO     `json:"scenario"`
	Client   ClientDetailDTO `json:"client"`
	Entries  []TimeEntryDTO  `json:"entries"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func toClientDTO(c billing.Client) ClientDTO {
	return ClientDTO{
		ID:                   string(c.ID),
		Name:                 c.Name,
		AnnualAllowanceHours: c.AnnualAllowanceHours,
		YearlyUsedHours:      c.YearlyUsedHours,
		LastResetYear:        c.LastResetYear,
		DefaultHourlyRate:    c.DefaultHourlyRate,
		Version:              c.Version,
		CreatedAt:            formatTime(c.CreatedAt),
		UpdatedAt:            formatTime(c.UpdatedAt),
	}
}

func toUsageDTO(u *billing.Usage) UsageDTO {
	return UsageDTO{
		Year:            u.Year,
		AllowanceHours:  u.AllowanceHours,
		UsedHours:       u.UsedHours,
		RemainingHours:  u.RemainingHours,
		BillableHours:   u.BillableHours,
		PendingBillable: u.PendingBillable,
	}
}

func toTaskDTO(t billing.Task) TaskDTO {
	return TaskDTO{
		ID:         string(t.ID),
		ClientID:   string(t.ClientID),
		Title:      t.Title,
		HourlyRate: t.HourlyRate,
		CreatedAt:  formatTime(t.CreatedAt),
	}
}

func toTimeEntryDTO(e billing.TimeEntry) TimeEntryDTO {
	dto := TimeEntryDTO{
		ID:                string(e.ID),
		TaskID:            string(e.TaskID),
		ClientID:          string(e.ClientID),
		Description:       e.Description,
		Running:           e.Running(),
		StartTime:         formatTime(e.StartTime),
		DurationMinutes:   e.DurationMinutes,
		HourlyRate:        e.HourlyRate,
		AllowanceHours:    e.AllowanceHours,
		BillableHours:     e.BillableHours,
		IsWithinAllowance: e.IsWithinAllowance,
		BillableAmount:    e.BillableAmount,
		DeveloperAmount:   e.DeveloperAmount,
		BillingStatus:     string(e.BillingStatus),
		LedgerYear:        e.LedgerYear,
		CreatedAt:         formatTime(e.CreatedAt),
		UpdatedAt:         formatTime(e.UpdatedAt),
	}
	if e.EndTime != nil {
		end := formatTime(*e.EndTime)
		dto.EndTime = &end
	}
	return dto
}

func toTimeEntryDTOs(entries []billing.TimeEntry) []TimeEntryDTO {
	dtos := make([]TimeEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTimeEntryDTO(e)
	}
	return dtos
}

func toMovementDTO(m billing.Movement) MovementDTO {
	return MovementDTO{
		ID:        string(m.ID),
		ClientID:  string(m.ClientID),
		EntryID:   string(m.EntryID),
		Reason:    string(m.Reason),
		Year:      m.Year,
		Delta:     m.Delta,
		Before:    m.Before,
		After:     m.After,
		CreatedAt: formatTime(m.CreatedAt),
	}
}

func toReconciliationDTO(r *billing.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		ClientID:   string(r.ClientID),
		Year:       r.Year,
		Recorded:   r.Recorded,
		Expected:   r.Expected,
		Drift:      r.Drift,
		Consistent: r.Consistent(),
		Repaired:   r.Repaired,
	}
}
