package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CreateClientInput describes a new allowance owner.
type CreateClientInput struct {
	ID                   ClientID // optional, generated when empty
	Name                 string
	AnnualAllowanceHours decimal.Decimal
	DefaultHourlyRate    decimal.Decimal
}

func (in CreateClientInput) Validate() error {
	if in.Name == "" {
		return &InvalidInputError{Field: "name", Reason: "required"}
	}
	if in.AnnualAllowanceHours.IsNegative() {
		return &InvalidInputError{Field: "annual_allowance_hours", Reason: "must not be negative"}
	}
	if in.DefaultHourlyRate.IsNegative() {
		return &InvalidInputError{Field: "default_hourly_rate", Reason: "must not be negative"}
	}
	return nil
}

// CreateTaskInput describes a work item under a client.
type CreateTaskInput struct {
	ID         TaskID
	ClientID   ClientID
	Title      string
	HourlyRate *decimal.Decimal
}

func (in CreateTaskInput) Validate() error {
	if in.ClientID == "" {
		return &InvalidInputError{Field: "client_id", Reason: "required"}
	}
	if in.Title == "" {
		return &InvalidInputError{Field: "title", Reason: "required"}
	}
	if in.HourlyRate != nil && in.HourlyRate.IsNegative() {
		return &InvalidInputError{Field: "hourly_rate", Reason: "must not be negative"}
	}
	return nil
}

// StartInput starts a timer. StartTime defaults to now, HourlyRate to the
// task rate and then the client's default rate.
type StartInput struct {
	ID          EntryID
	TaskID      TaskID
	Description string
	StartTime   time.Time
	HourlyRate  *decimal.Decimal
}

func (in StartInput) Validate() error {
	if in.TaskID == "" {
		return &InvalidInputError{Field: "task_id", Reason: "required"}
	}
	if in.HourlyRate != nil && in.HourlyRate.IsNegative() {
		return &InvalidInputError{Field: "hourly_rate", Reason: "must not be negative"}
	}
	return nil
}

// MaxDurationMinutes caps a single entry at one leap year of work.
const MaxDurationMinutes int64 = 366 * 24 * 60

func validateDuration(minutes *int64) error {
	if minutes == nil {
		return nil
	}
	if *minutes < 0 {
		return &InvalidInputError{Field: "duration_minutes", Reason: "must not be negative"}
	}
	if *minutes > MaxDurationMinutes {
		return &InvalidInputError{Field: "duration_minutes", Reason: fmt.Sprintf("must not exceed %d", MaxDurationMinutes)}
	}
	return nil
}

// SettleInput stops a running entry. Exactly one of EndTime or
// DurationMinutes must be set; with EndTime the duration is derived from
// the entry's StartTime in whole minutes.
type SettleInput struct {
	EntryID         EntryID
	EndTime         *time.Time
	DurationMinutes *int64
}

func (in SettleInput) Validate() error {
	if in.EntryID == "" {
		return &InvalidInputError{Field: "entry_id", Reason: "required"}
	}
	if (in.EndTime == nil) == (in.DurationMinutes == nil) {
		return &InvalidInputError{Field: "end_time", Reason: "exactly one of end_time or duration_minutes is required"}
	}
	return validateDuration(in.DurationMinutes)
}

// EditInput changes the duration and/or rate of a settled entry. Nil
// fields keep their persisted value.
type EditInput struct {
	EntryID         EntryID
	DurationMinutes *int64
	HourlyRate      *decimal.Decimal
	Description     *string
}

func (in EditInput) Validate() error {
	if in.EntryID == "" {
		return &InvalidInputError{Field: "entry_id", Reason: "required"}
	}
	if err := validateDuration(in.DurationMinutes); err != nil {
		return err
	}
	if in.HourlyRate != nil && in.HourlyRate.IsNegative() {
		return &InvalidInputError{Field: "hourly_rate", Reason: "must not be negative"}
	}
	return nil
}
