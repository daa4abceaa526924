package core

import (
	"fmt"
	"strings"
)

type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusPending   JobStatus = "pending"
	JobStatusPrinting  JobStatus = "printing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every JobStatus in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusScheduled,
	JobStatusPending,
	JobStatusPrinting,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// TerminalStatuses can only be left through retry.
var TerminalStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusScheduled, JobStatusPending, JobStatusPrinting,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", validationError("status", fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// ParseStatusList parses a comma separated status filter. Empty input
// yields nil.
func ParseStatusList(s string) ([]JobStatus, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []JobStatus
	for _, part := range strings.Split(s, ",") {
		st, err := ParseJobStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

type Trigger string

const (
	TriggerScheduler  Trigger = "scheduler"
	TriggerTelemetry  Trigger = "telemetry"
	TriggerReconciler Trigger = "reconciler"
	TriggerCancel     Trigger = "cancel"
	TriggerRetry      Trigger = "retry"
)

type transition struct {
	from JobStatus
	to   JobStatus
}

var transitions = map[transition][]Trigger{
	{JobStatusScheduled, JobStatusPending}:   {TriggerScheduler},
	{JobStatusPending, JobStatusPrinting}:    {TriggerScheduler},
	{JobStatusPrinting, JobStatusCompleted}:  {TriggerTelemetry},
	{JobStatusPrinting, JobStatusFailed}:     {TriggerTelemetry, TriggerReconciler},
	{JobStatusScheduled, JobStatusCancelled}: {TriggerCancel},
	{JobStatusPending, JobStatusCancelled}:   {TriggerCancel},
	{JobStatusPrinting, JobStatusCancelled}:  {TriggerCancel},
	{JobStatusFailed, JobStatusPending}:      {TriggerRetry},
	{JobStatusFailed, JobStatusScheduled}:    {TriggerRetry},
	{JobStatusCancelled, JobStatusPending}:   {TriggerRetry},
	{JobStatusCancelled, JobStatusScheduled}: {TriggerRetry},
}

// Triggers returns who may drive from -> to, or nil when the pair is not
// a legal transition.
func Triggers(from, to JobStatus) []Trigger {
	return transitions[transition{from, to}]
}

func CheckTransition(from, to JobStatus) error {
	if _, ok := transitions[transition{from, to}]; !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

func isRetry(from, to JobStatus) bool {
	return from.IsTerminal() && !to.IsTerminal()
}

// Field is a persisted job attribute touched by a transition. Values match
// the column names used by both stores.
type Field string

const (
	FieldStatus           Field = "status"
	FieldScheduledAt      Field = "scheduled_at"
	FieldStartedAt        Field = "started_at"
	FieldCompletedAt      Field = "completed_at"
	FieldFailedAt         Field = "failed_at"
	FieldCancelledAt      Field = "cancelled_at"
	FieldProgress         Field = "progress"
	FieldPrintTimeElapsed Field = "print_time_elapsed"
	FieldPrintTimeLeft    Field = "print_time_left"
	FieldFailureReason    Field = "failure_reason"
	FieldDeviceID         Field = "device_id"
	FieldAttempt          Field = "attempt"
	FieldLastUpdatedAt    Field = "last_updated_at"
)

// FieldChange sets Field to Value (nil clears it) or, when Increment is
// set, adds one to its current value.
type FieldChange struct {
	Field     Field
	Value     any
	Increment bool
}

const (
	defaultFailureReason = "print failed"
	ReasonDeviceOffline  = "device went offline"
	ReasonDeviceIdle     = "device reported idle while printing"
)

// Plan validates from -> to and returns the field changes the transition
// applies. Stores render the plan as a single conditional update.
func Plan(from, to JobStatus, upd JobUpdate) ([]FieldChange, error) {
	if err := CheckTransition(from, to); err != nil {
		return nil, err
	}
	if upd.At.IsZero() {
		return nil, validationError("at", "transition time is required")
	}

	at := upd.At.UTC()
	changes := []FieldChange{
		{Field: FieldStatus, Value: string(to)},
		{Field: FieldLastUpdatedAt, Value: at},
	}

	switch {
	case isRetry(from, to):
		if to == JobStatusScheduled && upd.ScheduledAt == nil {
			return nil, validationError("scheduled_at", "required when retrying into scheduled")
		}
		var scheduledAt any
		if to == JobStatusScheduled {
			scheduledAt = upd.ScheduledAt.UTC()
		}
		changes = append(changes,
			FieldChange{Field: FieldScheduledAt, Value: scheduledAt},
			FieldChange{Field: FieldStartedAt},
			FieldChange{Field: FieldCompletedAt},
			FieldChange{Field: FieldFailedAt},
			FieldChange{Field: FieldCancelledAt},
			FieldChange{Field: FieldProgress, Value: 0.0},
			FieldChange{Field: FieldPrintTimeElapsed},
			FieldChange{Field: FieldPrintTimeLeft},
			FieldChange{Field: FieldFailureReason, Value: ""},
			FieldChange{Field: FieldDeviceID},
			FieldChange{Field: FieldAttempt, Increment: true},
		)
	case to == JobStatusPrinting:
		if upd.DeviceID == "" {
			return nil, validationError("device_id", "required when starting a print")
		}
		changes = append(changes,
			FieldChange{Field: FieldStartedAt, Value: at},
			FieldChange{Field: FieldDeviceID, Value: upd.DeviceID},
			FieldChange{Field: FieldProgress, Value: 0.0},
		)
	case to == JobStatusCompleted:
		changes = append(changes,
			FieldChange{Field: FieldCompletedAt, Value: at},
			FieldChange{Field: FieldProgress, Value: 100.0},
			FieldChange{Field: FieldPrintTimeLeft, Value: int64(0)},
		)
	case to == JobStatusFailed:
		reason := strings.TrimSpace(upd.FailureReason)
		if reason == "" {
			reason = defaultFailureReason
		}
		changes = append(changes,
			FieldChange{Field: FieldFailedAt, Value: at},
			FieldChange{Field: FieldFailureReason, Value: reason},
		)
	case to == JobStatusCancelled:
		changes = append(changes, FieldChange{Field: FieldCancelledAt, Value: at})
	}

	return changes, nil
}

// Requester is the authorization decision resolved by the identity layer.
type Requester struct {
	UserID string
	Admin  bool
}

// CanControl reports whether the requester may cancel, retry or delete job.
func (r Requester) CanControl(job *Job) bool {
	if r.Admin {
		return true
	}
	return r.UserID != "" && r.UserID == job.OwnerID
}
