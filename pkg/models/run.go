package models

import (
	"sort"
	"strings"
	"time"

	"github.com/ajitpratap0/atlas/pkg/errors"
)

// Trigger records what started a scan.
type Trigger string

const (
	// TriggerFull is a scan of every enabled source, with removal detection
	TriggerFull Trigger = "full"
	// TriggerIncremental is a monitoring-triggered scan of one source
	TriggerIncremental Trigger = "incremental"
	// TriggerManualSource is a caller-requested scan of one source
	TriggerManualSource Trigger = "manual-source"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerFull, TriggerIncremental, TriggerManualSource:
		return true
	}
	return false
}

// RunStatus is the terminal status of a scan run.
type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed-with-errors"
	RunFailed              RunStatus = "failed"
	RunCancelled           RunStatus = "cancelled"
)

// OutcomeStatus is the per-source result inside a run.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// SourceOutcome is the contribution of one source to a run.
type SourceOutcome struct {
	SourceID string        `json:"source_id"`
	Status   OutcomeStatus `json:"status"`

	Discovered  int `json:"discovered"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Removed     int `json:"removed"`
	WriteErrors int `json:"write_errors"`
	Degraded    int `json:"degraded"`
	Duplicates  int `json:"duplicates"`

	Error     string           `json:"error,omitempty"`
	ErrorType errors.ErrorType `json:"error_type,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// Succeeded reports whether the source scan completed.
func (o *SourceOutcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// Written is the number of assets the catalog accepted.
func (o *SourceOutcome) Written() int {
	return o.Created + o.Updated + o.Unchanged
}

// ScanRun is one execution of the orchestrator across one or more sources.
type ScanRun struct {
	RunID          string          `json:"run_id"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
	TriggeredBy    Trigger         `json:"triggered_by"`
	DetectRemovals bool            `json:"detect_removals"`
	Sources        []string        `json:"sources"`
	Outcomes       []SourceOutcome `json:"outcomes"`
	Status         RunStatus       `json:"status"`
}

// Duration is the wall time of the run.
func (r *ScanRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome returns the outcome recorded for sourceID.
func (r *ScanRun) Outcome(sourceID string) (*SourceOutcome, bool) {
	for i := range r.Outcomes {
		if r.Outcomes[i].SourceID == sourceID {
			return &r.Outcomes[i], true
		}
	}
	return nil, false
}

// Totals sums the counters of every outcome.
func (r *ScanRun) Totals() SourceOutcome {
	var t SourceOutcome
	for _, o := range r.Outcomes {
		t.Discovered += o.Discovered
		t.Created += o.Created
		t.Updated += o.Updated
		t.Unchanged += o.Unchanged
		t.Removed += o.Removed
		t.WriteErrors += o.WriteErrors
		t.Degraded += o.Degraded
		t.Duplicates += o.Duplicates
	}
	return t
}

// FailedSources lists sources whose scan did not succeed, sorted.
func (r *ScanRun) FailedSources() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			ids = append(ids, o.SourceID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Err returns nil for a completed run. Any other terminal status yields a
// partial_scan error (or cancelled) naming the failed sources.
func (r *ScanRun) Err() error {
	switch r.Status {
	case RunCompleted, RunRunning:
		return nil
	case RunCancelled:
		return errors.New(errors.ErrorTypeCancelled, "scan run "+r.RunID+" was cancelled").
			WithDetail("run_id", r.RunID)
	}
	failed := r.FailedSources()
	return errors.Newf(errors.ErrorTypePartialScan, "scan run %s %s: failed sources [%s]",
		r.RunID, r.Status, strings.Join(failed, ", ")).
		WithDetail("run_id", r.RunID).
		WithDetail("failed_sources", failed)
}

// SortOutcomes orders outcomes by source id.
func (r *ScanRun) SortOutcomes() {
	sort.Slice(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].SourceID < r.Outcomes[j].SourceID
	})
}

// DeriveStatus computes the terminal status from the per-source outcomes.
// A run with no sources is completed. It is failed only when every source failed.
func DeriveStatus(outcomes []SourceOutcome, cancelled bool) RunStatus {
	if cancelled {
		return RunCancelled
	}
	failed := 0
	for _, o := range outcomes {
		if !o.Succeeded() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunCompleted
	case failed == len(outcomes):
		return RunFailed
	default:
		return RunCompletedWithErrors
	}
}
