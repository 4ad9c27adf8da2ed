package worker

import "time"

// Task hooks scheduled by the orchestrator.
const (
	HookSyncTrigger  = "sync-trigger"
	HookFetchPage    = "fetch-page"
	HookUpsertRecord = "upsert-record"
	HookDeleteRecord = "delete-record"
	HookResyncOne    = "resync-one"

	taskGroup = "pressync"
)

// Hooks lists every hook the worker schedules.
var Hooks = []string{HookSyncTrigger, HookFetchPage, HookUpsertRecord, HookDeleteRecord, HookResyncOne}

// FetchPageArgs are the arguments of a fetch-page task.
type FetchPageArgs struct {
	Page int    `json:"page"`
	Type string `json:"type"`
}

// UpsertArgs are the arguments of an upsert-record task.
type UpsertArgs struct {
	StagingKey string `json:"stagingKey"`
	Type       string `json:"type"`
}

// RecordArgs target one local record (delete-record, resync-one).
type RecordArgs struct {
	RecordID int64 `json:"recordId"`
}

// UpsertOutcome says what an upsert did.
type UpsertOutcome string

const (
	OutcomeCreated    UpsertOutcome = "created"
	OutcomeUpdated    UpsertOutcome = "updated"
	OutcomeSuppressed UpsertOutcome = "suppressed"
)

// UpsertResult reports one applied remote record.
type UpsertResult struct {
	Outcome  UpsertOutcome `json:"outcome"`
	RecordID int64         `json:"record_id,omitempty"`
	Identity string        `json:"identity"`
	MediaID  int64         `json:"media_id,omitempty"`
}

// FanOut summarizes the tasks scheduled from one page fetch.
type FanOut struct {
	Type        string    `json:"type"`
	Page        int       `json:"page"`
	TotalPages  int       `json:"total_pages"`
	PageTasks   int       `json:"page_tasks"`
	UpsertTasks int       `json:"upsert_tasks"`
	StartedAt   time.Time `json:"started_at"`
}

// RecordStatus is the per-record sync info shown to operators.
type RecordStatus struct {
	RecordID           int64  `json:"record_id"`
	Title              string `json:"title"`
	Type               string `json:"type"`
	OriginalID         string `json:"original_id,omitempty"`
	OriginalURL        string `json:"original_url,omitempty"`
	OriginalModifiedAt string `json:"original_modified_at,omitempty"`
	LastSyncedAt       string `json:"last_synced_at,omitempty"`
	ResyncPending      bool   `json:"resync_pending"`
}
