package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"example.com/pressync/internal/config"
	"example.com/pressync/internal/content"
	"example.com/pressync/internal/identity"
	"example.com/pressync/internal/queue"
	"example.com/pressync/internal/remote"
	"example.com/pressync/internal/staging"
	"example.com/pressync/internal/store"
)

// Orchestrator decomposes a sync cycle into queue tasks and runs them.
// Every handler is safe to run more than once for the same arguments.
type Orchestrator struct {
	cfg      config.Config
	queue    queue.Queue
	remote   *remote.Client
	stager   *staging.Stager
	upserter *Upserter
	store    *store.Store
	logger   *slog.Logger
}

// NewOrchestrator wires the sync cycle to its collaborators.
func NewOrchestrator(cfg config.Config, q queue.Queue, client *remote.Client, stager *staging.Stager, upserter *Upserter, s *store.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		queue:    q,
		remote:   client,
		stager:   stager,
		upserter: upserter,
		store:    s,
		logger:   logger.With("component", "sync.orchestrator"),
	}
}

// RegisterHandlers binds every task hook to its handler.
func (o *Orchestrator) RegisterHandlers(reg *queue.Registry) {
	reg.Register(HookSyncTrigger, func(ctx context.Context, _ json.RawMessage) error {
		return o.HandleSyncTrigger(ctx)
	})
	reg.Register(HookFetchPage, handle(o.HandleFetchPage))
	reg.Register(HookUpsertRecord, handle(o.HandleUpsert))
	reg.Register(HookDeleteRecord, handle(o.HandleDelete))
	reg.Register(HookResyncOne, handle(o.HandleResync))
}

func handle[T any](fn func(context.Context, T) error) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		args, err := queue.Decode[T](raw)
		if err != nil {
			return err
		}
		return fn(ctx, args)
	}
}

// EnsureSchedule registers the recurring sync trigger under the configured
// schedule. An unchanged schedule is left alone; a different one replaces
// the old registration.
func (o *Orchestrator) EnsureSchedule(ctx context.Context) (bool, error) {
	want := o.cfg.Sync.Schedule
	current, found, err := o.queue.Recurring(ctx, HookSyncTrigger)
	if err != nil {
		return false, err
	}
	if found && current == want {
		o.logger.Debug("sync schedule unchanged", "schedule", want)
		return false, nil
	}
	if found {
		if _, err := o.queue.CancelAll(ctx, HookSyncTrigger); err != nil {
			return false, err
		}
	}
	if err := o.queue.ScheduleRecurring(ctx, HookSyncTrigger, want, taskGroup); err != nil {
		return false, err
	}
	o.logger.Info("sync schedule registered", "schedule", want, "previous", current)
	return true, nil
}

// RequestSync enqueues a first-page fetch for every configured remote type.
func (o *Orchestrator) RequestSync(ctx context.Context) (int, error) {
	scheduled := 0
	for _, mapping := range o.cfg.Remote.Types {
		if _, err := o.queue.Enqueue(ctx, HookFetchPage, FetchPageArgs{Page: 1, Type: mapping.Remote}, taskGroup, time.Time{}); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	o.logger.Info("manual sync requested", "types", scheduled)
	return scheduled, nil
}

// HandleSyncTrigger runs the first page of every configured type inline and
// fans the rest out.
func (o *Orchestrator) HandleSyncTrigger(ctx context.Context) error {
	var errs []error
	for _, mapping := range o.cfg.Remote.Types {
		if _, err := o.processPage(ctx, mapping, 1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleFetchPage fetches one page and fans its records out. The first page
// also schedules pages 2..totalPages.
func (o *Orchestrator) HandleFetchPage(ctx context.Context, args FetchPageArgs) error {
	mapping, ok := o.cfg.Mapping(args.Type)
	if !ok {
		return queue.Permanent(fmt.Errorf("remote type %q is not configured: %w", args.Type, content.ErrConfig))
	}
	if args.Page < 1 {
		args.Page = 1
	}
	_, err := o.processPage(ctx, mapping, args.Page)
	return err
}

// SyncType runs page 1 of mapping inline, as the recurring trigger does.
func (o *Orchestrator) SyncType(ctx context.Context, mapping content.TypeMapping) (FanOut, error) {
	return o.processPage(ctx, mapping, 1)
}

func (o *Orchestrator) processPage(ctx context.Context, mapping content.TypeMapping, page int) (FanOut, error) {
	out := FanOut{Type: mapping.Remote, Page: page, StartedAt: time.Now().UTC()}
	result, err := o.remote.FetchPage(ctx, mapping.Remote, page, o.cfg.Remote.PageSize)
	if err != nil {
		if errors.Is(err, content.ErrFetchFailed) {
			// Recovery is the next scheduled cycle.
			o.logger.Error("fetch page failed", "type", mapping.Remote, "page", page, "kind", content.Kind(err), "error", err)
			return out, nil
		}
		return out, err
	}
	out.TotalPages = result.TotalPages

	if page == 1 {
		for p := 2; p <= result.TotalPages; p++ {
			if _, err := o.queue.Enqueue(ctx, HookFetchPage, FetchPageArgs{Page: p, Type: mapping.Remote}, taskGroup, time.Time{}); err != nil {
				return out, err
			}
			out.PageTasks++
		}
	}

	n, err := o.fanOut(ctx, mapping, result.Records)
	out.UpsertTasks = n
	if err != nil {
		return out, err
	}
	o.logger.Info("page fanned out", "type", mapping.Remote, "page", page, "total_pages", out.TotalPages, "page_tasks", out.PageTasks, "upsert_tasks", out.UpsertTasks)
	return out, nil
}

// fanOut stages every record and schedules one upsert task per record.
func (o *Orchestrator) fanOut(ctx context.Context, mapping content.TypeMapping, records []content.RemoteRecord) (int, error) {
	scheduled := 0
	for _, rec := range records {
		ident, err := identity.Encode(o.cfg.Remote.SiteURL, rec.RemoteID)
		if err != nil {
			return scheduled, queue.Permanent(err)
		}
		key, err := o.stager.Stage(ctx, ident, rec)
		if err != nil {
			return scheduled, err
		}
		if _, err := o.queue.Enqueue(ctx, HookUpsertRecord, UpsertArgs{StagingKey: key, Type: mapping.Remote}, taskGroup, time.Time{}); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

// HandleUpsert applies one staged record. The staged copy is discarded once
// the record is written or suppressed; a failed write keeps it for the retry.
func (o *Orchestrator) HandleUpsert(ctx context.Context, args UpsertArgs) error {
	mapping, ok := o.cfg.Mapping(args.Type)
	if !ok {
		return queue.Permanent(fmt.Errorf("remote type %q is not configured: %w", args.Type, content.ErrConfig))
	}
	rec, err := o.stager.Load(ctx, args.StagingKey)
	if err != nil {
		if errors.Is(err, content.ErrStagingMiss) {
			o.logger.Error("staged record missing", "staging_key", args.StagingKey, "kind", content.Kind(err), "error", err)
			return nil
		}
		return err
	}
	result, err := o.upserter.Apply(ctx, rec, mapping)
	if err != nil {
		o.logger.Error("upsert failed", "staging_key", args.StagingKey, "remote_id", rec.RemoteID, "kind", content.Kind(err), "error", err)
		if errors.Is(err, content.ErrConfig) {
			return queue.Permanent(err)
		}
		return err
	}
	if err := o.stager.Discard(ctx, args.StagingKey); err != nil {
		o.logger.Warn("discard staged record failed", "staging_key", args.StagingKey, "error", err)
	}
	o.logger.Debug("upsert task done", "identity", result.Identity, "outcome", result.Outcome)
	return nil
}

// RequestResync schedules a resync of one local record unless one is
// already pending. It reports whether a task was scheduled.
func (o *Orchestrator) RequestResync(ctx context.Context, recordID int64) (bool, error) {
	rec, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		return false, err
	}
	if rec.Meta[content.MetaOriginalID] == "" {
		return false, fmt.Errorf("record %d was not synced: %w", recordID, content.ErrNotFound)
	}
	args := RecordArgs{RecordID: recordID}
	pending, err := o.queue.Pending(ctx, HookResyncOne, args)
	if err != nil {
		return false, err
	}
	if pending {
		o.logger.Info("resync already pending", "record_id", recordID)
		return false, nil
	}
	if _, err := o.queue.Enqueue(ctx, HookResyncOne, args, taskGroup, time.Time{}); err != nil {
		return false, err
	}
	o.logger.Info("resync scheduled", "record_id", recordID)
	return true, nil
}

// HandleResync refetches the remote record behind a local record and fans
// it out like a page fetch.
func (o *Orchestrator) HandleResync(ctx context.Context, args RecordArgs) error {
	rec, err := o.store.GetRecord(ctx, args.RecordID)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			o.logger.Warn("resync target gone", "record_id", args.RecordID)
			return nil
		}
		return err
	}
	ident := rec.Meta[content.MetaOriginalID]
	remoteID, err := identity.Decode(ident)
	if err != nil {
		return queue.Permanent(err)
	}
	mapping := o.cfg.MappingForLocal(rec.Type)
	remoteRec, err := o.remote.FetchSingle(ctx, mapping.Remote, remoteID)
	if err != nil {
		if errors.Is(err, content.ErrFetchFailed) {
			o.logger.Error("resync fetch failed", "record_id", args.RecordID, "identity", ident, "kind", content.Kind(err), "error", err)
			return nil
		}
		return err
	}
	if remoteRec == nil {
		o.logger.Warn("resync source not found upstream", "record_id", args.RecordID, "identity", ident)
		return nil
	}
	_, err = o.fanOut(ctx, mapping, []content.RemoteRecord{*remoteRec})
	return err
}

// PurgeAll schedules one delete task per record carrying an original identity.
func (o *Orchestrator) PurgeAll(ctx context.Context) (int, error) {
	refs, err := o.store.FindRecordsByMetaKey(ctx, content.MetaOriginalID)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, ref := range refs {
		if _, err := o.queue.Enqueue(ctx, HookDeleteRecord, RecordArgs{RecordID: ref.RecordID}, taskGroup, time.Time{}); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	o.logger.Info("purge scheduled", "records", scheduled)
	return scheduled, nil
}

// HandleDelete removes one local record with its meta and term links.
func (o *Orchestrator) HandleDelete(ctx context.Context, args RecordArgs) error {
	if err := o.store.DeleteRecord(ctx, args.RecordID); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			o.logger.Info("record already deleted", "record_id", args.RecordID)
			return nil
		}
		return err
	}
	o.logger.Info("record deleted", "record_id", args.RecordID)
	return nil
}

// Unschedule cancels every queued task and the recurring trigger.
func (o *Orchestrator) Unschedule(ctx context.Context) (int, error) {
	total := 0
	for _, hook := range Hooks {
		n, err := o.queue.CancelAll(ctx, hook)
		if err != nil {
			return total, err
		}
		total += n
	}
	o.logger.Info("all tasks unscheduled", "cancelled", total)
	return total, nil
}

// RecordStatus returns the sync info of one local record.
func (o *Orchestrator) RecordStatus(ctx context.Context, recordID int64) (RecordStatus, error) {
	rec, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		return RecordStatus{}, err
	}
	pending, err := o.queue.Pending(ctx, HookResyncOne, RecordArgs{RecordID: recordID})
	if err != nil {
		return RecordStatus{}, err
	}
	return RecordStatus{
		RecordID:           rec.ID,
		Title:              rec.Title,
		Type:               rec.Type,
		OriginalID:         rec.Meta[content.MetaOriginalID],
		OriginalURL:        rec.Meta[content.MetaOriginalURL],
		OriginalModifiedAt: rec.Meta[content.MetaOriginalModifiedAt],
		LastSyncedAt:       rec.Meta[content.MetaLastSyncedAt],
		ResyncPending:      pending,
	}, nil
}
