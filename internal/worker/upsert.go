package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/identity"
	"example.com/pressync/internal/media"
	"example.com/pressync/internal/store"
	"example.com/pressync/internal/terms"
)

const (
	remoteTimeLayout = "2006-01-02T15:04:05"
	syncedTimeLayout = "2006-01-02 15:04:05"
)

// UpsertOptions configure the Upserter.
type UpsertOptions struct {
	SiteURL          string
	DefaultAuthorID  int64
	// SkipOnTitleMatch aborts an upsert when a record of the target type
	// already has the same title. Records synced earlier match their own
	// title, so with this on they are never updated again.
	SkipOnTitleMatch bool
	DownloadImages   bool
}

// Upserter applies one remote record to the local store, keyed by its
// composite identity.
type Upserter struct {
	store      *store.Store
	reconciler *terms.Reconciler
	localizer  *media.Localizer
	opts       UpsertOptions
	logger     *slog.Logger
	now        func() time.Time
}

// NewUpserter wires the upsert steps to their collaborators.
func NewUpserter(s *store.Store, reconciler *terms.Reconciler, localizer *media.Localizer, opts UpsertOptions, logger *slog.Logger) *Upserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Upserter{
		store:      s,
		reconciler: reconciler,
		localizer:  localizer,
		opts:       opts,
		logger:     logger.With("component", "upsert"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Apply creates or updates the local record of rec. Steps after the record
// write (featured image, body images) log their failures and never undo the
// write.
func (u *Upserter) Apply(ctx context.Context, rec content.RemoteRecord, mapping content.TypeMapping) (UpsertResult, error) {
	ident, err := identity.Encode(u.opts.SiteURL, rec.RemoteID)
	if err != nil {
		return UpsertResult{}, err
	}
	result := UpsertResult{Identity: ident}

	if u.opts.SkipOnTitleMatch {
		existing, found, err := u.store.FindRecordByTitle(ctx, mapping.LocalSingle, rec.Title)
		if err != nil {
			return result, err
		}
		if found {
			u.logger.Info("upsert suppressed by title match", "identity", ident, "title", rec.Title, "record_id", existing)
			result.Outcome = OutcomeSuppressed
			result.RecordID = existing
			return result, nil
		}
	}

	authorID, err := u.resolveAuthor(ctx, rec.AuthorSlug)
	if err != nil {
		return result, err
	}

	assignment, err := u.reconciler.Reconcile(ctx, rec.Terms, mapping)
	if err != nil {
		return result, err
	}

	payload := content.Record{
		Type:        mapping.LocalSingle,
		Title:       rec.Title,
		Excerpt:     rec.Excerpt,
		Content:     bodyOf(rec, mapping),
		Status:      rec.Status,
		AuthorID:    authorID,
		CategoryIDs: assignment.CategoryIDs,
		TagIDs:      assignment.TagIDs,
		TaxInput:    assignment.Custom,
		Meta:        u.metaOf(rec, ident),
	}

	recordID, found, err := u.store.FindRecordByMeta(ctx, content.MetaOriginalID, ident)
	if err != nil {
		return result, err
	}
	if found {
		err = u.store.UpdateRecord(ctx, recordID, payload)
		result.Outcome = OutcomeUpdated
	} else {
		recordID, err = u.store.CreateRecord(ctx, payload)
		result.Outcome = OutcomeCreated
		if errors.Is(err, store.ErrConflict) {
			// Another worker created the record between lookup and insert.
			recordID, err = u.updateAfterConflict(ctx, ident, payload)
			result.Outcome = OutcomeUpdated
		}
	}
	if err != nil {
		return result, err
	}
	result.RecordID = recordID

	if img := featuredImageOf(rec, mapping); img != nil {
		result.MediaID = u.attachFeatured(ctx, recordID, *img)
	}
	if u.opts.DownloadImages && u.localizer != nil {
		if body, changed := u.localizer.LocalizeContent(ctx, payload.Content, recordID); changed {
			if err := u.store.UpdateContent(ctx, recordID, body); err != nil {
				u.logger.Error("store localized body failed", "record_id", recordID, "identity", ident, "kind", content.Kind(err), "error", err)
			}
		}
	}

	u.logger.Info("record upserted", "identity", ident, "record_id", recordID, "outcome", result.Outcome, "type", mapping.LocalSingle)
	return result, nil
}

func (u *Upserter) updateAfterConflict(ctx context.Context, ident string, payload content.Record) (int64, error) {
	recordID, found, err := u.store.FindRecordByMeta(ctx, content.MetaOriginalID, ident)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("identity %s conflicted but is not stored: %w", ident, store.ErrConflict)
	}
	return recordID, u.store.UpdateRecord(ctx, recordID, payload)
}

func (u *Upserter) resolveAuthor(ctx context.Context, slug string) (int64, error) {
	if slug != "" {
		id, found, err := u.store.FindUserBySlug(ctx, slug)
		if err != nil {
			return 0, err
		}
		if found {
			return id, nil
		}
	}
	return u.opts.DefaultAuthorID, nil
}

// metaOf copies scalar remote meta and then writes the sync fields, which
// always win over remote values of the same key.
func (u *Upserter) metaOf(rec content.RemoteRecord, ident string) map[string]string {
	meta := make(map[string]string, len(rec.Meta)+4)
	for key, value := range rec.Meta {
		if s, ok := scalarString(value); ok {
			meta[key] = s
		}
	}
	meta[content.MetaOriginalID] = ident
	meta[content.MetaOriginalURL] = rec.Link
	meta[content.MetaLastSyncedAt] = u.now().Format(syncedTimeLayout)
	if !rec.ModifiedAt.IsZero() {
		meta[content.MetaOriginalModifiedAt] = rec.ModifiedAt.UTC().Format(remoteTimeLayout)
	} else {
		meta[content.MetaOriginalModifiedAt] = ""
	}
	return meta
}

func (u *Upserter) attachFeatured(ctx context.Context, recordID int64, img content.FeaturedImage) int64 {
	if u.localizer == nil {
		return 0
	}
	asset, err := u.localizer.LocalizeOne(ctx, img.URL, recordID, img.AltText)
	if err != nil {
		u.logger.Error("featured image failed", "record_id", recordID, "source_url", img.URL, "kind", content.Kind(err), "error", err)
		return 0
	}
	if err := u.store.SetFeaturedMedia(ctx, recordID, asset.ID); err != nil {
		u.logger.Error("attach featured image failed", "record_id", recordID, "media_id", asset.ID, "error", err)
		return 0
	}
	return asset.ID
}

// bodyOf returns the record body, read from the mapping's content field
// when the remote type keeps it in meta.
func bodyOf(rec content.RemoteRecord, mapping content.TypeMapping) string {
	if mapping.ContentField != "" {
		if s, ok := rec.Meta[mapping.ContentField].(string); ok && s != "" {
			return s
		}
	}
	return rec.ContentHTML
}

func featuredImageOf(rec content.RemoteRecord, mapping content.TypeMapping) *content.FeaturedImage {
	if rec.FeaturedImage != nil && rec.FeaturedImage.URL != "" {
		return rec.FeaturedImage
	}
	if mapping.FeaturedImageField != "" {
		if s, ok := rec.Meta[mapping.FeaturedImageField].(string); ok && strings.TrimSpace(s) != "" {
			return &content.FeaturedImage{URL: strings.TrimSpace(s)}
		}
	}
	return nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	default:
		return "", false
	}
}
