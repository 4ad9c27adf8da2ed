// Package terms maps remote taxonomy terms onto local term ids, registering
// unknown taxonomies on first encounter.
package terms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"example.com/pressync/internal/content"
	"example.com/pressync/internal/store"
)

// RegistryOption is the option holding taxonomies registered by the sync.
const RegistryOption = "pressync_registered_taxonomies"

// Store is the subset of the local content store the reconciler needs.
type Store interface {
	FindOrCreateTerm(ctx context.Context, taxonomy, name, slug string) (int64, error)
	GetTaxonomy(ctx context.Context, name string) (store.Taxonomy, bool, error)
	RegisterTaxonomy(ctx context.Context, tax store.Taxonomy) error
	GetOption(ctx context.Context, name string, dest any) (bool, error)
	SetOption(ctx context.Context, name string, value any) error
}

// RegistryEntry is one persisted taxonomy registration.
type RegistryEntry struct {
	Name           string `json:"name"`
	PostTypeSingle string `json:"post_type_single"`
	PostTypePlural string `json:"post_type_plural"`
}

// Assignment is the set of local term ids resolved for one record.
type Assignment struct {
	CategoryIDs []int64
	TagIDs      []int64
	Custom      map[string][]int64
}

// Reconciler finds or creates local terms and taxonomies.
type Reconciler struct {
	store  Store
	logger *slog.Logger
}

// NewReconciler builds a reconciler over the local store.
func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger.With("component", "terms")}
}

// ResolveTerm returns the local id of (taxonomy, name), creating it with slug
// when absent. Two workers racing on the same new term may both attempt the
// insert; the store's (taxonomy, name) uniqueness keeps a single row.
func (r *Reconciler) ResolveTerm(ctx context.Context, taxonomy, name, slug string) (int64, error) {
	id, err := r.store.FindOrCreateTerm(ctx, taxonomy, name, slug)
	if err != nil {
		return 0, fmt.Errorf("resolve term %s/%s: %v: %w", taxonomy, name, err, content.ErrTermCreate)
	}
	return id, nil
}

// ResolveTaxonomy ensures taxonomy is registered locally against the given
// local type and recorded in the persisted registry.
func (r *Reconciler) ResolveTaxonomy(ctx context.Context, taxonomy, localSingle, localPlural string) (string, error) {
	_, found, err := r.store.GetTaxonomy(ctx, taxonomy)
	if err != nil {
		return "", fmt.Errorf("lookup taxonomy %s: %v: %w", taxonomy, err, content.ErrTermCreate)
	}
	if found {
		return taxonomy, nil
	}

	entry := RegistryEntry{Name: taxonomy, PostTypeSingle: localSingle, PostTypePlural: localPlural}
	if err := r.register(ctx, entry); err != nil {
		return "", err
	}

	var registry []RegistryEntry
	if _, err := r.store.GetOption(ctx, RegistryOption, &registry); err != nil {
		return "", fmt.Errorf("read taxonomy registry: %v: %w", err, content.ErrTermCreate)
	}
	registry = append(registry, entry)
	if err := r.store.SetOption(ctx, RegistryOption, registry); err != nil {
		return "", fmt.Errorf("write taxonomy registry: %v: %w", err, content.ErrTermCreate)
	}
	r.logger.Info("taxonomy registered", "taxonomy", taxonomy, "type", localSingle)
	return taxonomy, nil
}

// Reconcile resolves every term of a remote record. category and post_tag
// land in the built-in taxonomies; any other taxonomy is registered on
// demand and its terms accumulate under Custom.
func (r *Reconciler) Reconcile(ctx context.Context, terms []content.Term, mapping content.TypeMapping) (Assignment, error) {
	out := Assignment{CategoryIDs: []int64{}, TagIDs: []int64{}, Custom: map[string][]int64{}}
	for _, t := range terms {
		if t.Name == "" {
			continue
		}
		switch t.Taxonomy {
		case content.TaxonomyCategory:
			id, err := r.ResolveTerm(ctx, content.TaxonomyCategory, t.Name, t.Slug)
			if err != nil {
				return Assignment{}, err
			}
			out.CategoryIDs = append(out.CategoryIDs, id)
		case content.TaxonomyTag:
			id, err := r.ResolveTerm(ctx, content.TaxonomyTag, t.Name, t.Slug)
			if err != nil {
				return Assignment{}, err
			}
			out.TagIDs = append(out.TagIDs, id)
		default:
			taxonomy, err := r.ResolveTaxonomy(ctx, t.Taxonomy, mapping.LocalSingle, mapping.LocalPlural)
			if err != nil {
				return Assignment{}, err
			}
			id, err := r.ResolveTerm(ctx, taxonomy, t.Name, t.Slug)
			if err != nil {
				return Assignment{}, err
			}
			out.Custom[taxonomy] = append(out.Custom[taxonomy], id)
		}
	}
	return out, nil
}

// Bootstrap replays the persisted registry. Run once per process start.
func (r *Reconciler) Bootstrap(ctx context.Context) (int, error) {
	var registry []RegistryEntry
	if _, err := r.store.GetOption(ctx, RegistryOption, &registry); err != nil {
		return 0, fmt.Errorf("read taxonomy registry: %w", err)
	}
	for _, entry := range registry {
		if err := r.register(ctx, entry); err != nil {
			return 0, err
		}
	}
	if len(registry) > 0 {
		r.logger.Info("taxonomy registry replayed", "count", len(registry))
	}
	return len(registry), nil
}

func (r *Reconciler) register(ctx context.Context, entry RegistryEntry) error {
	err := r.store.RegisterTaxonomy(ctx, store.Taxonomy{
		Name:         entry.Name,
		Label:        PrettyName(entry.Name),
		ObjectTypes:  []string{entry.PostTypeSingle},
		Hierarchical: true,
		ShowUI:       true,
		HasArchive:   true,
	})
	if err != nil {
		return fmt.Errorf("register taxonomy %s: %v: %w", entry.Name, err, content.ErrTermCreate)
	}
	return nil
}

// PrettyName turns a taxonomy slug such as "event-venue" into "Event Venue".
func PrettyName(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "-", " "))
}
