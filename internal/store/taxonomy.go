package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"
)

// Taxonomy is a registered local term namespace.
type Taxonomy struct {
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	ObjectTypes  []string `json:"object_types"`
	Hierarchical bool     `json:"hierarchical"`
	ShowUI       bool     `json:"show_ui"`
	HasArchive   bool     `json:"has_archive"`
	Builtin      bool     `json:"builtin"`
}

// Term is a stored taxonomy term.
type Term struct {
	ID       int64  `json:"id"`
	Taxonomy string `json:"taxonomy"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
}

// GetTaxonomy loads a registered taxonomy by name.
func (s *Store) GetTaxonomy(ctx context.Context, name string) (Taxonomy, bool, error) {
	var (
		tax   Taxonomy
		types string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, label, object_types, hierarchical, show_ui, has_archive, builtin
		 FROM taxonomies WHERE name = ?`, name).
		Scan(&tax.Name, &tax.Label, &types, &tax.Hierarchical, &tax.ShowUI, &tax.HasArchive, &tax.Builtin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Taxonomy{}, false, nil
		}
		return Taxonomy{}, false, fmt.Errorf("get taxonomy: %w", err)
	}
	tax.ObjectTypes = splitTypes(types)
	return tax, true, nil
}

// RegisterTaxonomy creates or extends a taxonomy. Object types accumulate
// across registrations so one taxonomy can serve several local types.
func (s *Store) RegisterTaxonomy(ctx context.Context, tax Taxonomy) error {
	existing, found, err := s.GetTaxonomy(ctx, tax.Name)
	if err != nil {
		return err
	}
	types := tax.ObjectTypes
	if found {
		types = existing.ObjectTypes
		for _, t := range tax.ObjectTypes {
			if !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
	}
	label := tax.Label
	if label == "" {
		label = tax.Name
	}
	query, args, err := sq.Insert("taxonomies").
		Columns("name", "label", "object_types", "hierarchical", "show_ui", "has_archive").
		Values(tax.Name, label, joinTypes(types), tax.Hierarchical, tax.ShowUI, tax.HasArchive).
		Suffix(`ON CONFLICT(name) DO UPDATE SET object_types = excluded.object_types`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("register taxonomy %s: %w", tax.Name, err)
	}
	return nil
}

// ListTaxonomies returns all taxonomies, built-ins first.
func (s *Store) ListTaxonomies(ctx context.Context) ([]Taxonomy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, label, object_types, hierarchical, show_ui, has_archive, builtin
		 FROM taxonomies ORDER BY builtin DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list taxonomies: %w", err)
	}
	defer rows.Close()
	var out []Taxonomy
	for rows.Next() {
		var (
			tax   Taxonomy
			types string
		)
		if err := rows.Scan(&tax.Name, &tax.Label, &types, &tax.Hierarchical, &tax.ShowUI, &tax.HasArchive, &tax.Builtin); err != nil {
			return nil, fmt.Errorf("scan taxonomy: %w", err)
		}
		tax.ObjectTypes = splitTypes(types)
		out = append(out, tax)
	}
	return out, rows.Err()
}

// FindTerm looks a term up by taxonomy and name.
func (s *Store) FindTerm(ctx context.Context, taxonomy, name string) (Term, bool, error) {
	term := Term{Taxonomy: taxonomy}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug FROM terms WHERE taxonomy = ? AND name = ?`, taxonomy, name).
		Scan(&term.ID, &term.Name, &term.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Term{}, false, nil
		}
		return Term{}, false, fmt.Errorf("find term: %w", err)
	}
	return term, true, nil
}

// FindOrCreateTerm returns the id of the (taxonomy, name) term, creating it
// with slug when absent. A concurrent creator losing the race reads the
// winner's row.
func (s *Store) FindOrCreateTerm(ctx context.Context, taxonomy, name, slug string) (int64, error) {
	if term, found, err := s.FindTerm(ctx, taxonomy, name); err != nil {
		return 0, err
	} else if found {
		return term.ID, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO terms(taxonomy, name, slug) VALUES(?, ?, ?) ON CONFLICT(taxonomy, name) DO NOTHING`,
		taxonomy, name, slug); err != nil {
		return 0, fmt.Errorf("create term: %w", err)
	}
	term, found, err := s.FindTerm(ctx, taxonomy, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("term %s/%s vanished after insert", taxonomy, name)
	}
	return term.ID, nil
}
