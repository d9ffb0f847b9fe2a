package vault

import (
	"context"
	"fmt"
)

// Report summarizes a MigrateAll pass over a collection.
type Report struct {
	// Checked is the number of documents examined.
	Checked int

	// Migrated is the number rewritten at the live schema version.
	Migrated int

	// WouldMigrate is the number a dry run identified as outdated.
	WouldMigrate int

	// Errors holds per-document failures. A failing document never stops
	// the pass; its file stays at the old version.
	Errors []DocumentError
}

// DocumentError ties a failure to the document it occurred on.
type DocumentError struct {
	ID  string
	Err error
}

func (e DocumentError) Error() string {
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

// MigrateAll walks a collection and rewrites every document whose stored
// schema version is behind the live one. With dryRun set it only counts,
// touching neither files nor index. The pass is best effort: each
// document migrates independently and failures are collected, not fatal.
func (v *Vault) MigrateAll(ctx context.Context, collection string, dryRun bool) (*Report, error) {
	ids, err := v.List(collection)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("migration of %q interrupted: %w", collection, err)
		}
		report.Checked++

		doc, err := v.Load(ctx, collection, id)
		if err != nil {
			report.Errors = append(report.Errors, DocumentError{ID: id, Err: err})
			continue
		}
		if !doc.Dirty {
			continue
		}

		if dryRun {
			report.WouldMigrate++
			continue
		}

		if err := v.Save(ctx, doc); err != nil {
			report.Errors = append(report.Errors, DocumentError{ID: id, Err: err})
			continue
		}
		report.Migrated++
	}

	v.logger.Info("collection migration pass finished",
		"collection", collection, "checked", report.Checked,
		"migrated", report.Migrated, "would_migrate", report.WouldMigrate,
		"errors", len(report.Errors), "dry_run", dryRun)
	return report, nil
}
