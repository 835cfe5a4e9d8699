package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lu-zhengda/mailcore/internal/store"
)

// engineAccount owns engine-internal rows such as migration sentinels.
const engineAccount = "_engine"

const tableMeta = "meta"

// scrubSentinel marks the malformed-key scrub as done.
const scrubSentinel = "migration:scrub-malformed-keys"

// tableDef describes one document table. Index paths address fields of the
// JSON document and are backed by expression indexes.
type tableDef struct {
	indexes map[string]string
	// unreadIndex tables get is_unread_index derived from is_unread on write.
	unreadIndex bool
	internal    bool
}

var tables = map[string]tableDef{
	store.TableFolders: {indexes: map[string]string{
		"special_use": "$.special_use",
		"parent_path": "$.parent_path",
	}},
	store.TableMessages: {indexes: map[string]string{
		"folder":          "$.folder",
		"is_unread_index": "$.is_unread_index",
		"timestamp":       "$.timestamp",
		"modseq":          "$.modseq",
		"thread_id":       "$.thread_id",
		"page":            "$.page",
	}, unreadIndex: true},
	store.TableBodies: {indexes: map[string]string{
		"folder":    "$.folder",
		"timestamp": "$.timestamp",
	}},
	store.TableManifests:   {},
	store.TableSearchIndex: {},
	store.TableIndexMeta:   {},
	store.TableMutations: {indexes: map[string]string{
		"target": "$.targetId",
		"status": "$.status",
	}},
	store.TableOutbox: {indexes: map[string]string{
		"status":          "$.status",
		"next_attempt_at": "$.next_attempt_at",
	}},
	store.TableDrafts: {indexes: map[string]string{
		"updated": "$.updatedAt",
	}},
	store.TableSettings: {},
	tableMeta:           {internal: true},
}

// expr returns the SQL expression for a named index.
func (d tableDef) expr(index string) (string, bool) {
	path, ok := d.indexes[index]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("json_extract(doc, '%s')", path), true
}

func tableNames() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// schema renders the DDL for every table and index.
func schema() string {
	var b strings.Builder
	for _, name := range tableNames() {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %s (
    account_id  TEXT NOT NULL,
    key         TEXT NOT NULL,
    doc         TEXT NOT NULL,
    updated_at  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, key)
) WITHOUT ROWID;
`, name)
		def := tables[name]
		indexNames := make([]string, 0, len(def.indexes))
		for idx := range def.indexes {
			indexNames = append(indexNames, idx)
		}
		sort.Strings(indexNames)
		for _, idx := range indexNames {
			expr, _ := def.expr(idx)
			fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(account_id, %s);\n", name, idx, name, expr)
		}
	}
	return b.String()
}

func (e *Engine) migrate(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, schema()); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", store.SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	if err := e.scrubMalformedKeys(ctx); err != nil {
		return fmt.Errorf("failed to scrub malformed keys: %w", err)
	}
	return nil
}

// scrubMalformedKeys removes message rows written under empty, stringified
// nil or double account-prefixed keys. It runs once per database.
func (e *Engine) scrubMalformedKeys(ctx context.Context) error {
	var done int
	if err := e.db.GetContext(ctx, &done,
		`SELECT COUNT(*) FROM meta WHERE account_id = ? AND key = ?`, engineAccount, scrubSentinel); err != nil {
		return err
	}
	if done > 0 {
		return nil
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var removed int64
	for _, table := range []string{store.TableMessages, store.TableBodies} {
		n, err := scrubTable(ctx, tx, table)
		if err != nil {
			return err
		}
		removed += n
	}

	doc := fmt.Sprintf(`{"removed":%d,"at":%d}`, removed, time.Now().Unix())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (account_id, key, doc, updated_at) VALUES (?, ?, ?, ?)`,
		engineAccount, scrubSentinel, doc, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to write scrub sentinel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scrub: %w", err)
	}
	if removed > 0 {
		e.logger.WithField("rows", removed).Info("Removed rows with malformed keys")
	}
	return nil
}

func scrubTable(ctx context.Context, tx *sqlx.Tx, table string) (int64, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE key IN ('', 'undefined', 'null')
		   OR substr(key, 1, length(account_id) + 1) = account_id || ':'`, table))
	if err != nil {
		return 0, fmt.Errorf("failed to scrub %s: %w", table, err)
	}
	return res.RowsAffected()
}
