package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lu-zhengda/mailcore/internal/store"
)

// durableTables hold local intent that has not reached the server, or
// never will. They are carried over when the store is recreated.
var durableTables = []string{
	store.TableMutations,
	store.TableOutbox,
	store.TableDrafts,
	store.TableSettings,
}

type keptRow struct {
	Account string `db:"account_id"`
	Key     string `db:"key"`
	Doc     string `db:"doc"`
}

// export reads every row of the durable tables. A table that cannot be
// read is skipped and reported in the joined error.
func (e *Engine) export(ctx context.Context) (map[string][]keptRow, error) {
	if e.db == nil {
		return nil, errors.New("store is closed")
	}
	kept := make(map[string][]keptRow, len(durableTables))
	var errs []error
	for _, table := range durableTables {
		var rows []keptRow
		query := fmt.Sprintf("SELECT account_id, key, doc FROM %s ORDER BY account_id, key", table)
		if err := e.db.SelectContext(ctx, &rows, query); err != nil {
			errs = append(errs, fmt.Errorf("failed to export %s: %w", table, err))
			continue
		}
		kept[table] = rows
	}
	return kept, errors.Join(errs...)
}

// restore writes exported rows back in one transaction and returns how
// many were written.
func (e *Engine) restore(ctx context.Context, kept map[string][]keptRow) (int, error) {
	if len(kept) == 0 {
		return 0, nil
	}
	if e.db == nil {
		return 0, errors.New("store is closed")
	}
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, table := range durableTables {
		rows := kept[table]
		for start := 0; start < len(rows); {
			// Rows are ordered by account; write one account run at a time.
			end := start
			batch := make([]store.Row, 0)
			for end < len(rows) && rows[end].Account == rows[start].Account {
				batch = append(batch, store.Row{Key: rows[end].Key, Value: json.RawMessage(rows[end].Doc)})
				end++
			}
			if err := putRows(ctx, tx, table, tables[table], rows[start].Account, batch); err != nil {
				return 0, fmt.Errorf("failed to restore %s: %w", table, err)
			}
			n += len(batch)
			start = end
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit restore: %w", err)
	}
	return n, nil
}
