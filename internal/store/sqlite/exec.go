package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lu-zhengda/mailcore/internal/store"
)

// bulkChunk bounds the number of bound variables per statement.
const bulkChunk = 400

// Do executes one action. Every action runs inside its own transaction.
func (e *Engine) Do(ctx context.Context, action, table string, payload json.RawMessage) (any, error) {
	if e.db == nil {
		return nil, &store.Error{Name: store.NameUnknown, Message: "store is closed"}
	}
	switch action {
	case store.ActionUsage:
		return e.usage(ctx)
	case store.ActionTransaction:
		var p store.TransactionPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		return e.transaction(ctx, p)
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := e.exec(ctx, tx, action, table, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", action, err)
	}
	return result, nil
}

func (e *Engine) transaction(ctx context.Context, p store.TransactionPayload) ([]json.RawMessage, error) {
	declared := make(map[string]bool, len(p.Tables))
	for _, t := range p.Tables {
		if _, ok := tables[t]; !ok || tables[t].internal {
			return nil, store.DataError("unknown table %q", t)
		}
		declared[t] = true
	}
	if p.Mode != store.ReadOnly && p.Mode != store.ReadWrite {
		return nil, store.DataError("unknown transaction mode %q", p.Mode)
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	results := make([]json.RawMessage, 0, len(p.Ops))
	for i, op := range p.Ops {
		if !declared[op.Table] {
			return nil, store.DataError("op %d: table %q not declared in transaction", i, op.Table)
		}
		if op.Action == store.ActionTransaction || op.Action == store.ActionUsage {
			return nil, store.DataError("op %d: %s not allowed inside a transaction", i, op.Action)
		}
		if p.Mode == store.ReadOnly && store.IsWrite(op.Action) {
			return nil, &store.Error{Name: store.NameReadOnly, Message: fmt.Sprintf("op %d: %s in readonly transaction", i, op.Action)}
		}
		res, err := e.exec(ctx, tx, op.Action, op.Table, op.Payload)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Action, op.Table, err)
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to encode op %d result: %w", i, err)
		}
		results = append(results, data)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return results, nil
}

func (e *Engine) exec(ctx context.Context, tx *sqlx.Tx, action, table string, payload json.RawMessage) (any, error) {
	def, ok := tables[table]
	if !ok || def.internal {
		return nil, store.DataError("unknown table %q", table)
	}

	switch action {
	case store.ActionGet:
		var p store.KeyPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		return getRow(ctx, tx, table, p.Account, p.Key)

	case store.ActionPut:
		var p store.PutPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		return nil, putRows(ctx, tx, table, def, p.Account, []store.Row{{Key: p.Key, Value: p.Value}})

	case store.ActionDelete:
		var p store.KeyPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		return nil, deleteRows(ctx, tx, table, p.Account, []string{p.Key})

	case store.ActionBulkGet:
		var p store.KeysPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		return bulkGet(ctx, tx, table, p.Account, p.Keys)

	case store.ActionBulkPut:
		var p store.RowsPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		return nil, putRows(ctx, tx, table, def, p.Account, p.Rows)

	case store.ActionBulkDelete:
		var p store.KeysPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		return nil, deleteRows(ctx, tx, table, p.Account, p.Keys)

	case store.ActionQuery, store.ActionCount, store.ActionKeys:
		var q store.Query
		if err := decodeQuery(payload, &q); err != nil {
			return nil, err
		}
		switch action {
		case store.ActionCount:
			return countRows(ctx, tx, table, def, q)
		case store.ActionKeys:
			return queryKeys(ctx, tx, table, def, q)
		}
		return queryRows(ctx, tx, table, def, q)

	case store.ActionClear:
		var p store.AccountPayload
		if err := decodeScoped(payload, &p, &p.Account); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE account_id = ?", table), p.Account); err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", table, err)
		}
		return nil, nil
	}
	return nil, store.DataError("unknown action %q", action)
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return store.DataError("missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return store.DataError("malformed payload: %v", err)
	}
	return nil
}

func decodeScoped(payload json.RawMessage, v any, account *string) error {
	if err := decodePayload(payload, v); err != nil {
		return err
	}
	if *account == "" {
		return &store.Error{Name: store.NameData, Message: store.ErrNoAccount.Error()}
	}
	return nil
}

// decodeQuery keeps numeric bounds exact instead of widening them to float64.
func decodeQuery(payload json.RawMessage, q *store.Query) error {
	if len(payload) == 0 {
		return store.DataError("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(q); err != nil {
		return store.DataError("malformed query: %v", err)
	}
	if q.Account == "" {
		return &store.Error{Name: store.NameData, Message: store.ErrNoAccount.Error()}
	}
	return nil
}

func getRow(ctx context.Context, tx *sqlx.Tx, table, account, key string) (json.RawMessage, error) {
	var doc string
	err := tx.GetContext(ctx, &doc, fmt.Sprintf("SELECT doc FROM %s WHERE account_id = ? AND key = ?", table), account, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}
	return json.RawMessage(doc), nil
}

type docRow struct {
	Key string `db:"key"`
	Doc string `db:"doc"`
}

func bulkGet(ctx context.Context, tx *sqlx.Tx, table, account string, keys []string) ([]store.Row, error) {
	found := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += bulkChunk {
		chunk := keys[start:min(start+bulkChunk, len(keys))]
		query, args, err := sqlx.In(fmt.Sprintf("SELECT key, doc FROM %s WHERE account_id = ? AND key IN (?)", table), account, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to build bulkGet: %w", err)
		}
		var rows []docRow
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to bulkGet %s: %w", table, err)
		}
		for _, r := range rows {
			found[r.Key] = r.Doc
		}
	}
	out := make([]store.Row, 0, len(found))
	for _, k := range keys {
		if doc, ok := found[k]; ok {
			out = append(out, store.Row{Key: k, Value: json.RawMessage(doc)})
			delete(found, k)
		}
	}
	return out, nil
}

func putRows(ctx context.Context, tx *sqlx.Tx, table string, def tableDef, account string, rows []store.Row) error {
	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (account_id, key, doc, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, key) DO UPDATE SET
			doc        = excluded.doc,
			updated_at = excluded.updated_at`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare put: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, r := range rows {
		doc, err := prepareDoc(def, account, r.Value)
		if err != nil {
			return fmt.Errorf("row %q: %w", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, account, r.Key, doc, now); err != nil {
			return fmt.Errorf("failed to put %s/%s: %w", table, r.Key, err)
		}
	}
	return nil
}

// prepareDoc stamps the owning account into the document and, for tables
// that carry it, derives is_unread_index from is_unread.
func prepareDoc(def tableDef, account string, value json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return "", store.DataError("value must be a JSON object")
	}
	doc["account_id"] = account
	if def.unreadIndex {
		unread, _ := doc["is_unread"].(bool)
		if unread {
			doc["is_unread_index"] = 1
		} else {
			doc["is_unread_index"] = 0
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(data), nil
}

func deleteRows(ctx context.Context, tx *sqlx.Tx, table, account string, keys []string) error {
	for start := 0; start < len(keys); start += bulkChunk {
		chunk := keys[start:min(start+bulkChunk, len(keys))]
		query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE account_id = ? AND key IN (?)", table), account, chunk)
		if err != nil {
			return fmt.Errorf("failed to build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}
