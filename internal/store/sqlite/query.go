package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/lu-zhengda/mailcore/internal/store"
)

// buildWhere renders the filter part of q. Ordering and paging are added by
// the callers that need them.
func buildWhere(def tableDef, q store.Query) (string, []any, error) {
	where := []string{"account_id = ?"}
	args := []any{q.Account}
	if q.Index == "" {
		if q.Equals != nil || q.Between != nil || q.StartsWith != "" {
			return "", nil, store.DataError("range predicate without index")
		}
		return strings.Join(where, " AND "), args, nil
	}

	expr, ok := def.expr(q.Index)
	if !ok {
		return "", nil, store.DataError("unknown index %q", q.Index)
	}
	switch {
	case q.Equals != nil:
		v, err := bindValue(q.Equals)
		if err != nil {
			return "", nil, err
		}
		where = append(where, expr+" = ?")
		args = append(args, v)
	case q.Between != nil:
		lower, err := bindValue(q.Between.Lower)
		if err != nil {
			return "", nil, err
		}
		upper, err := bindValue(q.Between.Upper)
		if err != nil {
			return "", nil, err
		}
		where = append(where, expr+" BETWEEN ? AND ?")
		args = append(args, lower, upper)
	case q.StartsWith != "":
		where = append(where, expr+" >= ?", expr+" < ?")
		args = append(args, q.StartsWith, q.StartsWith+"\uffff")
	}
	return strings.Join(where, " AND "), args, nil
}

func buildOrder(def tableDef, q store.Query) (string, error) {
	dir := "ASC"
	if q.Reverse {
		dir = "DESC"
	}
	orderIndex := q.OrderBy
	if orderIndex == "" {
		orderIndex = q.Index
	}
	if orderIndex == "" {
		return "key " + dir, nil
	}
	expr, ok := def.expr(orderIndex)
	if !ok {
		return "", store.DataError("unknown index %q", orderIndex)
	}
	return fmt.Sprintf("%s %s, key %s", expr, dir, dir), nil
}

func buildPaging(q store.Query) (string, []any) {
	switch {
	case q.Limit > 0 && q.Offset > 0:
		return " LIMIT ? OFFSET ?", []any{q.Limit, q.Offset}
	case q.Limit > 0:
		return " LIMIT ?", []any{q.Limit}
	case q.Offset > 0:
		return " LIMIT -1 OFFSET ?", []any{q.Offset}
	}
	return "", nil
}

// bindValue converts a decoded JSON scalar into a driver value comparable
// with json_extract results.
func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, store.DataError("bad number %q", x)
		}
		return f, nil
	case float64:
		if x == float64(int64(x)) {
			return int64(x), nil
		}
		return x, nil
	case int, int64, string:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case nil:
		return nil, store.DataError("null bound")
	}
	return nil, store.DataError("unsupported bound of type %T", v)
}

func selectSQL(cols, table string, def tableDef, q store.Query) (string, []any, error) {
	where, args, err := buildWhere(def, q)
	if err != nil {
		return "", nil, err
	}
	order, err := buildOrder(def, q)
	if err != nil {
		return "", nil, err
	}
	paging, pagingArgs := buildPaging(q)
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s%s", cols, table, where, order, paging),
		append(args, pagingArgs...), nil
}

func queryRows(ctx context.Context, tx *sqlx.Tx, table string, def tableDef, q store.Query) ([]store.Row, error) {
	query, args, err := selectSQL("key, doc", table, def, q)
	if err != nil {
		return nil, err
	}
	var rows []docRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	out := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Row{Key: r.Key, Value: json.RawMessage(r.Doc)})
	}
	return out, nil
}

func queryKeys(ctx context.Context, tx *sqlx.Tx, table string, def tableDef, q store.Query) ([]string, error) {
	query, args, err := selectSQL("key", table, def, q)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	if err := tx.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", table, err)
	}
	return keys, nil
}

func countRows(ctx context.Context, tx *sqlx.Tx, table string, def tableDef, q store.Query) (int, error) {
	where, args, err := buildWhere(def, q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := tx.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where), args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func (e *Engine) usage(ctx context.Context) (store.Usage, error) {
	var pageCount, freePages, pageSize int64
	if err := e.db.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return store.Usage{}, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := e.db.GetContext(ctx, &freePages, "PRAGMA freelist_count"); err != nil {
		return store.Usage{}, fmt.Errorf("failed to read freelist: %w", err)
	}
	if err := e.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return store.Usage{}, fmt.Errorf("failed to read page size: %w", err)
	}

	u := store.Usage{
		UsedBytes:  (pageCount - freePages) * pageSize,
		QuotaBytes: e.opts.QuotaBytes,
		PageSize:   pageSize,
		Tables:     make(map[string]store.TableUsage),
	}
	for _, name := range tableNames() {
		if tables[name].internal {
			continue
		}
		var tu struct {
			Rows  int   `db:"row_count"`
			Bytes int64 `db:"doc_bytes"`
		}
		if err := e.db.GetContext(ctx, &tu,
			fmt.Sprintf("SELECT COUNT(*) AS row_count, COALESCE(SUM(LENGTH(doc)), 0) AS doc_bytes FROM %s", name)); err != nil {
			return store.Usage{}, fmt.Errorf("failed to measure %s: %w", name, err)
		}
		u.Tables[name] = store.TableUsage{Rows: tu.Rows, Bytes: tu.Bytes}
	}
	return u, nil
}
