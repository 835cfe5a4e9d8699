package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lu-zhengda/mailcore/internal/bus"
)

// Client talks to the store owner. It is safe for concurrent use; every
// request is serialized by the owner.
type Client struct {
	bus *bus.Client
}

// NewClient returns a Client sending envelopes to the owner's inbox.
func NewClient(inbox chan<- bus.Envelope) *Client {
	return &Client{bus: bus.NewClient(inbox)}
}

func (c *Client) Close() {
	c.bus.Close()
}

func (c *Client) call(ctx context.Context, action, table string, payload, out any) error {
	if err := c.bus.Call(ctx, action, table, payload, out); err != nil {
		return fromBus(err)
	}
	return nil
}

// Get loads one row into out. It reports false when the row does not exist.
func (c *Client) Get(ctx context.Context, table, account, key string, out any) (bool, error) {
	var raw json.RawMessage
	if err := c.call(ctx, ActionGet, table, KeyPayload{Account: account, Key: key}, &raw); err != nil {
		return false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", table, key, err)
	}
	return true, nil
}

func (c *Client) Put(ctx context.Context, table, account, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", table, key, err)
	}
	return c.call(ctx, ActionPut, table, PutPayload{Account: account, Key: key, Value: data}, nil)
}

func (c *Client) Delete(ctx context.Context, table, account, key string) error {
	return c.call(ctx, ActionDelete, table, KeyPayload{Account: account, Key: key}, nil)
}

// BulkGet returns the rows that exist for keys, in key order.
func (c *Client) BulkGet(ctx context.Context, table, account string, keys []string) ([]Row, error) {
	var rows []Row
	if len(keys) == 0 {
		return nil, nil
	}
	if err := c.call(ctx, ActionBulkGet, table, KeysPayload{Account: account, Keys: keys}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) BulkPut(ctx context.Context, table, account string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return c.call(ctx, ActionBulkPut, table, RowsPayload{Account: account, Rows: rows}, nil)
}

func (c *Client) BulkDelete(ctx context.Context, table, account string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.call(ctx, ActionBulkDelete, table, KeysPayload{Account: account, Keys: keys}, nil)
}

func (c *Client) Query(ctx context.Context, table string, q Query) ([]Row, error) {
	var rows []Row
	if err := c.call(ctx, ActionQuery, table, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Count(ctx context.Context, table string, q Query) (int, error) {
	var n int
	if err := c.call(ctx, ActionCount, table, q, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Keys returns only the keys matched by q.
func (c *Client) Keys(ctx context.Context, table string, q Query) ([]string, error) {
	var keys []string
	if err := c.call(ctx, ActionKeys, table, q, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear deletes every row of account in table.
func (c *Client) Clear(ctx context.Context, table, account string) error {
	return c.call(ctx, ActionClear, table, AccountPayload{Account: account}, nil)
}

func (c *Client) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	if err := c.call(ctx, ActionUsage, "", nil, &u); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// Transaction runs ops atomically. Each element of the result is the
// encoded result of the matching op.
func (c *Client) Transaction(ctx context.Context, mode TxMode, tables []string, ops []TxOp) ([]json.RawMessage, error) {
	var results []json.RawMessage
	payload := TransactionPayload{Mode: mode, Tables: tables, Ops: ops}
	if err := c.call(ctx, ActionTransaction, "", payload, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Begin starts building a transaction.
func (c *Client) Begin(mode TxMode) *Tx {
	return &Tx{client: c, mode: mode, tables: make(map[string]bool)}
}

// Tx accumulates ops locally until Commit sends them as one transaction.
type Tx struct {
	client *Client
	mode   TxMode
	tables map[string]bool
	order  []string
	ops    []TxOp
	err    error
}

func (t *Tx) add(action, table string, payload any) *Tx {
	if t.err != nil {
		return t
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.err = fmt.Errorf("failed to encode %s op: %w", action, err)
		return t
	}
	if !t.tables[table] {
		t.tables[table] = true
		t.order = append(t.order, table)
	}
	t.ops = append(t.ops, TxOp{Action: action, Table: table, Payload: data})
	return t
}

func (t *Tx) Put(table, account, key string, value any) *Tx {
	data, err := json.Marshal(value)
	if err != nil {
		if t.err == nil {
			t.err = fmt.Errorf("failed to encode %s/%s: %w", table, key, err)
		}
		return t
	}
	return t.add(ActionPut, table, PutPayload{Account: account, Key: key, Value: data})
}

func (t *Tx) Delete(table, account, key string) *Tx {
	return t.add(ActionDelete, table, KeyPayload{Account: account, Key: key})
}

func (t *Tx) BulkPut(table, account string, rows []Row) *Tx {
	if len(rows) == 0 {
		return t
	}
	return t.add(ActionBulkPut, table, RowsPayload{Account: account, Rows: rows})
}

func (t *Tx) BulkDelete(table, account string, keys []string) *Tx {
	if len(keys) == 0 {
		return t
	}
	return t.add(ActionBulkDelete, table, KeysPayload{Account: account, Keys: keys})
}

// Len returns the number of queued ops.
func (t *Tx) Len() int {
	return len(t.ops)
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.err != nil {
		return t.err
	}
	if len(t.ops) == 0 {
		return nil
	}
	_, err := t.client.Transaction(ctx, t.mode, t.order, t.ops)
	return err
}

// Decode unmarshals every row value into a T.
func Decode[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("failed to decode row %s: %w", r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode builds rows from items keyed by key.
func Encode[T any](items []T, key func(T) string) ([]Row, error) {
	rows := make([]Row, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row %s: %w", key(it), err)
		}
		rows = append(rows, Row{Key: key(it), Value: data})
	}
	return rows, nil
}

// QueryAs runs q and decodes the values.
func QueryAs[T any](ctx context.Context, c *Client, table string, q Query) ([]T, error) {
	rows, err := c.Query(ctx, table, q)
	if err != nil {
		return nil, err
	}
	return Decode[T](rows)
}

// BulkGetAs loads the rows for keys and decodes them.
func BulkGetAs[T any](ctx context.Context, c *Client, table, account string, keys []string) ([]T, error) {
	rows, err := c.BulkGet(ctx, table, account, keys)
	if err != nil {
		return nil, err
	}
	return Decode[T](rows)
}
