// Package store defines the message contract of the persistent store owner
// and a typed client for it.
package store

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the single schema version shared by every component that
// opens the store by name. Any other stored version is destroyed on open.
const SchemaVersion = 4

// Logical tables.
const (
	TableFolders     = "folders"
	TableMessages    = "messages"
	TableBodies      = "message_bodies"
	TableManifests   = "sync_manifests"
	TableSearchIndex = "search_index"
	TableIndexMeta   = "index_meta"
	TableMutations   = "mutation_queue"
	TableOutbox      = "outbox"
	TableDrafts      = "drafts"
	TableSettings    = "settings"
)

// Actions understood by the store owner.
const (
	ActionGet         = "get"
	ActionPut         = "put"
	ActionDelete      = "delete"
	ActionBulkGet     = "bulkGet"
	ActionBulkPut     = "bulkPut"
	ActionBulkDelete  = "bulkDelete"
	ActionQuery       = "query"
	ActionCount       = "count"
	ActionKeys        = "keys"
	ActionClear       = "clear"
	ActionTransaction = "transaction"
	ActionUsage       = "usage"
)

// IsWrite reports whether action modifies rows.
func IsWrite(action string) bool {
	switch action {
	case ActionPut, ActionDelete, ActionBulkPut, ActionBulkDelete, ActionClear:
		return true
	}
	return false
}

type KeyPayload struct {
	Account string `json:"account"`
	Key     string `json:"key"`
}

type PutPayload struct {
	Account string          `json:"account"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
}

type KeysPayload struct {
	Account string   `json:"account"`
	Keys    []string `json:"keys"`
}

type Row struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type RowsPayload struct {
	Account string `json:"account"`
	Rows    []Row  `json:"rows"`
}

type AccountPayload struct {
	Account string `json:"account"`
}

// Range bounds are inclusive.
type Range struct {
	Lower any `json:"lower"`
	Upper any `json:"upper"`
}

// Query selects rows of one account through a named index. At most one of
// Equals, Between and StartsWith applies. An empty Index walks the primary
// key.
type Query struct {
	Account    string `json:"account"`
	Index      string `json:"index,omitempty"`
	Equals     any    `json:"equals,omitempty"`
	Between    *Range `json:"between,omitempty"`
	StartsWith string `json:"startsWith,omitempty"`
	OrderBy    string `json:"orderBy,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Reverse    bool   `json:"reverse,omitempty"`
}

type TxMode string

const (
	ReadOnly  TxMode = "readonly"
	ReadWrite TxMode = "readwrite"
)

type TxOp struct {
	Action  string          `json:"action"`
	Table   string          `json:"table"`
	Payload json.RawMessage `json:"payload"`
}

type TransactionPayload struct {
	Mode   TxMode   `json:"mode"`
	Tables []string `json:"tables"`
	Ops    []TxOp   `json:"ops"`
}

type TableUsage struct {
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// Usage reports database size against the configured quota.
type Usage struct {
	UsedBytes  int64                 `json:"used_bytes"`
	QuotaBytes int64                 `json:"quota_bytes"`
	PageSize   int64                 `json:"page_size"`
	Tables     map[string]TableUsage `json:"tables"`
}

// ResetEvent is broadcast after the store has been destroyed and recreated.
type ResetEvent struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
