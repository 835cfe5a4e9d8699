package domain

import (
	"errors"
	"fmt"
)

// ErrCursorRegression is returned when a manifest update would move the
// sync cursor backwards outside of an explicit resync.
var ErrCursorRegression = errors.New("sync cursor regression")

// SyncManifest records how far a folder has been synchronized.
type SyncManifest struct {
	AccountID    string `json:"account_id"`
	Folder       string `json:"folder"`
	NextCursor   string `json:"next_cursor,omitempty"`
	Position     int    `json:"position"`
	PagesFetched int    `json:"pages_fetched"`
	LastModSeq   uint64 `json:"last_modseq"`
	Total        int    `json:"total"`
	Exhausted    bool   `json:"exhausted"`
	LastSyncedAt int64  `json:"last_synced_at"`
}

// Started reports whether any page has been fetched for the folder.
func (m SyncManifest) Started() bool {
	return m.PagesFetched > 0
}

// Advance validates that next only moves forward from m.
func (m SyncManifest) Advance(next SyncManifest) (SyncManifest, error) {
	if next.Position < m.Position || next.PagesFetched < m.PagesFetched {
		return m, fmt.Errorf("folder %s: position %d->%d pages %d->%d: %w",
			m.Folder, m.Position, next.Position, m.PagesFetched, next.PagesFetched, ErrCursorRegression)
	}
	if next.LastModSeq < m.LastModSeq {
		next.LastModSeq = m.LastModSeq
	}
	if next.LastSyncedAt < m.LastSyncedAt {
		next.LastSyncedAt = m.LastSyncedAt
	}
	return next, nil
}

// Reset returns an empty manifest for an explicit resync.
func (m SyncManifest) Reset() SyncManifest {
	return SyncManifest{AccountID: m.AccountID, Folder: m.Folder}
}
