// Package sync fetches remote mailbox state in the background and writes
// the reconciled result through the store. The Orchestrator runs one task
// at a time.
package sync

import "strings"

// TaskType is the kind of work a Task performs.
type TaskType string

const (
	TaskFolders  TaskType = "folders"
	TaskMetadata TaskType = "metadata"
	TaskBodies   TaskType = "bodies"
)

// Task is one unit of sync work.
type Task struct {
	Type       TaskType `json:"type"`
	Folder     string   `json:"folder,omitempty"`
	PageSize   int      `json:"pageSize,omitempty"`
	Pages      int      `json:"pages,omitempty"`
	WithBodies bool     `json:"withBodies,omitempty"`
	BodyLimit  int      `json:"bodyLimit,omitempty"`
	// Refresh fetches page one again before resuming from the cursor.
	Refresh bool `json:"refresh,omitempty"`
	// Resync discards the folder manifest and starts over.
	Resync bool `json:"resync,omitempty"`
	// Schedule queues metadata tasks for every listed folder once a
	// folders task completes.
	Schedule bool `json:"schedule,omitempty"`
	// IDs limits a bodies task to these messages.
	IDs []string `json:"ids,omitempty"`
}

// Key identifies a task for deduplication.
func (t Task) Key() string {
	key := string(t.Type) + ":" + t.Folder
	if len(t.IDs) > 0 {
		key += ":" + strings.Join(t.IDs, ",")
	}
	return key
}

type queued struct {
	ID   string `json:"id"`
	Task Task   `json:"task"`
}

// Queue is a FIFO of tasks with at most one entry per key. It is owned by
// the orchestrator goroutine and is not safe for concurrent use.
type Queue struct {
	items []queued
}

func (q *Queue) find(key string) int {
	for i, it := range q.items {
		if it.Task.Key() == key {
			return i
		}
	}
	return -1
}

// Push appends t. When a task with the same key is already queued its
// refresh and resync flags absorb those of t and Push reports false.
func (q *Queue) Push(id string, t Task) bool {
	if i := q.find(t.Key()); i >= 0 {
		cur := &q.items[i].Task
		cur.Refresh = cur.Refresh || t.Refresh
		cur.Resync = cur.Resync || t.Resync
		cur.Schedule = cur.Schedule || t.Schedule
		cur.WithBodies = cur.WithBodies || t.WithBodies
		return false
	}
	q.items = append(q.items, queued{ID: id, Task: t})
	return true
}

// PushFront puts t at the head, replacing any queued task with its key.
func (q *Queue) PushFront(id string, t Task) {
	if i := q.find(t.Key()); i >= 0 {
		old := q.items[i].Task
		t.Refresh = t.Refresh || old.Refresh
		t.Resync = t.Resync || old.Resync
		t.Schedule = t.Schedule || old.Schedule
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	q.items = append([]queued{{ID: id, Task: t}}, q.items...)
}

func (q *Queue) Pop() (queued, bool) {
	if len(q.items) == 0 {
		return queued{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Keys lists the queued task keys in order.
func (q *Queue) Keys() []string {
	keys := make([]string, len(q.items))
	for i, it := range q.items {
		keys[i] = it.Task.Key()
	}
	return keys
}

// Reset empties the queue and returns how many tasks were dropped.
func (q *Queue) Reset() int {
	n := len(q.items)
	q.items = nil
	return n
}
