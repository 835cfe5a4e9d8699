package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

// Client sends messages to an Orchestrator.
type Client struct {
	inbox chan<- envelope
}

// Enqueue queues t behind the tasks already waiting and returns its id.
// A task whose key is already queued is merged into that one.
func (c *Client) Enqueue(ctx context.Context, t Task) (string, error) {
	id := uuid.NewString()
	msg := Message{Type: MessageTask, TaskID: id, Task: &t}
	select {
	case c.inbox <- envelope{msg: msg}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Request performs action and decodes the result into out when out is
// non-nil.
func (c *Client) Request(ctx context.Context, action string, payload, out any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", action, err)
		}
		raw = data
	}
	reply := make(chan Event, 1)
	msg := Message{Type: MessageRequest, RequestID: uuid.NewString(), Action: action, Payload: raw}
	select {
	case c.inbox <- envelope{msg: msg, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case ev := <-reply:
		if ev.Type == EventRequestError {
			return errors.New(ev.Error)
		}
		if out == nil || len(ev.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(ev.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", action, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SetAccount(ctx context.Context, acc domain.Account) error {
	return c.Request(ctx, ActionSetAccount, SetAccountParams{Account: acc}, nil)
}

func (c *Client) SyncFolders(ctx context.Context) error {
	return c.Request(ctx, ActionSyncFolders, nil, nil)
}

// ScheduleAll lists folders and queues a metadata task for each in
// priority order.
func (c *Client) ScheduleAll(ctx context.Context, p ScheduleParams) error {
	return c.Request(ctx, ActionScheduleAll, p, nil)
}

// RefreshFolder queues a page-one refresh of folder ahead of everything
// else.
func (c *Client) RefreshFolder(ctx context.Context, folder string) error {
	return c.Request(ctx, ActionRefreshFolder, FolderParams{Folder: folder}, nil)
}

// Resync restarts folder from scratch, or every folder when folder is
// empty.
func (c *Client) Resync(ctx context.Context, folder string) error {
	return c.Request(ctx, ActionResync, FolderParams{Folder: folder}, nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.Request(ctx, ActionStatus, nil, &s)
	return s, err
}
