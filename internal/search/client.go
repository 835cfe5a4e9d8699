package search

import (
	"context"
	"errors"

	"github.com/lu-zhengda/mailcore/internal/bus"
)

const nameSyntax = "SyntaxError"

// queryError carries a parse failure across the bus.
type queryError struct{ msg string }

func (e *queryError) Error() string     { return e.msg }
func (e *queryError) Unwrap() error     { return ErrSyntax }
func (e *queryError) ErrorName() string { return nameSyntax }
func (e *queryError) ErrorCode() int    { return 0 }

// Client talks to an Engine. It is safe for concurrent use.
type Client struct {
	bus *bus.Client
}

func NewClient(inbox chan<- bus.Envelope) *Client {
	return &Client{bus: bus.NewClient(inbox)}
}

func (c *Client) Close() {
	c.bus.Close()
}

func (c *Client) call(ctx context.Context, action string, p Params, out any) error {
	err := c.bus.Call(ctx, action, "", p, out)
	var be *bus.Error
	if errors.As(err, &be) && be.Name == nameSyntax {
		return &queryError{msg: be.Message}
	}
	return err
}

// Init loads the index of account and repairs it if the health check asks
// for it.
func (c *Client) Init(ctx context.Context, account string, mode Mode) (InitResult, error) {
	var res InitResult
	err := c.call(ctx, ActionInit, Params{Account: account, Mode: mode}, &res)
	return res, err
}

// Index queues ids for (re)indexing in every enabled mode.
func (c *Client) Index(ctx context.Context, account string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.call(ctx, ActionIndex, Params{Account: account, IDs: ids}, nil)
}

// Remove queues ids for removal from every enabled mode.
func (c *Client) Remove(ctx context.Context, account string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.call(ctx, ActionRemove, Params{Account: account, IDs: ids}, nil)
}

func (c *Client) Search(ctx context.Context, p Params) (SearchResult, error) {
	var res SearchResult
	err := c.call(ctx, ActionSearch, p, &res)
	return res, err
}

func (c *Client) Rebuild(ctx context.Context, account string, mode Mode) (Stats, error) {
	var s Stats
	err := c.call(ctx, ActionRebuild, Params{Account: account, Mode: mode}, &s)
	return s, err
}

func (c *Client) Stats(ctx context.Context, account string, mode Mode) (Stats, error) {
	var s Stats
	err := c.call(ctx, ActionStats, Params{Account: account, Mode: mode}, &s)
	return s, err
}

func (c *Client) Health(ctx context.Context, account string, mode Mode) (Health, error) {
	var h Health
	err := c.call(ctx, ActionHealth, Params{Account: account, Mode: mode}, &h)
	return h, err
}

func (c *Client) SyncMissing(ctx context.Context, account string, mode Mode) (SyncResult, error) {
	var res SyncResult
	err := c.call(ctx, ActionSyncMissing, Params{Account: account, Mode: mode}, &res)
	return res, err
}

// Reset drops every loaded index and pending batch. It follows a store
// reset.
func (c *Client) Reset(ctx context.Context) error {
	return c.call(ctx, ActionReset, Params{}, nil)
}
