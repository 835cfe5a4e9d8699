// Package bus carries correlated request/response envelopes between the
// goroutines that own a resource and the components that use it.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("bus: client closed")

type Request struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Table   string          `json:"table,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	ID        string          `json:"id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorName string          `json:"errorName,omitempty"`
	ErrorCode int             `json:"errorCode,omitempty"`
}

// Envelope is what travels on an owner's inbox: the request and where to
// send the answer.
type Envelope struct {
	Request Request
	Reply   chan<- Response
}

// Error is a failed Response surfaced as a Go error.
type Error struct {
	Name    string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// Named errors keep their name and code when encoded into a Response.
type Named interface {
	error
	ErrorName() string
	ErrorCode() int
}

// OK builds a successful response. A nil result encodes as JSON null.
func OK(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return Fail(id, fmt.Errorf("failed to encode result: %w", err))
	}
	return Response{ID: id, OK: true, Result: data}
}

// Fail builds an error response.
func Fail(id string, err error) Response {
	resp := Response{ID: id, OK: false, Error: err.Error(), ErrorName: "UnknownError"}
	var named Named
	if errors.As(err, &named) {
		resp.ErrorName = named.ErrorName()
		resp.ErrorCode = named.ErrorCode()
		if m, ok := named.(interface{ ErrorMessage() string }); ok {
			resp.Error = m.ErrorMessage()
		}
	}
	return resp
}

// Decode unmarshals a request payload into v.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Client sends requests to one owner and routes replies back to callers by
// correlation id.
type Client struct {
	inbox   chan<- Envelope
	replies chan Response

	mu      sync.Mutex
	pending map[string]chan Response

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(inbox chan<- Envelope) *Client {
	c := &Client{
		inbox:   inbox,
		replies: make(chan Response, 16),
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func (c *Client) dispatch() {
	for {
		select {
		case resp := <-c.replies:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case <-c.done:
			return
		}
	}
}

// Do sends req and waits for its response. An empty id is filled in.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	select {
	case c.inbox <- Envelope{Request: req, Reply: c.replies}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.done:
		return Response{}, ErrClosed
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.done:
		return Response{}, ErrClosed
	}
}

// Call marshals payload, performs the request and unmarshals the result
// into out when out is non-nil.
func (c *Client) Call(ctx context.Context, action, table string, payload, out any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", action, err)
		}
		raw = data
	}
	resp, err := c.Do(ctx, Request{Action: action, Table: table, Payload: raw})
	if err != nil {
		return err
	}
	if !resp.OK {
		return &Error{Name: resp.ErrorName, Code: resp.ErrorCode, Message: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", action, err)
	}
	return nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
