package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"automoth/internal/imaging"
	"automoth/internal/metadata"
	"automoth/internal/scheduling"
	"automoth/internal/storage"
)

// Client talks to a running daemon.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

func NewClient(addr, token string) (*Client, error) {
	raw := strings.TrimSpace(addr)
	if raw == "" {
		raw = DefaultAddr
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("api address %q: %w", addr, err)
	}
	return &Client{base: u, token: strings.TrimSpace(token), http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Error is a non-2xx response. It unwraps to the matching domain
// sentinel so callers can use errors.Is.
type Error struct {
	Status  int
	Code    string
	Message string
	Verdict *scheduling.Verdict
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error {
	switch e.Code {
	case "conflict":
		return scheduling.ErrConflictRejected
	case "session_active":
		return scheduling.ErrSessionActive
	case "no_active_session":
		return scheduling.ErrNoActiveSession
	case "not_found":
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			eb.Error = resp.Status
		}
		return &Error{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error, Verdict: eb.Verdict}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	return out, c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
}

func (c *Client) Start(ctx context.Context, req StartRequest) (imaging.Status, error) {
	var out imaging.Status
	return out, c.do(ctx, http.MethodPost, "/v1/session/start", req, &out)
}

func (c *Client) Stop(ctx context.Context) (imaging.Status, error) {
	var out imaging.Status
	return out, c.do(ctx, http.MethodPost, "/v1/session/stop", nil, &out)
}

func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResponse, error) {
	var out ScheduleResponse
	return out, c.do(ctx, http.MethodPost, "/v1/pending", req, &out)
}

func (c *Client) Cancel(ctx context.Context, code int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/pending/%d", code), nil, nil)
}

func (c *Client) Pending(ctx context.Context) ([]scheduling.Pending, error) {
	var out []scheduling.Pending
	return out, c.do(ctx, http.MethodGet, "/v1/pending", nil, &out)
}

func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	return out, c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out)
}

func (c *Client) Session(ctx context.Context, id int64) (Session, error) {
	var out Session
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sessions/%d", id), nil, &out)
}

func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/sessions/%d", id), nil, nil)
}

func (c *Client) Images(ctx context.Context, sessionID int64) ([]Image, error) {
	var out []Image
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sessions/%d/images", sessionID), nil, &out)
}

func (c *Client) DeleteImage(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/images/%d", id), nil, nil)
}

func (c *Client) Metadata(ctx context.Context, sessionID int64) ([]MetadataEntry, error) {
	var out []MetadataEntry
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sessions/%d/metadata", sessionID), nil, &out)
}

// SetMetadata sets one entry from text; an empty value clears a field.
func (c *Client) SetMetadata(ctx context.Context, sessionID int64, field, value string) error {
	path := fmt.Sprintf("/v1/sessions/%d/metadata/%s", sessionID, field)
	return c.do(ctx, http.MethodPut, path, SetValueRequest{Value: value}, nil)
}

// Rename changes a session's name.
func (c *Client) Rename(ctx context.Context, sessionID int64, name string) error {
	return c.SetMetadata(ctx, sessionID, metadata.EntryName, name)
}

func (c *Client) Fields(ctx context.Context) ([]metadata.Field, error) {
	var out []metadata.Field
	return out, c.do(ctx, http.MethodGet, "/v1/fields", nil, &out)
}

func (c *Client) AddField(ctx context.Context, name, typ string) (metadata.Field, error) {
	var out metadata.Field
	return out, c.do(ctx, http.MethodPost, "/v1/fields", FieldRequest{Name: name, Type: typ}, &out)
}

func (c *Client) RenameField(ctx context.Context, oldName, newName string) error {
	return c.do(ctx, http.MethodPut, "/v1/fields/"+oldName, FieldRequest{Name: newName}, nil)
}

func (c *Client) DeleteField(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/fields/"+name, nil, nil)
}

func (c *Client) Defaults(ctx context.Context) (imaging.Settings, error) {
	var out imaging.Settings
	return out, c.do(ctx, http.MethodGet, "/v1/defaults", nil, &out)
}

func (c *Client) SetDefaults(ctx context.Context, s imaging.Settings) (imaging.Settings, error) {
	var out imaging.Settings
	return out, c.do(ctx, http.MethodPut, "/v1/defaults", s, &out)
}

// StreamEvent is an event as received over the websocket; Data is left
// raw because its shape depends on Type.
type StreamEvent struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Events calls fn for every streamed event until ctx ends or the
// connection drops. types filters by event type.
func (c *Client) Events(ctx context.Context, types []string, fn func(StreamEvent)) error {
	u := *c.base.JoinPath("/v1/events")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	for _, t := range types {
		q.Add("type", t)
	}
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("event stream: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var e StreamEvent
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		fn(e)
	}
}
