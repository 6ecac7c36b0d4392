package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/queue"
	"github.com/openfroyo/processor/pkg/stores"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Address is the admin API address, e.g. "127.0.0.1:7420" or a full URL.
	Address string

	// Actor is sent with mutations and recorded in the audit trail.
	Actor string

	// Timeout bounds a single request. Defaults to 10s.
	Timeout time.Duration

	// HTTPClient overrides the fasthttp client, mostly for tests.
	HTTPClient *fasthttp.Client
}

// Client talks to a running processor's admin API.
type Client struct {
	base    string
	actor   string
	timeout time.Duration
	client  *fasthttp.Client
}

// APIError is a non-2xx response. Engine errors keep their class and code
// so errors.Is matches the engine sentinels.
type APIError struct {
	Status  int
	Message string
	Err     *engine.EngineError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
}

// Unwrap returns the engine error, if any.
func (e *APIError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// NotFound reports whether the response was 404.
func (e *APIError) NotFound() bool {
	return e.Status == fasthttp.StatusNotFound
}

// NewClient creates an admin client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("admin address is required")
	}
	base := strings.TrimRight(cfg.Address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &fasthttp.Client{Name: "processor-cli"}
	}
	return &Client{
		base:    base,
		actor:   cfg.Actor,
		timeout: cfg.Timeout,
		client:  client,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := c.base + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("admin request %s %s failed: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		var er ErrorResponse
		_ = json.Unmarshal(resp.Body(), &er)
		apiErr := &APIError{Status: status, Message: er.Error}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(resp.Body()))
		}
		if er.Class != "" {
			apiErr.Err = &engine.EngineError{
				Class:   engine.ErrorClass(er.Class),
				Code:    er.Code,
				Message: er.Error,
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, fasthttp.MethodGet, "/healthz", nil, nil, nil)
}

// Status summarizes the processor.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue admits a batch.
func (c *Client) Enqueue(ctx context.Context, b engine.Batch) error {
	return c.do(ctx, fasthttp.MethodPost, "/v1/batches", nil, b, nil)
}

// Pause stops ticking.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, fasthttp.MethodPost, "/v1/pause", nil, nil, nil)
}

// Resume re-enables ticking.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, fasthttp.MethodPost, "/v1/resume", nil, nil, nil)
}

// QueueLength returns the length of a priority queue.
func (c *Client) QueueLength(ctx context.Context, p engine.Priority) (uint64, error) {
	var out LengthResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/queues/"+string(p)+"/length", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Length, nil
}

// ListPending returns batches at positions [from, to). A nil to lists to the
// end of the queue.
func (c *Client) ListPending(ctx context.Context, p engine.Priority, from uint64, to *uint64, order queue.Order) ([]engine.Batch, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	if to != nil {
		q.Set("to", strconv.FormatUint(*to, 10))
	}
	if order == queue.Descending {
		q.Set("order", "desc")
	}

	var out []engine.Batch
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/queues/"+string(p), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertAt places a batch at a position of its priority queue.
func (c *Client) InsertAt(ctx context.Context, index uint64, b engine.Batch) error {
	q := url.Values{}
	q.Set("index", strconv.FormatUint(index, 10))
	return c.do(ctx, fasthttp.MethodPost, "/v1/queues/"+string(b.Priority)+"/insert", q, b, nil)
}

// EvictAt removes the batch at a queue position.
func (c *Client) EvictAt(ctx context.Context, p engine.Priority, index uint64) (*engine.Batch, error) {
	var out engine.Batch
	path := "/v1/queues/" + string(p) + "/" + strconv.FormatUint(index, 10)
	if err := c.do(ctx, fasthttp.MethodDelete, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tick performs one step on a priority queue.
func (c *Client) Tick(ctx context.Context, p engine.Priority) (*TickResponse, error) {
	var out TickResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/queues/"+string(p)+"/tick", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListParked returns batches waiting for a callback confirmation.
func (c *Client) ListParked(ctx context.Context) ([]engine.ParkedBatch, error) {
	var out []engine.ParkedBatch
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/parked", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RetryState returns the retry state of a batch, or nil when it has none.
func (c *Client) RetryState(ctx context.Context, id uint64) (*engine.RetryState, error) {
	var out engine.RetryState
	err := c.do(ctx, fasthttp.MethodGet, batchPath(id, "retry"), nil, nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Outcome returns the persisted callback of a resolved batch, or nil.
func (c *Client) Outcome(ctx context.Context, id uint64) (*engine.Callback, error) {
	var out engine.Callback
	err := c.do(ctx, fasthttp.MethodGet, batchPath(id, "outcome"), nil, nil, &out)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ActionIndex returns the next function of a non-atomic batch.
func (c *Client) ActionIndex(ctx context.Context, id uint64) (uint64, error) {
	var out ActionIndexResponse
	if err := c.do(ctx, fasthttp.MethodGet, batchPath(id, "action"), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Index, nil
}

// Confirm delivers a callback confirmation for a parked batch.
func (c *Client) Confirm(ctx context.Context, id uint64, from, payload string) (*TickResponse, error) {
	var out TickResponse
	req := ConfirmRequest{From: from, Payload: payload}
	if err := c.do(ctx, fasthttp.MethodPost, batchPath(id, "confirm"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JournalQuery filters journal listings. Zero values match everything.
type JournalQuery struct {
	ExecutionID *uint64
	Type        string // events: event type; deliveries: delivery status; audit: action
	Actor       string // audit only
	Limit       int
	Offset      int
}

func (q JournalQuery) values(typeKey string) url.Values {
	v := url.Values{}
	if q.ExecutionID != nil {
		v.Set("execution_id", strconv.FormatUint(*q.ExecutionID, 10))
	}
	if q.Type != "" {
		v.Set(typeKey, q.Type)
	}
	if q.Actor != "" {
		v.Set("actor", q.Actor)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// Deliveries lists callback delivery attempts.
func (c *Client) Deliveries(ctx context.Context, q JournalQuery) ([]*stores.Delivery, error) {
	var out []*stores.Delivery
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/journal/deliveries", q.values("status"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events lists engine events.
func (c *Client) Events(ctx context.Context, q JournalQuery) ([]*stores.Event, error) {
	var out []*stores.Event
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/journal/events", q.values("type"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Audit lists operator actions.
func (c *Client) Audit(ctx context.Context, q JournalQuery) ([]*stores.AuditEntry, error) {
	var out []*stores.AuditEntry
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/journal/audit", q.values("action"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func batchPath(id uint64, leaf string) string {
	return "/v1/batches/" + strconv.FormatUint(id, 10) + "/" + leaf
}

func notFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.NotFound()
}
