package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/openfroyo/processor/pkg/engine"
)

// DeliveryIDHeader carries a unique id for every delivery attempt so the
// authorizer can deduplicate.
const DeliveryIDHeader = "X-Delivery-ID"

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	// URL is the authorizer's callback handler.
	URL string

	// Timeout bounds a single delivery. Defaults to 5s.
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// Client overrides the HTTP client, mostly for tests.
	Client *fasthttp.Client
}

// WebhookSink posts callbacks to the authorizer as JSON.
type WebhookSink struct {
	url     string
	timeout time.Duration
	headers map[string]string
	client  *fasthttp.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &fasthttp.Client{
			Name:         "processor-callback",
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}
	}
	return &WebhookSink{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// Payload is the JSON body of a webhook delivery.
type Payload struct {
	DeliveryID  string                 `json:"delivery_id"`
	ExecutionID uint64                 `json:"execution_id"`
	Result      engine.ExecutionResult `json:"result"`
	Height      uint64                 `json:"height"`
	EmittedAt   time.Time              `json:"emitted_at"`
}

// Deliver implements engine.CallbackSink. Any non-2xx response is an error.
func (s *WebhookSink) Deliver(ctx context.Context, cb engine.Callback) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("callback not posted: %w", err)
	}

	deliveryID := DeliveryIDFromContext(ctx)
	if deliveryID == "" {
		deliveryID = uuid.New().String()
	}

	body, err := json.Marshal(Payload{
		DeliveryID:  deliveryID,
		ExecutionID: cb.ExecutionID,
		Result:      cb.Result,
		Height:      cb.Height,
		EmittedAt:   cb.EmittedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(DeliveryIDHeader, deliveryID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("callback not posted: %w", context.DeadlineExceeded)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("failed to post callback: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return fmt.Errorf("authorizer responded with status %d", status)
	}
	return nil
}

// Name identifies the sink in the journal.
func (s *WebhookSink) Name() string { return "webhook" }
