package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/queue"
	"github.com/openfroyo/processor/pkg/stores"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// ActorHeader names the operator performing a mutation. It is recorded in
// the audit trail.
const ActorHeader = "X-Actor"

const defaultActor = "admin-api"

// Config wires a Server.
type Config struct {
	Processor *engine.Processor

	// Journal backs the journal endpoints and the audit trail. Optional.
	Journal stores.Store

	Logger  *telemetry.Logger
	Version string
}

// Server exposes the processor to operators over HTTP.
type Server struct {
	proc    *engine.Processor
	journal stores.Store
	logger  *telemetry.Logger
	version string
	srv     *fasthttp.Server
}

// NewServer creates an admin server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	s := &Server{
		proc:    cfg.Processor,
		journal: cfg.Journal,
		logger:  cfg.Logger.NewComponentLogger("admin"),
		version: cfg.Version,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "processor-admin",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        30 * time.Second,
		MaxRequestBodySize: 4 * 1024 * 1024,
	}
	return s, nil
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("address", ln.Addr().String()).Info("Admin API listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		if err := s.srv.Shutdown(); err != nil {
			return fmt.Errorf("failed to shut down admin API: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler returns the request router.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.route(ctx)
		s.logger.
			WithField("method", string(ctx.Method())).
			WithField("path", string(ctx.Path())).
			WithField("status", ctx.Response.StatusCode()).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("Admin request")
	}
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	parts := strings.Split(strings.Trim(string(ctx.Path()), "/"), "/")

	if len(parts) == 1 && parts[0] == "healthz" && method == fasthttp.MethodGet {
		s.handleHealth(ctx)
		return
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(ctx, fasthttp.StatusNotFound, "not found")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && method == fasthttp.MethodGet:
		s.handleStatus(ctx)
	case len(parts) == 2 && parts[1] == "pause" && method == fasthttp.MethodPost:
		s.handlePause(ctx, true)
	case len(parts) == 2 && parts[1] == "resume" && method == fasthttp.MethodPost:
		s.handlePause(ctx, false)
	case len(parts) == 2 && parts[1] == "parked" && method == fasthttp.MethodGet:
		s.handleParked(ctx)
	case len(parts) == 2 && parts[1] == "batches" && method == fasthttp.MethodPost:
		s.handleEnqueue(ctx)

	case len(parts) == 4 && parts[1] == "batches":
		id, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid execution id")
			return
		}
		switch {
		case parts[3] == "retry" && method == fasthttp.MethodGet:
			s.handleRetryState(ctx, id)
		case parts[3] == "outcome" && method == fasthttp.MethodGet:
			s.handleOutcome(ctx, id)
		case parts[3] == "action" && method == fasthttp.MethodGet:
			s.handleActionIndex(ctx, id)
		case parts[3] == "confirm" && method == fasthttp.MethodPost:
			s.handleConfirm(ctx, id)
		default:
			writeError(ctx, fasthttp.StatusNotFound, "not found")
		}

	case len(parts) >= 3 && parts[1] == "queues":
		priority := engine.Priority(parts[2])
		if err := priority.Validate(); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}
		switch {
		case len(parts) == 3 && method == fasthttp.MethodGet:
			s.handleListPending(ctx, priority)
		case len(parts) == 4 && parts[3] == "length" && method == fasthttp.MethodGet:
			s.handleQueueLength(ctx, priority)
		case len(parts) == 4 && parts[3] == "insert" && method == fasthttp.MethodPost:
			s.handleInsert(ctx, priority)
		case len(parts) == 4 && parts[3] == "tick" && method == fasthttp.MethodPost:
			s.handleTick(ctx, priority)
		case len(parts) == 4 && method == fasthttp.MethodDelete:
			index, err := strconv.ParseUint(parts[3], 10, 64)
			if err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "invalid queue index")
				return
			}
			s.handleEvict(ctx, priority, index)
		default:
			writeError(ctx, fasthttp.StatusNotFound, "not found")
		}

	case len(parts) == 3 && parts[1] == "journal" && method == fasthttp.MethodGet:
		if s.journal == nil {
			writeError(ctx, fasthttp.StatusServiceUnavailable, "journal is disabled")
			return
		}
		switch parts[2] {
		case "deliveries":
			s.handleDeliveries(ctx)
		case "events":
			s.handleEvents(ctx)
		case "audit":
			s.handleAudit(ctx)
		default:
			writeError(ctx, fasthttp.StatusNotFound, "not found")
		}

	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

// audit records an operator action. Failures are logged and never fail the
// request, which has already been committed.
func (s *Server) audit(ctx *fasthttp.RequestCtx, action, target string, details interface{}) {
	if s.journal == nil {
		return
	}
	actor := string(ctx.Request.Header.Peek(ActorHeader))
	if actor == "" {
		actor = defaultActor
	}

	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			d := string(b)
			entry.Details = &d
		}
	}

	if err := s.journal.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("action", action).Warn("Failed to record audit entry")
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	_ = json.NewEncoder(ctx).Encode(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	writeJSON(ctx, status, ErrorResponse{Error: message})
}

// writeEngineError maps an engine error class to an HTTP status.
func writeEngineError(ctx *fasthttp.RequestCtx, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrIndexOutOfBounds):
		status = fasthttp.StatusNotFound
	case errors.Is(err, engine.ErrNotPending):
		status = fasthttp.StatusConflict
	case errors.Is(err, engine.ErrSenderMismatch):
		status = fasthttp.StatusForbidden
	case errors.Is(err, engine.ErrAborted):
		status = fasthttp.StatusServiceUnavailable
	case ee.Class == engine.ErrorClassConfiguration, ee.Class == engine.ErrorClassQueue:
		status = fasthttp.StatusBadRequest
	}

	writeJSON(ctx, status, ErrorResponse{
		Error: err.Error(),
		Class: string(ee.Class),
		Code:  ee.Code,
	})
}

func decodeBody(ctx *fasthttp.RequestCtx, v interface{}) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryUint returns the named query argument, or def when it is absent.
func queryUint(ctx *fasthttp.RequestCtx, name string, def uint64) (uint64, error) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return def, nil
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func parseOrder(raw string) (queue.Order, error) {
	switch raw {
	case "", "asc", "ascending":
		return queue.Ascending, nil
	case "desc", "descending":
		return queue.Descending, nil
	default:
		return queue.Ascending, fmt.Errorf("invalid order: %q", raw)
	}
}
