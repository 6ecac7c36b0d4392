package admin

import (
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/stores"
)

const defaultJournalLimit = 100

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
	Code  string `json:"code,omitempty"`
}

// StatusResponse summarizes the processor.
type StatusResponse struct {
	Version string                     `json:"version,omitempty"`
	Paused  bool                       `json:"paused"`
	Queues  map[engine.Priority]uint64 `json:"queues"`
	Parked  int                        `json:"parked"`
	Journal bool                       `json:"journal"`
}

// ConfirmRequest delivers a callback confirmation for a parked batch.
type ConfirmRequest struct {
	From    string `json:"from"`
	Payload string `json:"payload"`
}

// TickResponse reports the effect of a tick or confirmation.
type TickResponse struct {
	engine.TickReport
	DeliveryError string `json:"delivery_error,omitempty"`
}

// ActionIndexResponse is the next function of a non-atomic batch.
type ActionIndexResponse struct {
	ExecutionID uint64 `json:"execution_id"`
	Index       uint64 `json:"index"`
}

// LengthResponse is the number of batches in a queue.
type LengthResponse struct {
	Priority engine.Priority `json:"priority"`
	Length   uint64          `json:"length"`
}

func newTickResponse(r *engine.TickReport) TickResponse {
	resp := TickResponse{TickReport: *r}
	if r.DeliveryErr != nil {
		resp.DeliveryError = r.DeliveryErr.Error()
	}
	return resp
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.journal != nil {
		if err := s.journal.HealthCheck(ctx); err != nil {
			writeError(ctx, fasthttp.StatusServiceUnavailable, "journal unhealthy: "+err.Error())
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	paused, err := s.proc.Paused(ctx)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	resp := StatusResponse{
		Version: s.version,
		Paused:  paused,
		Queues:  make(map[engine.Priority]uint64, 3),
		Journal: s.journal != nil,
	}
	for _, p := range engine.Priorities() {
		n, err := s.proc.QueueLength(ctx, p)
		if err != nil {
			writeEngineError(ctx, err)
			return
		}
		resp.Queues[p] = n
	}
	parked, err := s.proc.ListParked(ctx)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	resp.Parked = len(parked)
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handlePause(ctx *fasthttp.RequestCtx, pause bool) {
	action := "processor.resume"
	var err error
	if pause {
		action = "processor.pause"
		err = s.proc.Pause(ctx)
	} else {
		err = s.proc.Resume(ctx)
	}
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	s.audit(ctx, action, "", nil)
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"paused": pause})
}

func (s *Server) handleEnqueue(ctx *fasthttp.RequestCtx) {
	var b engine.Batch
	if !decodeBody(ctx, &b) {
		return
	}
	if b.Priority == "" {
		b.Priority = engine.PriorityMedium
	}
	if err := s.proc.Enqueue(ctx, b.ExecutionID, b.Priority, b.Subroutine); err != nil {
		writeEngineError(ctx, err)
		return
	}
	s.audit(ctx, "batch.enqueue", strconv.FormatUint(b.ExecutionID, 10), map[string]interface{}{
		"priority":  b.Priority,
		"kind":      b.Subroutine.Kind,
		"functions": len(b.Subroutine.Functions),
	})
	writeJSON(ctx, fasthttp.StatusCreated, map[string]uint64{"execution_id": b.ExecutionID})
}

func (s *Server) handleRetryState(ctx *fasthttp.RequestCtx, id uint64) {
	st, err := s.proc.RetryState(ctx, id)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	if st == nil {
		writeError(ctx, fasthttp.StatusNotFound, "no retry state")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, st)
}

func (s *Server) handleOutcome(ctx *fasthttp.RequestCtx, id uint64) {
	cb, err := s.proc.Outcome(ctx, id)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	if cb == nil {
		writeError(ctx, fasthttp.StatusNotFound, "batch is not resolved")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, cb)
}

func (s *Server) handleActionIndex(ctx *fasthttp.RequestCtx, id uint64) {
	idx, err := s.proc.ActionIndex(ctx, id)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, ActionIndexResponse{ExecutionID: id, Index: idx})
}

func (s *Server) handleConfirm(ctx *fasthttp.RequestCtx, id uint64) {
	var req ConfirmRequest
	if !decodeBody(ctx, &req) {
		return
	}
	report, err := s.proc.ConfirmCallback(ctx, id, req.From, []byte(req.Payload))
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	s.audit(ctx, "batch.confirm", strconv.FormatUint(id, 10), map[string]string{
		"from":   req.From,
		"action": string(report.Action),
	})
	writeJSON(ctx, fasthttp.StatusOK, newTickResponse(report))
}

func (s *Server) handleParked(ctx *fasthttp.RequestCtx) {
	parked, err := s.proc.ListParked(ctx)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	if parked == nil {
		parked = []engine.ParkedBatch{}
	}
	writeJSON(ctx, fasthttp.StatusOK, parked)
}

func (s *Server) handleListPending(ctx *fasthttp.RequestCtx, p engine.Priority) {
	order, err := parseOrder(string(ctx.QueryArgs().Peek("order")))
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	from, err := queryUint(ctx, "from", 0)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	length, err := s.proc.QueueLength(ctx, p)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	to, err := queryUint(ctx, "to", length)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	batches, err := s.proc.ListPending(ctx, p, from, to, order)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	if batches == nil {
		batches = []engine.Batch{}
	}
	writeJSON(ctx, fasthttp.StatusOK, batches)
}

func (s *Server) handleQueueLength(ctx *fasthttp.RequestCtx, p engine.Priority) {
	n, err := s.proc.QueueLength(ctx, p)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, LengthResponse{Priority: p, Length: n})
}

func (s *Server) handleInsert(ctx *fasthttp.RequestCtx, p engine.Priority) {
	index, err := queryUint(ctx, "index", 0)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if len(ctx.QueryArgs().Peek("index")) == 0 {
		writeError(ctx, fasthttp.StatusBadRequest, "index is required")
		return
	}

	var b engine.Batch
	if !decodeBody(ctx, &b) {
		return
	}
	b.Priority = p
	if err := s.proc.InsertAt(ctx, index, b); err != nil {
		writeEngineError(ctx, err)
		return
	}
	s.audit(ctx, "queue.insert", strconv.FormatUint(b.ExecutionID, 10), map[string]interface{}{
		"priority": p,
		"index":    index,
	})
	writeJSON(ctx, fasthttp.StatusCreated, map[string]uint64{"execution_id": b.ExecutionID, "index": index})
}

func (s *Server) handleEvict(ctx *fasthttp.RequestCtx, p engine.Priority, index uint64) {
	b, err := s.proc.EvictAt(ctx, p, index)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	s.audit(ctx, "queue.evict", strconv.FormatUint(b.ExecutionID, 10), map[string]interface{}{
		"priority": p,
		"index":    index,
	})
	writeJSON(ctx, fasthttp.StatusOK, b)
}

func (s *Server) handleTick(ctx *fasthttp.RequestCtx, p engine.Priority) {
	report, err := s.proc.Tick(ctx, p)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	if report.Action != engine.TickIdle && report.Action != engine.TickPaused {
		s.audit(ctx, "queue.tick", strconv.FormatUint(report.ExecutionID, 10), map[string]string{
			"priority": string(p),
			"action":   string(report.Action),
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, newTickResponse(report))
}

// journalPage reads the limit and offset query arguments.
func journalPage(ctx *fasthttp.RequestCtx) (limit, offset int, ok bool) {
	l, err := queryUint(ctx, "limit", defaultJournalLimit)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	o, err := queryUint(ctx, "offset", 0)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return int(l), int(o), true
}

func optionalExecutionID(ctx *fasthttp.RequestCtx) (*uint64, bool) {
	if len(ctx.QueryArgs().Peek("execution_id")) == 0 {
		return nil, true
	}
	id, err := queryUint(ctx, "execution_id", 0)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return nil, false
	}
	return &id, true
}

func optionalString(ctx *fasthttp.RequestCtx, name string) *string {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return nil
	}
	v := string(raw)
	return &v
}

func (s *Server) handleDeliveries(ctx *fasthttp.RequestCtx) {
	limit, offset, ok := journalPage(ctx)
	if !ok {
		return
	}
	id, ok := optionalExecutionID(ctx)
	if !ok {
		return
	}
	var status *stores.DeliveryStatus
	if raw := optionalString(ctx, "status"); raw != nil {
		st := stores.DeliveryStatus(*raw)
		status = &st
	}

	out, err := s.journal.ListDeliveries(ctx, id, status, limit, offset)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []*stores.Delivery{}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleEvents(ctx *fasthttp.RequestCtx) {
	limit, offset, ok := journalPage(ctx)
	if !ok {
		return
	}
	id, ok := optionalExecutionID(ctx)
	if !ok {
		return
	}

	out, err := s.journal.GetEvents(ctx, stores.EventFilter{
		ExecutionID: id,
		Type:        optionalString(ctx, "type"),
	}, limit, offset)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []*stores.Event{}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleAudit(ctx *fasthttp.RequestCtx) {
	limit, offset, ok := journalPage(ctx)
	if !ok {
		return
	}

	out, err := s.journal.ListAuditEntries(ctx, optionalString(ctx, "action"), optionalString(ctx, "actor"), limit, offset)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []*stores.AuditEntry{}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}
