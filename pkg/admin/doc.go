// Package admin exposes a running processor to operators over HTTP.
//
// The processor's store is held exclusively by the serve process, so every
// operator command goes through this API instead of opening the store. The
// server and client both use fasthttp.
//
// Routes:
//
//	GET    /healthz
//	GET    /v1/status
//	POST   /v1/pause
//	POST   /v1/resume
//	GET    /v1/parked
//	POST   /v1/batches                      enqueue an engine.Batch
//	GET    /v1/batches/{id}/retry           404 when there is no retry state
//	GET    /v1/batches/{id}/outcome         404 while unresolved
//	GET    /v1/batches/{id}/action
//	POST   /v1/batches/{id}/confirm         {"from": ..., "payload": ...}
//	GET    /v1/queues/{priority}?from=&to=&order=asc|desc
//	GET    /v1/queues/{priority}/length
//	POST   /v1/queues/{priority}/insert?index=
//	POST   /v1/queues/{priority}/tick
//	DELETE /v1/queues/{priority}/{index}
//	GET    /v1/journal/deliveries?execution_id=&status=&limit=&offset=
//	GET    /v1/journal/events?execution_id=&type=&limit=&offset=
//	GET    /v1/journal/audit?action=&actor=&limit=&offset=
//
// Engine errors are returned with their class and code. Configuration and
// queue errors map to 400, out-of-bounds positions to 404, confirmations for
// batches that are not parked to 409 and confirmations from the wrong sender
// to 403. Mutations are written to the journal's audit trail with the actor
// taken from the X-Actor header.
package admin
