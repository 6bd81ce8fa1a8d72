package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/internal/dlq"
	"github.com/relaycore/relay/model"
)

// initDLQ registers dead-letter queue endpoints on the given router.
func initDLQ(apiRouter *mux.Router, context *Context) {
	addContext := func(handler contextHandlerFunc, scope model.Scope) *contextHandler {
		return newContextHandler(context, scope, handler)
	}

	dlqRouter := apiRouter.PathPrefix("/dlq").Subrouter()
	dlqRouter.Handle("", addContext(handleListDLQ, model.ScopeRead)).Methods("GET")
	dlqRouter.Handle("", addContext(handlePurgeDLQ, model.ScopeAdmin)).Methods("DELETE")
	dlqRouter.Handle("/stats", addContext(handleDLQStats, model.ScopeRead)).Methods("GET")
	dlqRouter.Handle("/retry", addContext(handleRetryDLQBatch, model.ScopeWrite)).Methods("POST")
	dlqRouter.Handle("/dismiss", addContext(handleDismissDLQBatch, model.ScopeWrite)).Methods("POST")
	dlqRouter.Handle("/{event:evt_[0-9A-Z]{26}}/retry", addContext(handleRetryDLQ, model.ScopeWrite)).Methods("POST")
	dlqRouter.Handle("/{event:evt_[0-9A-Z]{26}}", addContext(handleDismissDLQ, model.ScopeWrite)).Methods("DELETE")
}

// handleListDLQ responds to GET /api/dlq, returning a filtered page of the
// dead-letter list.
func handleListDLQ(c *Context, w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL, "limit", 0)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}
	offset, err := parseInt(r.URL, "offset", 0)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	page, err := c.DLQ.List(r.Context(), &dlq.ListFilter{
		EventType: r.URL.Query().Get("event_type"),
		Source:    r.URL.Query().Get("source"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeInternalError(c, w, err, "failed to list dead-letter entries")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, page)
}

// handleDLQStats responds to GET /api/dlq/stats.
func handleDLQStats(c *Context, w http.ResponseWriter, r *http.Request) {
	stats, err := c.DLQ.Stats(r.Context())
	if err != nil {
		writeInternalError(c, w, err, "failed to gather dead-letter stats")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, stats)
}

// handleRetryDLQ responds to POST /api/dlq/{event}/retry, requeueing the
// named event for another pass through the pipeline.
func handleRetryDLQ(c *Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventID := vars["event"]
	c.Logger = c.Logger.WithField("event", eventID)

	retried, err := c.DLQ.Retry(r.Context(), eventID)
	if err != nil {
		writeInternalError(c, w, err, "failed to retry dead-letter entry")
		return
	}
	if !retried {
		writeNotFound(c, w, "event not found in dead-letter queue")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleDismissDLQ responds to DELETE /api/dlq/{event}, removing the entry
// without requeueing.
func handleDismissDLQ(c *Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventID := vars["event"]
	c.Logger = c.Logger.WithField("event", eventID)

	dismissed, err := c.DLQ.Dismiss(r.Context(), eventID)
	if err != nil {
		writeInternalError(c, w, err, "failed to dismiss dead-letter entry")
		return
	}
	if !dismissed {
		writeNotFound(c, w, "event not found in dead-letter queue")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRetryDLQBatch responds to POST /api/dlq/retry.
func handleRetryDLQBatch(c *Context, w http.ResponseWriter, r *http.Request) {
	eventIDs, ok := parseDLQBatch(c, w, r)
	if !ok {
		return
	}

	response := c.DLQ.RetryBatch(r.Context(), eventIDs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, response)
}

// handleDismissDLQBatch responds to POST /api/dlq/dismiss.
func handleDismissDLQBatch(c *Context, w http.ResponseWriter, r *http.Request) {
	eventIDs, ok := parseDLQBatch(c, w, r)
	if !ok {
		return
	}

	response := c.DLQ.DismissBatch(r.Context(), eventIDs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, response)
}

// handlePurgeDLQ responds to DELETE /api/dlq?confirm=true, dropping the whole
// dead-letter list.
func handlePurgeDLQ(c *Context, w http.ResponseWriter, r *http.Request) {
	confirm, err := parseBool(r.URL, "confirm", false)
	if err != nil || !confirm {
		writeProblem(c, w, model.NewValidationProblem("confirm=true is required to purge the dead-letter queue", nil))
		return
	}

	purged, err := c.DLQ.Purge(r.Context())
	if err != nil {
		writeInternalError(c, w, err, "failed to purge dead-letter queue")
		return
	}
	c.Logger.WithField("purged", purged).Info("purged dead-letter queue")

	w.WriteHeader(http.StatusNoContent)
}

func parseDLQBatch(c *Context, w http.ResponseWriter, r *http.Request) ([]string, bool) {
	request, err := model.NewDLQBatchRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return nil, false
	}
	if len(request.EventIDs) == 0 {
		writeProblem(c, w, model.NewValidationProblem("at least one event id must be set", nil))
		return nil, false
	}

	return request.EventIDs, true
}
