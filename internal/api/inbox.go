package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/internal/inbox"
	"github.com/relaycore/relay/model"
)

// initInbox registers pull-consumer endpoints on the given router.
func initInbox(apiRouter *mux.Router, context *Context) {
	addContext := func(handler contextHandlerFunc, scope model.Scope) *contextHandler {
		return newContextHandler(context, scope, handler)
	}

	inboxRouter := apiRouter.PathPrefix("/inbox").Subrouter()
	inboxRouter.Handle("", addContext(handleFetchInbox, model.ScopeInbox)).Methods("GET")
	inboxRouter.Handle("/ack", addContext(handleAckInbox, model.ScopeInbox)).Methods("POST")
	inboxRouter.Handle("/visibility", addContext(handleChangeVisibility, model.ScopeInbox)).Methods("POST")
	inboxRouter.Handle("/stats", addContext(handleInboxStats, model.ScopeInbox)).Methods("GET")
}

// handleFetchInbox responds to GET /api/inbox, leasing up to limit pending
// events to the calling consumer.
func handleFetchInbox(c *Context, w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL, "limit", 0)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}
	visibilityTimeout, err := parseInt(r.URL, "visibility_timeout", 0)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}
	wait, err := parseInt(r.URL, "wait", 0)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	request := &inbox.FetchRequest{
		Limit:             limit,
		VisibilityTimeout: visibilityTimeout,
		EventTypes:        r.URL.Query()["event_type"],
		Sources:           r.URL.Query()["source"],
		WaitSecs:          wait,
		ConsumerID:        c.APIKey.ID,
	}

	messages, err := c.Inbox.Fetch(r.Context(), request)
	if err != nil {
		writeInternalError(c, w, err, "failed to fetch inbox messages")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, &model.InboxFetchResponse{Messages: messages})
}

// handleAckInbox responds to POST /api/inbox/ack. A single handle returns 204
// or 404; multiple handles return a per-handle result list.
func handleAckInbox(c *Context, w http.ResponseWriter, r *http.Request) {
	request, err := model.NewBatchAckRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}
	if len(request.ReceiptHandles) == 0 {
		writeProblem(c, w, model.NewValidationProblem("at least one receipt handle must be set", nil))
		return
	}
	if len(request.ReceiptHandles) > model.MaxInboxLimit {
		writeProblem(c, w, model.NewValidationProblem("at most 100 receipt handles may be acknowledged at once", nil))
		return
	}

	if len(request.ReceiptHandles) == 1 {
		acked, err := c.Inbox.Ack(r.Context(), request.ReceiptHandles[0])
		if err != nil {
			writeInternalError(c, w, err, "failed to ack receipt handle")
			return
		}
		if !acked {
			writeNotFound(c, w, "receipt handle is unknown or expired")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response := c.Inbox.BatchAck(r.Context(), request.ReceiptHandles)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, response)
}

// handleChangeVisibility responds to POST /api/inbox/visibility, replacing the
// visibility deadline of a leased event.
func handleChangeVisibility(c *Context, w http.ResponseWriter, r *http.Request) {
	request, err := model.NewChangeVisibilityRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}
	if request.ReceiptHandle == "" {
		writeProblem(c, w, model.NewValidationProblem("receipt_handle must be set", nil))
		return
	}

	visibleAt, ok, err := c.Inbox.ChangeVisibility(r.Context(), request.ReceiptHandle, request.VisibilityTimeout)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}
	if !ok {
		writeNotFound(c, w, "receipt handle is unknown or expired")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, struct {
		ReceiptHandle string `json:"receipt_handle"`
		VisibleAt     int64  `json:"visible_at"`
	}{request.ReceiptHandle, visibleAt})
}

// handleInboxStats responds to GET /api/inbox/stats.
func handleInboxStats(c *Context, w http.ResponseWriter, r *http.Request) {
	stats, err := c.Inbox.Stats()
	if err != nil {
		writeInternalError(c, w, err, "failed to gather inbox stats")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, stats)
}
