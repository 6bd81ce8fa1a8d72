package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/model"
)

// initEvents registers event endpoints on the given router.
func initEvents(apiRouter *mux.Router, context *Context) {
	addContext := func(handler contextHandlerFunc, scope model.Scope) *contextHandler {
		return newContextHandler(context, scope, handler)
	}

	eventsRouter := apiRouter.PathPrefix("/events").Subrouter()
	eventsRouter.Handle("", addContext(handleListEvents, model.ScopeRead)).Methods("GET")
	eventsRouter.Handle("", addContext(handlePublishEvent, model.ScopeWrite)).Methods("POST")
	eventsRouter.Handle("/batch", addContext(handlePublishEventBatch, model.ScopeWrite)).Methods("POST")

	eventRouter := apiRouter.PathPrefix("/event/{event:evt_[0-9A-Z]{26}}").Subrouter()
	eventRouter.Handle("", addContext(handleGetEvent, model.ScopeRead)).Methods("GET")
	eventRouter.Handle("/replay", addContext(handleReplayEvent, model.ScopeWrite)).Methods("POST")
	eventRouter.Handle("/deliveries", addContext(handleGetEventDeliveries, model.ScopeRead)).Methods("GET")
}

// handlePublishEvent responds to POST /api/events, admitting a single event.
func handlePublishEvent(c *Context, w http.ResponseWriter, r *http.Request) {
	request, err := model.NewPublishEventRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}

	if fieldErrors := request.Validate(); fieldErrors != nil {
		writeProblem(c, w, model.NewValidationProblem("invalid event", fieldErrors))
		return
	}

	event, err := c.Ingestor.PublishEvent(r.Context(), request, c.APIKey.ID)
	if err != nil {
		if conflict, ok := err.(*model.IdempotencyConflictError); ok {
			problem := model.NewProblem(http.StatusConflict, model.ErrorCodeConflict, conflict.Error())
			problem.ExistingEventID = conflict.ExistingEventID
			writeProblem(c, w, problem)
			return
		}
		writeInternalError(c, w, err, "failed to admit event")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	outputJSON(c, w, event)
}

// handlePublishEventBatch responds to POST /api/events/batch, admitting up to
// 100 events independently. Mixed outcomes return 207.
func handlePublishEventBatch(c *Context, w http.ResponseWriter, r *http.Request) {
	request, err := model.NewBatchPublishRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}

	response, err := c.Ingestor.PublishBatch(r.Context(), request, c.APIKey.ID)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	status := http.StatusOK
	if response.Failed > 0 {
		status = http.StatusMultiStatus
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	outputJSON(c, w, response)
}

// handleListEvents responds to GET /api/events, returning a cursor-paginated
// page of events.
func handleListEvents(c *Context, w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL, "limit", 0)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	filter := &model.EventFilter{
		EventType: r.URL.Query().Get("event_type"),
		Source:    r.URL.Query().Get("source"),
		Status:    model.EventStatus(r.URL.Query().Get("status")),
		Cursor:    r.URL.Query().Get("cursor"),
		Limit:     limit,
	}
	if filter.Cursor != "" {
		if _, err = model.DecodeCursor(filter.Cursor); err != nil {
			writeProblem(c, w, model.NewValidationProblem("invalid cursor", nil))
			return
		}
	}

	page, err := c.Ingestor.ListEvents(filter)
	if err != nil {
		writeInternalError(c, w, err, "failed to list events")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, page)
}

// handleGetEvent responds to GET /api/event/{event}, returning the event in question.
func handleGetEvent(c *Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventID := vars["event"]
	c.Logger = c.Logger.WithField("event", eventID)

	event, err := c.Ingestor.GetEvent(eventID)
	if err != nil {
		writeInternalError(c, w, err, "failed to query event")
		return
	}
	if event == nil {
		writeNotFound(c, w, "no such event")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, event)
}

// handleReplayEvent responds to POST /api/event/{event}/replay, resetting a
// terminal event to pending and re-enqueueing it.
func handleReplayEvent(c *Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventID := vars["event"]
	c.Logger = c.Logger.WithField("event", eventID)

	event, err := c.Ingestor.GetEvent(eventID)
	if err != nil {
		writeInternalError(c, w, err, "failed to query event")
		return
	}
	if event == nil {
		writeNotFound(c, w, "no such event")
		return
	}
	if !event.Status.IsTerminal() {
		writeProblem(c, w, model.NewProblem(http.StatusConflict, model.ErrorCodeConflict, "event is not in a terminal status"))
		return
	}

	event, err = c.Ingestor.ReplayEvent(r.Context(), eventID)
	if err != nil {
		writeInternalError(c, w, err, "failed to replay event")
		return
	}
	if event == nil {
		writeNotFound(c, w, "no such event")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	outputJSON(c, w, event)
}

// handleGetEventDeliveries responds to GET /api/event/{event}/deliveries,
// returning the delivery rows fanned out for the event.
func handleGetEventDeliveries(c *Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventID := vars["event"]
	c.Logger = c.Logger.WithField("event", eventID)

	paging, err := parsePaging(r.URL)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	deliveries, err := c.Store.GetDeliveries(&model.DeliveryFilter{
		EventID: eventID,
		Paging:  paging,
	})
	if err != nil {
		writeInternalError(c, w, err, "failed to query deliveries")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, deliveries)
}
