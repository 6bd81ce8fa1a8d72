package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/internal/stream"
	"github.com/relaycore/relay/model"
)

// heartbeatInterval paces keepalive frames on an idle stream.
const heartbeatInterval = 15 * time.Second

// initStream registers the server-sent event stream on the given router.
func initStream(apiRouter *mux.Router, context *Context) {
	addContext := func(handler contextHandlerFunc, scope model.Scope) *contextHandler {
		return newContextHandler(context, scope, handler)
	}

	apiRouter.Handle("/stream", addContext(handleStreamEvents, model.ScopeStream)).Methods("GET")
}

// handleStreamEvents responds to GET /api/stream with a server-sent event
// stream of admitted events matching the caller's filter. Delivery is best
// effort; the stream is not durable.
func handleStreamEvents(c *Context, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(c, w, model.NewProblem(http.StatusInternalServerError, model.ErrorCodeInternal, "streaming is not supported by the connection"))
		return
	}

	filter := &stream.Filter{
		EventTypes:     r.URL.Query()["event_type"],
		Sources:        r.URL.Query()["source"],
		SubscriptionID: r.URL.Query().Get("subscription_id"),
	}

	subscriber := c.Broker.Subscribe(filter)
	defer c.Broker.Unsubscribe(subscriber)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	echo, err := json.Marshal(struct {
		RequestID      string   `json:"request_id"`
		EventTypes     []string `json:"event_types,omitempty"`
		Sources        []string `json:"sources,omitempty"`
		SubscriptionID string   `json:"subscription_id,omitempty"`
	}{c.RequestID, filter.EventTypes, filter.Sources, filter.SubscriptionID})
	if err != nil {
		c.Logger.WithError(err).Error("failed to encode stream filter echo")
		return
	}
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", echo)
	flusher.Flush()

	c.Logger.Debug("stream client connected")

	heartbeats := time.NewTicker(heartbeatInterval)
	defer heartbeats.Stop()

	for {
		select {
		case <-r.Context().Done():
			c.Logger.Debug("stream client disconnected")
			return

		case <-subscriber.Done():
			return

		case envelope := <-subscriber.Events():
			payload, err := envelope.ToJSON()
			if err != nil {
				c.Logger.WithError(err).Error("failed to encode stream envelope")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: event\ndata: %s\n\n", envelope.ID, payload)
			flusher.Flush()

		case <-heartbeats.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
