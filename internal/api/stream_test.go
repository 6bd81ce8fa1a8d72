package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

// readFrame consumes one SSE frame, returning its fields.
func readFrame(t *testing.T, reader *bufio.Reader) map[string]string {
	frame := map[string]string{}
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(frame) > 0 {
				return frame
			}
			continue
		}
		parts := strings.SplitN(line, ": ", 2)
		require.Len(t, parts, 2)
		frame[parts[0]] = parts[1]
	}
}

func TestStreamEvents(t *testing.T) {
	tc := setupAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.ts.URL+"/api/stream?event_type=user.*", nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+tc.rawKey)

	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	connected := readFrame(t, reader)
	require.Equal(t, "connected", connected["event"])

	var echo struct {
		RequestID  string   `json:"request_id"`
		EventTypes []string `json:"event_types"`
	}
	require.NoError(t, json.Unmarshal([]byte(connected["data"]), &echo))
	assert.NotEmpty(t, echo.RequestID)
	assert.Equal(t, []string{"user.*"}, echo.EventTypes)

	// Give the broker's pubsub loop a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)

	matching := &model.EventEnvelope{
		ID:        model.NewEventID(),
		EventType: "user.created",
		Source:    "auth",
		Data:      json.RawMessage(`{"user_id":"u1"}`),
		CreateAt:  model.GetMillis(),
	}
	require.NoError(t, tc.fastStore.PublishEnvelope(context.Background(), &model.EventEnvelope{
		ID:        model.NewEventID(),
		EventType: "order.paid",
		Source:    "billing",
		Data:      json.RawMessage(`{}`),
		CreateAt:  model.GetMillis(),
	}))
	require.NoError(t, tc.fastStore.PublishEnvelope(context.Background(), matching))

	// The order.paid envelope fails the filter, so the next event frame
	// must carry the user.created one.
	frame := readFrame(t, reader)
	for frame["event"] == "heartbeat" {
		frame = readFrame(t, reader)
	}
	require.Equal(t, "event", frame["event"])
	assert.Equal(t, matching.ID, frame["id"])

	received, err := model.EnvelopeFromJSON([]byte(frame["data"]))
	require.NoError(t, err)
	assert.Equal(t, "user.created", received.EventType)
	assert.Equal(t, "auth", received.Source)
}
