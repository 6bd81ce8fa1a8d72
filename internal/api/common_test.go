package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/internal/api"
	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/dlq"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/internal/inbox"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/stream"
	"github.com/relaycore/relay/internal/testlib"
	"github.com/relaycore/relay/model"
)

const testServerSecret = "test-server-secret"

type testContext struct {
	ts        *httptest.Server
	client    *model.Client
	sqlStore  *store.SQLStore
	fastStore *faststore.Store
	mr        *miniredis.Miniredis
	rawKey    string
}

// setupAPI stands up the full API over sqlite and miniredis, seeding one
// credential with the given scopes (admin when none are given).
func setupAPI(t *testing.T, scopes ...model.Scope) *testContext {
	logger := testlib.MakeLogger(t)

	sqlStore := store.MakeTestSQLStore(t, logger)
	t.Cleanup(func() {
		store.CloseConnection(t, sqlStore)
	})
	fastStore, mr := faststore.MakeTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rawKey := seedAPIKey(t, sqlStore, 0, scopes...)

	router := mux.NewRouter()
	api.Register(router, &api.Context{
		Store:            sqlStore,
		FastStore:        fastStore,
		Ingestor:         events.NewIngestor(sqlStore, fastStore, nil, logger),
		Inbox:            inbox.NewService(sqlStore, fastStore, logger),
		DLQ:              dlq.NewService(sqlStore, fastStore, logger),
		Broker:           stream.NewBroker(ctx, fastStore, logger),
		Authenticator:    auth.NewAuthenticator(sqlStore, fastStore, testServerSecret, logger),
		DefaultRateLimit: 100000,
		ServerSecret:     testServerSecret,
		StartedAt:        model.GetMillis(),
		Logger:           logger,
	})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testContext{
		ts:        ts,
		client:    model.NewClient(ts.URL, rawKey),
		sqlStore:  sqlStore,
		fastStore: fastStore,
		mr:        mr,
		rawKey:    rawKey,
	}
}

// seedAPIKey records a credential and returns its raw key.
func seedAPIKey(t *testing.T, sqlStore *store.SQLStore, rateLimit int, scopes ...model.Scope) string {
	if len(scopes) == 0 {
		scopes = []model.Scope{model.ScopeAdmin}
	}

	rawKey, err := auth.GenerateAPIKey(false)
	require.NoError(t, err)

	require.NoError(t, sqlStore.CreateAPIKey(&model.APIKey{
		Name:      "test",
		KeyHash:   auth.HashKey(rawKey, testServerSecret),
		Scopes:    scopes,
		IsActive:  true,
		RateLimit: rateLimit,
	}))

	return rawKey
}

// doRequest issues an authenticated request outside the model.Client, for
// endpoints the client does not cover or where its retries get in the way.
func (tc *testContext) doRequest(t *testing.T, method, path string, body interface{}) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequest(method, tc.ts.URL+path, reader)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+tc.rawKey)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	return resp
}

// publishTestEvent admits one event through the API and returns it.
func (tc *testContext) publishTestEvent(t *testing.T, eventType, source string) *model.Event {
	event, err := tc.client.PublishEvent(&model.PublishEventRequest{
		EventType: eventType,
		Source:    source,
		Data:      json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	require.NotNil(t, event)
	return event
}
