package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Client is the programmatic interface to the relay server API.
type Client struct {
	address    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client to the relay server at the given address.
func NewClient(address, apiKey string) *Client {
	return &Client{
		address:    address,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// closeBody ensures the Body of an http.Response is properly closed.
func closeBody(r *http.Response) {
	if r.Body != nil {
		_, _ = io.ReadAll(r.Body)
		_ = r.Body.Close()
	}
}

func (c *Client) buildURL(urlPath string, args ...interface{}) string {
	return fmt.Sprintf("%s%s", c.address, fmt.Sprintf(urlPath, args...))
}

// do executes the request, retrying transient failures. 429 responses honor
// Retry-After; 5xx responses back off exponentially.
func (c *Client) do(method, u string, request interface{}) (*http.Response, error) {
	var body []byte
	if request != nil {
		var err error
		body, err = json.Marshal(request)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
	}

	var resp *http.Response
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpRequest, err := http.NewRequest(method, u, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			httpRequest.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err = c.httpClient.Do(httpRequest)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Second
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
			closeBody(resp)
			// Honor the server's pacing before the next try; the backoff
			// policy only adds its own delay on top of this.
			time.Sleep(retryAfter)
			return errors.Errorf("server returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			closeBody(resp)
			return errors.Errorf("server returned status %d", resp.StatusCode)
		}

		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doGet(u string) (*http.Response, error) {
	return c.do(http.MethodGet, u, nil)
}

func (c *Client) doPost(u string, request interface{}) (*http.Response, error) {
	return c.do(http.MethodPost, u, request)
}

func (c *Client) doPatch(u string, request interface{}) (*http.Response, error) {
	return c.do(http.MethodPatch, u, request)
}

func (c *Client) doDelete(u string) (*http.Response, error) {
	return c.do(http.MethodDelete, u, nil)
}

// errorFromResponse decodes the problem envelope of a failed response.
func errorFromResponse(resp *http.Response) error {
	var problem Problem
	if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil || problem.Status == 0 {
		return errors.Errorf("failed with status code %d", resp.StatusCode)
	}
	return &problem
}

// PublishEvent admits a single event.
func (c *Client) PublishEvent(request *PublishEventRequest) (*Event, error) {
	resp, err := c.doPost(c.buildURL("/api/events"), request)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		return EventFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// PublishEventBatch admits up to 100 events in one call.
func (c *Client) PublishEventBatch(request *BatchPublishRequest) (*BatchPublishResponse, error) {
	resp, err := c.doPost(c.buildURL("/api/events/batch"), request)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
		return NewBatchPublishResponseFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// GetEvent fetches the specified event.
func (c *Client) GetEvent(eventID string) (*Event, error) {
	resp, err := c.doGet(c.buildURL("/api/event/%s", eventID))
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return EventFromReader(resp.Body)
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, errorFromResponse(resp)
	}
}

// ListEvents fetches a cursor-paginated page of events.
func (c *Client) ListEvents(filter *EventFilter) (*ListEventsPage, error) {
	u, err := url.Parse(c.buildURL("/api/events"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if filter.EventType != "" {
		q.Add("event_type", filter.EventType)
	}
	if filter.Source != "" {
		q.Add("source", filter.Source)
	}
	if filter.Status != "" {
		q.Add("status", string(filter.Status))
	}
	if filter.Cursor != "" {
		q.Add("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		q.Add("limit", strconv.Itoa(filter.Limit))
	}
	u.RawQuery = q.Encode()

	resp, err := c.doGet(u.String())
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return NewListEventsPageFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// ReplayEvent resets a terminal event to pending and re-enqueues it.
func (c *Client) ReplayEvent(eventID string) (*Event, error) {
	resp, err := c.doPost(c.buildURL("/api/event/%s/replay", eventID), nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return EventFromReader(resp.Body)
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, errorFromResponse(resp)
	}
}

// GetEventDeliveries fetches the delivery records of the specified event.
func (c *Client) GetEventDeliveries(eventID string, paging Paging) ([]*Delivery, error) {
	u, err := url.Parse(c.buildURL("/api/event/%s/deliveries", eventID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	paging.AddToQuery(q)
	u.RawQuery = q.Encode()

	resp, err := c.doGet(u.String())
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return DeliveriesFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// GetSubscriptionDeliveries fetches the delivery records of the specified
// subscription.
func (c *Client) GetSubscriptionDeliveries(subscriptionID string, paging Paging) ([]*Delivery, error) {
	u, err := url.Parse(c.buildURL("/api/subscription/%s/deliveries", subscriptionID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	paging.AddToQuery(q)
	u.RawQuery = q.Encode()

	resp, err := c.doGet(u.String())
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return DeliveriesFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// CreateSubscription registers a new webhook subscription. The signing
// secret appears in this response and on rotation only.
func (c *Client) CreateSubscription(request *CreateSubscriptionRequest) (*SubscriptionWithSecret, error) {
	resp, err := c.doPost(c.buildURL("/api/subscriptions"), request)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		return SubscriptionWithSecretFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// GetSubscription fetches the specified subscription.
func (c *Client) GetSubscription(subscriptionID string) (*Subscription, error) {
	resp, err := c.doGet(c.buildURL("/api/subscription/%s", subscriptionID))
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return SubscriptionFromReader(resp.Body)
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, errorFromResponse(resp)
	}
}

// ListSubscriptions fetches subscriptions matching the filter.
func (c *Client) ListSubscriptions(filter *SubscriptionsFilter) ([]*Subscription, error) {
	u, err := url.Parse(c.buildURL("/api/subscriptions"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	filter.Paging.AddToQuery(q)
	if filter.EventType != "" {
		q.Add("event_type", filter.EventType)
	}
	if filter.Status != "" {
		q.Add("status", string(filter.Status))
	}
	u.RawQuery = q.Encode()

	resp, err := c.doGet(u.String())
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return SubscriptionsFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// UpdateSubscription applies the given partial update to the subscription.
func (c *Client) UpdateSubscription(subscriptionID string, request *UpdateSubscriptionRequest) (*Subscription, error) {
	resp, err := c.doPatch(c.buildURL("/api/subscription/%s", subscriptionID), request)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return SubscriptionFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// PauseSubscription stops deliveries for the subscription.
func (c *Client) PauseSubscription(subscriptionID string) (*Subscription, error) {
	resp, err := c.doPost(c.buildURL("/api/subscription/%s/pause", subscriptionID), nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return SubscriptionFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// ResumeSubscription resumes deliveries for a paused or disabled subscription.
func (c *Client) ResumeSubscription(subscriptionID string) (*Subscription, error) {
	resp, err := c.doPost(c.buildURL("/api/subscription/%s/resume", subscriptionID), nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return SubscriptionFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// RotateSubscriptionSecret replaces the signing secret, returning the new one
// in the response body.
func (c *Client) RotateSubscriptionSecret(subscriptionID string) (*SubscriptionWithSecret, error) {
	resp, err := c.doPost(c.buildURL("/api/subscription/%s/rotate-secret", subscriptionID), nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return SubscriptionWithSecretFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// DeleteSubscription soft-deletes the specified subscription.
func (c *Client) DeleteSubscription(subscriptionID string) error {
	resp, err := c.doDelete(c.buildURL("/api/subscription/%s", subscriptionID))
	if err != nil {
		return err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	default:
		return errorFromResponse(resp)
	}
}

// FetchInbox leases up to limit pending events to this consumer.
func (c *Client) FetchInbox(limit, visibilityTimeout int, eventTypes, sources []string) (*InboxFetchResponse, error) {
	u, err := url.Parse(c.buildURL("/api/inbox"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if limit > 0 {
		q.Add("limit", strconv.Itoa(limit))
	}
	if visibilityTimeout > 0 {
		q.Add("visibility_timeout", strconv.Itoa(visibilityTimeout))
	}
	for _, eventType := range eventTypes {
		q.Add("event_type", eventType)
	}
	for _, source := range sources {
		q.Add("source", source)
	}
	u.RawQuery = q.Encode()

	resp, err := c.doGet(u.String())
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return NewInboxFetchResponseFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// AckInbox acknowledges a leased event by its receipt handle.
func (c *Client) AckInbox(receiptHandle string) error {
	resp, err := c.doPost(c.buildURL("/api/inbox/ack"), &BatchAckRequest{ReceiptHandles: []string{receiptHandle}})
	if err != nil {
		return err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return errorFromResponse(resp)
	}
}

// GetInboxStats fetches pull-queue statistics.
func (c *Client) GetInboxStats() (*InboxStats, error) {
	resp, err := c.doGet(c.buildURL("/api/inbox/stats"))
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return NewInboxStatsFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// ListDLQ fetches a filtered page of the dead-letter queue.
func (c *Client) ListDLQ(limit, offset int, eventType, source string) (*DLQPage, error) {
	u, err := url.Parse(c.buildURL("/api/dlq"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Add("limit", strconv.Itoa(limit))
	q.Add("offset", strconv.Itoa(offset))
	if eventType != "" {
		q.Add("event_type", eventType)
	}
	if source != "" {
		q.Add("source", source)
	}
	u.RawQuery = q.Encode()

	resp, err := c.doGet(u.String())
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return NewDLQPageFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// GetDLQStats fetches dead-letter queue statistics.
func (c *Client) GetDLQStats() (*DLQStats, error) {
	resp, err := c.doGet(c.buildURL("/api/dlq/stats"))
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return NewDLQStatsFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// RetryDLQ re-queues the specified dead-letter entry.
func (c *Client) RetryDLQ(eventID string) error {
	resp, err := c.doPost(c.buildURL("/api/dlq/%s/retry", eventID), nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	default:
		return errorFromResponse(resp)
	}
}

// DismissDLQ removes the specified dead-letter entry without re-queueing.
func (c *Client) DismissDLQ(eventID string) error {
	resp, err := c.doDelete(c.buildURL("/api/dlq/%s", eventID))
	if err != nil {
		return err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	default:
		return errorFromResponse(resp)
	}
}

// PurgeDLQ deletes the entire dead-letter queue.
func (c *Client) PurgeDLQ() error {
	resp, err := c.doDelete(c.buildURL("/api/dlq?confirm=true"))
	if err != nil {
		return err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	default:
		return errorFromResponse(resp)
	}
}

// CreateAPIKey provisions a new credential; the raw key is returned once.
func (c *Client) CreateAPIKey(request *CreateAPIKeyRequest) (*CreateAPIKeyResponse, error) {
	resp, err := c.doPost(c.buildURL("/api/security/apikeys"), request)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		return NewCreateAPIKeyResponseFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// ListAPIKeys fetches all credentials.
func (c *Client) ListAPIKeys() ([]*APIKey, error) {
	resp, err := c.doGet(c.buildURL("/api/security/apikeys"))
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return APIKeysFromReader(resp.Body)
	default:
		return nil, errorFromResponse(resp)
	}
}

// RevokeAPIKey revokes the specified credential.
func (c *Client) RevokeAPIKey(keyID string) error {
	resp, err := c.doDelete(c.buildURL("/api/security/apikey/%s", keyID))
	if err != nil {
		return err
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	default:
		return errorFromResponse(resp)
	}
}

// StreamEvents opens the live event stream and invokes handler for every
// event envelope received, blocking until the context is canceled or the
// server closes the stream. Heartbeats and the connected preamble are
// consumed silently.
func (c *Client) StreamEvents(ctx context.Context, eventTypes, sources []string, handler func(*EventEnvelope) error) error {
	query := url.Values{}
	for _, eventType := range eventTypes {
		query.Add("event_type", eventType)
	}
	for _, source := range sources {
		query.Add("source", source)
	}

	u := c.buildURL("/api/stream")
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build stream request")
	}
	httpRequest.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// The stream is long-lived, so it bypasses the timeout-bound client.
	resp, err := (&http.Client{}).Do(httpRequest)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	reader := bufio.NewReader(resp.Body)
	var frameEvent, frameData string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if frameEvent == "event" && frameData != "" {
				envelope, err := EnvelopeFromJSON([]byte(frameData))
				if err != nil {
					return errors.Wrap(err, "failed to decode stream envelope")
				}
				if err = handler(envelope); err != nil {
					return err
				}
			}
			frameEvent, frameData = "", ""
		case strings.HasPrefix(line, "event:"):
			frameEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			frameData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}
