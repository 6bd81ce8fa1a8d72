package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/model"
)

// secretRotationGraceMillis is how long the previous signing secret keeps
// verifying after a rotation.
const secretRotationGraceMillis = 24 * 60 * 60 * 1000

// initSubscriptions registers subscription endpoints on the given router.
func initSubscriptions(apiRouter *mux.Router, context *Context) {
	addContext := func(handler contextHandlerFunc, scope model.Scope) *contextHandler {
		return newContextHandler(context, scope, handler)
	}

	subscriptionsRouter := apiRouter.PathPrefix("/subscriptions").Subrouter()
	subscriptionsRouter.Handle("", addContext(handleGetSubscriptions, model.ScopeRead)).Methods("GET")
	subscriptionsRouter.Handle("", addContext(handleCreateSubscription, model.ScopeWrite)).Methods("POST")

	subscriptionRouter := apiRouter.PathPrefix("/subscription/{subscription:sub_[0-9A-Z]{26}}").Subrouter()
	subscriptionRouter.Handle("", addContext(handleGetSubscription, model.ScopeRead)).Methods("GET")
	subscriptionRouter.Handle("", addContext(handleUpdateSubscription, model.ScopeWrite)).Methods("PATCH")
	subscriptionRouter.Handle("", addContext(handleDeleteSubscription, model.ScopeWrite)).Methods("DELETE")
	subscriptionRouter.Handle("/pause", addContext(handlePauseSubscription, model.ScopeWrite)).Methods("POST")
	subscriptionRouter.Handle("/resume", addContext(handleResumeSubscription, model.ScopeWrite)).Methods("POST")
	subscriptionRouter.Handle("/rotate-secret", addContext(handleRotateSubscriptionSecret, model.ScopeWrite)).Methods("POST")
	subscriptionRouter.Handle("/deliveries", addContext(handleGetSubscriptionDeliveries, model.ScopeRead)).Methods("GET")
}

// handleCreateSubscription responds to POST /api/subscriptions, registering a
// new webhook subscription.
func handleCreateSubscription(c *Context, w http.ResponseWriter, r *http.Request) {
	request, err := model.NewCreateSubscriptionRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}

	subscription, err := request.ToSubscription()
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	if err = c.Store.CreateSubscription(subscription); err != nil {
		writeInternalError(c, w, err, "failed to create subscription")
		return
	}
	c.Logger.WithField("subscription", subscription.ID).Info("created subscription")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	outputJSON(c, w, &model.SubscriptionWithSecret{
		Subscription:  subscription,
		SigningSecret: subscription.SigningSecret,
	})
}

// handleGetSubscriptions responds to GET /api/subscriptions, returning the
// specified page of subscriptions.
func handleGetSubscriptions(c *Context, w http.ResponseWriter, r *http.Request) {
	paging, err := parsePaging(r.URL)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	filter := &model.SubscriptionsFilter{
		Paging:    paging,
		EventType: r.URL.Query().Get("event_type"),
		Status:    model.SubscriptionStatus(r.URL.Query().Get("status")),
	}

	subscriptions, err := c.Store.GetSubscriptions(filter)
	if err != nil {
		writeInternalError(c, w, err, "failed to query subscriptions")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, subscriptions)
}

// handleGetSubscription responds to GET /api/subscription/{subscription},
// returning the subscription in question.
func handleGetSubscription(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, subscription)
}

// handleUpdateSubscription responds to PATCH /api/subscription/{subscription},
// applying the non-nil fields of the request.
func handleUpdateSubscription(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	request, err := model.NewUpdateSubscriptionRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}

	if err = request.Apply(subscription); err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	if err = c.Store.UpdateSubscription(subscription); err != nil {
		writeInternalError(c, w, err, "failed to update subscription")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, subscription)
}

// handleDeleteSubscription responds to DELETE /api/subscription/{subscription},
// soft-deleting the subscription and cancelling its pending deliveries.
func handleDeleteSubscription(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	if err := c.Store.DeleteSubscription(subscription.ID); err != nil {
		writeInternalError(c, w, err, "failed to delete subscription")
		return
	}

	cancelled, err := c.Store.CancelPendingDeliveriesForSubscription(subscription.ID)
	if err != nil {
		c.Logger.WithError(err).Error("failed to cancel pending deliveries of deleted subscription")
	} else if cancelled > 0 {
		c.Logger.WithField("cancelled", cancelled).Info("cancelled pending deliveries of deleted subscription")
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePauseSubscription responds to POST /api/subscription/{subscription}/pause.
func handlePauseSubscription(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	if subscription.Status != model.SubscriptionStatusActive {
		writeProblem(c, w, model.NewProblem(http.StatusConflict, model.ErrorCodeConflict, "subscription is not active"))
		return
	}

	subscription.Status = model.SubscriptionStatusPaused
	if err := c.Store.UpdateSubscriptionStatus(subscription); err != nil {
		writeInternalError(c, w, err, "failed to pause subscription")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, subscription)
}

// handleResumeSubscription responds to POST /api/subscription/{subscription}/resume.
// Resuming a disabled subscription resets its failure counters.
func handleResumeSubscription(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	switch subscription.Status {
	case model.SubscriptionStatusPaused, model.SubscriptionStatusDisabled:
	default:
		writeProblem(c, w, model.NewProblem(http.StatusConflict, model.ErrorCodeConflict, "subscription is not paused or disabled"))
		return
	}

	subscription.Status = model.SubscriptionStatusActive
	subscription.IsHealthy = true
	subscription.ConsecutiveFailures = 0
	if err := c.Store.UpdateSubscriptionStatus(subscription); err != nil {
		writeInternalError(c, w, err, "failed to resume subscription")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, subscription)
}

// handleRotateSubscriptionSecret responds to POST
// /api/subscription/{subscription}/rotate-secret. The previous secret keeps
// verifying for the grace window but is never used for signing.
func handleRotateSubscriptionSecret(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	subscription.PreviousSigningSecret = subscription.SigningSecret
	subscription.PreviousSecretValidUntil = model.GetMillis() + secretRotationGraceMillis
	subscription.SigningSecret = model.NewSigningSecret()

	if err := c.Store.UpdateSubscription(subscription); err != nil {
		writeInternalError(c, w, err, "failed to rotate signing secret")
		return
	}
	c.Logger.Info("rotated subscription signing secret")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, &model.SubscriptionWithSecret{
		Subscription:  subscription,
		SigningSecret: subscription.SigningSecret,
	})
}

// handleGetSubscriptionDeliveries responds to GET
// /api/subscription/{subscription}/deliveries.
func handleGetSubscriptionDeliveries(c *Context, w http.ResponseWriter, r *http.Request) {
	subscription, ok := getSubscription(c, w, r)
	if !ok {
		return
	}

	paging, err := parsePaging(r.URL)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	deliveries, err := c.Store.GetDeliveries(&model.DeliveryFilter{
		SubscriptionID: subscription.ID,
		Status:         model.DeliveryStatus(r.URL.Query().Get("status")),
		Paging:         paging,
	})
	if err != nil {
		writeInternalError(c, w, err, "failed to query deliveries")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, deliveries)
}

// getSubscription loads the subscription named in the path, writing a 404 and
// returning false when it is absent or deleted.
func getSubscription(c *Context, w http.ResponseWriter, r *http.Request) (*model.Subscription, bool) {
	vars := mux.Vars(r)
	subscriptionID := vars["subscription"]
	c.Logger = c.Logger.WithField("subscription", subscriptionID)

	subscription, err := c.Store.GetSubscription(subscriptionID)
	if err != nil {
		writeInternalError(c, w, err, "failed to query subscription")
		return nil, false
	}
	if subscription == nil || subscription.IsDeleted() {
		writeNotFound(c, w, "no such subscription")
		return nil, false
	}

	return subscription, true
}
