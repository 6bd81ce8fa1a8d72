package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/model"
)

// initSecurity registers credential management endpoints on the given router.
// All of them require the admin scope.
func initSecurity(apiRouter *mux.Router, context *Context) {
	addContext := func(handler contextHandlerFunc, scope model.Scope) *contextHandler {
		return newContextHandler(context, scope, handler)
	}

	securityRouter := apiRouter.PathPrefix("/security").Subrouter()
	securityRouter.Handle("/apikeys", addContext(handleGetAPIKeys, model.ScopeAdmin)).Methods("GET")
	securityRouter.Handle("/apikeys", addContext(handleCreateAPIKey, model.ScopeAdmin)).Methods("POST")
	securityRouter.Handle("/apikey/{key:key_[0-9A-Z]{26}}", addContext(handleRevokeAPIKey, model.ScopeAdmin)).Methods("DELETE")
}

// handleCreateAPIKey responds to POST /api/security/apikeys, provisioning a
// new credential. The raw key appears in this response and nowhere else.
func handleCreateAPIKey(c *Context, w http.ResponseWriter, r *http.Request) {
	request, err := model.NewCreateAPIKeyRequestFromReader(r.Body)
	if err != nil {
		writeProblem(c, w, model.NewValidationProblem("malformed request body", nil))
		return
	}
	if err = request.Validate(); err != nil {
		writeProblem(c, w, model.NewValidationProblem(err.Error(), nil))
		return
	}

	rawKey, err := auth.GenerateAPIKey(true)
	if err != nil {
		writeInternalError(c, w, err, "failed to generate api key")
		return
	}

	key := &model.APIKey{
		Name:      request.Name,
		KeyHash:   auth.HashKey(rawKey, c.ServerSecret),
		Scopes:    request.Scopes,
		IsActive:  true,
		ExpiresAt: request.ExpiresAt,
		RateLimit: request.RateLimit,
	}
	if err = c.Store.CreateAPIKey(key); err != nil {
		writeInternalError(c, w, err, "failed to create api key")
		return
	}
	c.Logger.WithField("key", key.ID).Info("created api key")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	outputJSON(c, w, &model.CreateAPIKeyResponse{
		Key:    key,
		RawKey: rawKey,
	})
}

// handleGetAPIKeys responds to GET /api/security/apikeys.
func handleGetAPIKeys(c *Context, w http.ResponseWriter, r *http.Request) {
	keys, err := c.Store.GetAPIKeys()
	if err != nil {
		writeInternalError(c, w, err, "failed to query api keys")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	outputJSON(c, w, keys)
}

// handleRevokeAPIKey responds to DELETE /api/security/apikey/{key}, revoking
// the credential and dropping it from the fast-path cache.
func handleRevokeAPIKey(c *Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	keyID := vars["key"]
	c.Logger = c.Logger.WithField("key", keyID)

	key, err := c.Store.GetAPIKey(keyID)
	if err != nil {
		writeInternalError(c, w, err, "failed to query api key")
		return
	}
	if key == nil {
		writeNotFound(c, w, "no such api key")
		return
	}

	if err = c.Store.RevokeAPIKey(keyID); err != nil {
		writeInternalError(c, w, err, "failed to revoke api key")
		return
	}
	c.Authenticator.Invalidate(r.Context(), key.KeyHash)
	c.Logger.Info("revoked api key")

	w.WriteHeader(http.StatusNoContent)
}
