package api

import (
	"net/http"

	"github.com/relaycore/relay/model"
)

type contextHandlerFunc func(c *Context, w http.ResponseWriter, r *http.Request)

type contextHandler struct {
	context *Context
	scope   model.Scope
	handler contextHandlerFunc
}

func (h contextHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	context := h.context.Clone()
	context.RequestID = model.NewID("req_")
	context.Logger = context.Logger.
		WithField("path", r.URL.Path).
		WithField("request", context.RequestID)

	// An empty scope marks an unauthenticated endpoint such as health.
	if h.scope != "" && !authenticateRequest(context, w, r, h.scope) {
		return
	}

	h.handler(context, w, r)
}

func newContextHandler(context *Context, scope model.Scope, handler contextHandlerFunc) *contextHandler {
	return &contextHandler{
		context: context,
		scope:   scope,
		handler: handler,
	}
}
