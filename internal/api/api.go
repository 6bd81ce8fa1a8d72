// Package api implements the HTTP API of the relay server.
package api

import "github.com/gorilla/mux"

// Register registers the API endpoints on the given router.
func Register(rootRouter *mux.Router, context *Context) {
	apiRouter := rootRouter.PathPrefix("/api").Subrouter()

	initEvents(apiRouter, context)
	initSubscriptions(apiRouter, context)
	initInbox(apiRouter, context)
	initDLQ(apiRouter, context)
	initStream(apiRouter, context)
	initSecurity(apiRouter, context)
	initHealth(apiRouter, context)
}
