package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/relaycore/relay/model"
)

func outputJSON(c *Context, w io.Writer, o interface{}) {
	encoder := json.NewEncoder(w)
	err := encoder.Encode(o)
	if err != nil {
		c.Logger.WithError(err).Error("failed to encode result")
	}
}

// writeProblem emits an RFC 7807 problem response, stamping the request id.
func writeProblem(c *Context, w http.ResponseWriter, problem *model.Problem) {
	problem.RequestID = c.RequestID

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	outputJSON(c, w, problem)
}

func writeNotFound(c *Context, w http.ResponseWriter, detail string) {
	writeProblem(c, w, model.NewProblem(http.StatusNotFound, model.ErrorCodeNotFound, detail))
}

func writeInternalError(c *Context, w http.ResponseWriter, err error, detail string) {
	c.Logger.WithError(err).Error(detail)
	writeProblem(c, w, model.NewProblem(http.StatusInternalServerError, model.ErrorCodeInternal, detail))
}
