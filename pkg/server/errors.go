package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ensemble-ai/ensemble/pkg/conversations"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/monitor"
	"github.com/ensemble-ai/ensemble/pkg/providers"
)

// StatusClientClosedRequest is the nginx convention for caller-initiated
// cancellation; there is no stdlib constant for it.
const StatusClientClosedRequest = 499

type errorBody struct {
	Error string   `json:"error"`
	Tried []string `json:"tried,omitempty"`
}

// writeError maps internal failures onto the HTTP surface: caller-fixable
// problems are 4xx, operator-fixable ones are 5xx, exhaustion reports the
// rotation it tried.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var exhausted *providers.ExhaustedError
	var argErr *extensions.ArgumentError
	var provErr *providers.Error

	switch {
	case errors.As(err, &exhausted):
		status = http.StatusServiceUnavailable
		body.Tried = exhausted.Tried
	case errors.Is(err, monitor.ErrBusy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, extensions.ErrCommandUnknown),
		errors.Is(err, extensions.ErrCommandDisabled),
		errors.As(err, &argErr),
		errors.Is(err, providers.ErrNoCandidates):
		status = http.StatusBadRequest
	case errors.As(err, &provErr):
		if provErr.Kind == providers.Fatal {
			status = http.StatusBadGateway
		} else {
			status = http.StatusServiceUnavailable
		}
	case errors.Is(err, context.Canceled):
		status = StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, conversations.ErrNotFound),
		errors.Is(err, conversations.ErrMessageMissing):
		status = http.StatusNotFound
	case errors.Is(err, conversations.ErrNameTaken):
		status = http.StatusConflict
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
