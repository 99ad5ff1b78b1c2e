package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/technosupport/licensegate/internal/apperr"
)

type errorBody struct {
	Error *apperr.Error `json:"error"`
}

// WriteError renders err as {"error":{"code","message"}} with the status
// mapped from its kind. Causes never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(ae.Kind))
	_ = json.NewEncoder(w).Encode(errorBody{Error: &apperr.Error{Kind: ae.Kind, Message: ae.Message}})
}
