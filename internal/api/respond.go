package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/middleware"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.New(apperr.KindInvalidRequest, "request body too large")
		case errors.Is(err, io.EOF):
			return apperr.New(apperr.KindInvalidRequest, "request body is empty")
		default:
			return apperr.Wrap(apperr.KindInvalidRequest, "invalid JSON", err)
		}
	}
	return nil
}
