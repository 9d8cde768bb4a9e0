package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coff33ninja/lanrage/internal/party"
)

// respondJSON sends a JSON response with the given status code and payload.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError maps an error kind to its HTTP status and the shared error
// envelope: {"error":{"code":"not_found","message":"..."}}.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, party.ErrorStatus(err), party.ErrorEnvelope{
		Error: party.ErrorBody{
			Code:    party.ErrorCode(err),
			Message: err.Error(),
		},
	})
}

// decodeJSON parses a request body into out; junk surfaces as ErrInvalid.
func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: bad request body", party.ErrInvalid)
	}
	return nil
}
