// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/crucible-dev/crucible/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"error_type": errType,
	})
}

// writeServiceError maps domain errors onto HTTP statuses. Unrecognized
// errors are reported as 500 without leaking internals.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.IsStateTransition(err):
		writeError(w, http.StatusBadRequest, "state_transition", err.Error())
	case errors.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		var resErr *errors.ResourceError
		if errors.As(err, &resErr) {
			if resErr.Temporary {
				w.Header().Set("Retry-After", "10")
				writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			} else {
				writeError(w, http.StatusBadRequest, "resource", err.Error())
			}
			return
		}
		var execErr *errors.ExecutionError
		if errors.As(err, &execErr) {
			writeError(w, http.StatusBadRequest, "execution", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
