/*
Package resp writes the relay's JSON response envelope: a business code, a message and optional data.
*/
package resp

import (
	"encoding/json"
	"net/http"

	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
)

// JSONResponse is the envelope of every API response.
type JSONResponse struct {
	// Code is 0 on success, otherwise an errs code.
	Code int `json:"code"`

	// Message is the client-facing status description.
	Message string `json:"message"`

	// Data is the optional payload.
	Data any `json:"data,omitempty"`
}

// RespondJSON marshals payload and writes it with httpStatus.
func RespondJSON(w http.ResponseWriter, r *http.Request, httpStatus int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	response, err := json.Marshal(payload)
	if err != nil {
		logx.Error(
			err,
			"Error encoding JSON response",
			"http_status", httpStatus,
			"path", r.URL.Path,
		)

		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(httpStatus)
	_, _ = w.Write(response)
}

// RespondSuccess writes data with HTTP 200.
func RespondSuccess(w http.ResponseWriter, r *http.Request, data any) {
	RespondStatus(w, r, http.StatusOK, data)
}

// RespondStatus writes data as a successful response with the given status, e.g. 201.
func RespondStatus(w http.ResponseWriter, r *http.Request, status int, data any) {
	RespondJSON(w, r, status, JSONResponse{Code: 0, Message: "success", Data: data})
}

// RespondError writes err with the HTTP status of its business code. Foreign errors become ErrUnknown.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	customErr := errs.From(err)
	if customErr == nil {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	RespondJSON(w, r, customErr.Status, JSONResponse{
		Code:    customErr.Code,
		Message: customErr.Message,
	})
}
