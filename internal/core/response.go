package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"blastengine/internal/types"
)

// maxRequestBodySize bounds admin API request bodies.
const maxRequestBodySize = 1 << 20

// APIErrorResponse is the error envelope.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the body of the error envelope.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with status. A marshal failure becomes a 500 envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(envelope(r, types.ErrCodeInternalUnexpected, "failed to marshal response", nil))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func envelope(r *http.Request, code types.ErrorCode, msg string, details map[string]any) APIErrorResponse {
	return APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   msg,
		Details:   details,
		RequestID: types.GetRequestID(r.Context()),
	}}
}

// Error writes the error envelope. AppErrors map to their code's status;
// anything else is a 500 whose message is not exposed.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		JSON(w, r, http.StatusInternalServerError, envelope(r, types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
		return
	}
	JSON(w, r, appErr.HTTPStatus(), envelope(r, appErr.Code, appErr.Message, appErr.Details))
}

// DecodeJSON strictly decodes a single JSON object from the body into dst.
// Every failure is a validation_invalid_json AppError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeFailure(err)
	}
	if dec.More() {
		return invalidJSON("request body must contain a single JSON object", nil, nil)
	}
	return nil
}

func invalidJSON(msg string, err error, details map[string]any) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, msg, err, details)
}

func decodeFailure(err error) *types.AppError {
	var (
		tooBig   *http.MaxBytesError
		syntax   *json.SyntaxError
		mismatch *json.UnmarshalTypeError
	)
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return invalidJSON("unknown field in request body: "+field, err, nil)
	}
	switch {
	case errors.Is(err, io.EOF):
		return invalidJSON("request body must not be empty", err, nil)
	case errors.As(err, &tooBig):
		return invalidJSON("request body must not exceed 1MB", err, nil)
	case errors.As(err, &syntax):
		return invalidJSON("malformed JSON in request body", err, map[string]any{"offset": syntax.Offset})
	case errors.As(err, &mismatch):
		return invalidJSON("invalid value for field", err, map[string]any{
			"field":    mismatch.Field,
			"expected": mismatch.Type.String(),
		})
	}
	return invalidJSON("invalid JSON in request body", err, nil)
}
