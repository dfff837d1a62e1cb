package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"genie/internal/errs"
	"genie/internal/logging"
	"genie/internal/queue"
)

type Submitter interface {
	Submit(ctx context.Context, req queue.Request) (queue.Result, error)
}

type SubmitHandler struct {
	queue Submitter
}

func NewSubmitHandler(q Submitter) *SubmitHandler {
	return &SubmitHandler{queue: q}
}

// HandleSubmit runs one question through the dispatch queue. The response
// body always carries a message that can be shown to the user.
func (h *SubmitHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())

	var req queue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Error decoding submit request", "error", err)
		writeJSON(w, http.StatusBadRequest, queue.Result{
			State:   queue.StateRejected,
			Message: "I couldn't read that request.",
		})
		return
	}

	result, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		logger.Error("Submit failed", "error", err, "user_id", req.UserID, "state", result.State)
	}
	if result.Message == "" {
		result.Message = "Something went wrong. Please try again."
	}
	writeJSON(w, submitStatus(result, err), result)
}

func submitStatus(result queue.Result, err error) int {
	switch {
	case errs.Is(err, errs.CodeValidation):
		return http.StatusBadRequest
	case err != nil:
		return http.StatusInternalServerError
	case result.State == queue.StateDispatched:
		return http.StatusAccepted
	}
	return http.StatusOK
}

// statusFor maps an error code to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errs.Is(err, errs.CodeValidation):
		return http.StatusBadRequest
	case errs.Is(err, errs.CodeNotFound):
		return http.StatusNotFound
	case errs.Is(err, errs.CodeNotInitialized):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := statusFor(err)
	code := string(errs.CodeInternal)
	var e *errs.Error
	if errors.As(err, &e) {
		code = string(e.Code)
		if status != http.StatusInternalServerError {
			message = e.Message
		}
	}
	if status >= http.StatusInternalServerError {
		logging.LoggerFromContext(r.Context()).Error(message, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
