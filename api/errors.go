package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

var (
	errConflict         = errors.New("username or email already exists")
	errAuthentication   = errors.New("invalid username or password")
	errNotAuthenticated = errors.New("not authenticated")
	errForbidden        = errors.New("task belongs to another user")
	errNotFound         = errors.New("task not found")
)

// Messages shown to clients. Both authentication failure causes share one
// message, and a conflict never says which field collided.
const (
	msgConflict         = "Oh no! That username and/or email already exist."
	msgAuthentication   = "Invalid username or password."
	msgNotAuthenticated = "You need to login first."
	msgForbidden        = "That task belongs to another user."
	msgNotFound         = "Sorry that page does not exist."
	msgInternal         = "Something went terribly wrong."
	msgInvalidInput     = "Please correct the highlighted fields."
)

// validationError carries field level messages. It is returned before any
// write happens.
type validationError struct {
	Fields map[string]string
}

func (e *validationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

func composeJSONError(msg string, fields map[string]string) string {
	jsonError := map[string]any{
		"error": msg,
	}
	if len(fields) > 0 {
		jsonError["fields"] = fields
	}
	result, err := json.Marshal(jsonError)
	if err != nil {
		return ""
	}
	return string(result)
}

func writeError(w http.ResponseWriter, msg string, statusCode int) {
	writeErrorFields(w, msg, nil, statusCode)
}

func writeErrorFields(w http.ResponseWriter, msg string, fields map[string]string, statusCode int) {
	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	fmt.Fprintln(w, composeJSONError(msg, fields))
}

// writeCoreError maps an error returned by the session manager or the task
// engine onto a response. Anything unrecognised is logged and hidden.
func (app *application) writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		writeErrorFields(w, msgInvalidInput, verr.Fields, http.StatusUnprocessableEntity)
	case errors.Is(err, errConflict):
		writeError(w, msgConflict, http.StatusConflict)
	case errors.Is(err, errAuthentication):
		writeError(w, msgAuthentication, http.StatusUnauthorized)
	case errors.Is(err, errNotAuthenticated):
		writeError(w, msgNotAuthenticated, http.StatusUnauthorized)
	case errors.Is(err, errForbidden):
		writeError(w, msgForbidden, http.StatusForbidden)
	case errors.Is(err, errNotFound):
		writeError(w, msgNotFound, http.StatusNotFound)
	default:
		app.serverError(w, r, err)
	}
}

func (app *application) serverError(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, msgInternal, http.StatusInternalServerError)
}
