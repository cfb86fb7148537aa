package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type envelope map[string]any

func (app *application) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	heathCheck := envelope{
		"status":      "available",
		"environment": app.config.env,
		"version":     version,
	}
	if err := writeJSON(w, http.StatusOK, heathCheck, nil); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) registerUserHandler(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Confirm  string `json:"confirm"`
	}
	if err := readJSON(w, r, &input); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := app.sessions.register(r.Context(), input.Name, input.Email, input.Password, input.Confirm)
	if err != nil {
		app.writeCoreError(w, r, err)
		return
	}

	if app.mailer != nil {
		app.background(func() {
			if err := app.mailer.sendWelcome(u.Email, u.Name); err != nil {
				app.logger.Warn("send welcome email failed", slog.Int("user_id", u.ID), slog.String("error", err.Error()))
			}
		})
	}

	err = writeJSON(w, http.StatusCreated, envelope{
		"user":    u,
		"message": "Thanks for registering. Please login.",
	}, nil)
	if err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := readJSON(w, r, &input); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	v := newValidator()
	v.checkRequired(input.Name, "name")
	v.checkRequired(input.Password, "password")
	if err := v.toError(); err != nil {
		app.writeCoreError(w, r, err)
		return
	}

	id, token, expiresAt, err := app.sessions.login(r.Context(), input.Name, input.Password)
	if err != nil {
		app.writeCoreError(w, r, err)
		return
	}

	http.SetCookie(w, app.sessionCookie(token, expiresAt))
	err = writeJSON(w, http.StatusCreated, envelope{
		"user":       id,
		"token":      token,
		"expires_at": expiresAt,
		"message":    "You are logged in. Go crazy.",
	}, nil)
	if err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.sessions.logout(r.Context(), tokenFromRequest(r)); err != nil {
		app.serverError(w, r, err)
		return
	}
	http.SetCookie(w, app.sessionCookie("", time.Unix(0, 0)))
	if err := writeJSON(w, http.StatusOK, envelope{"message": "You are logged out. Bye."}, nil); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) currentSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, envelope{"user": getIdentityFromRequest(r)}, nil); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	views, err := app.tasks.listVisible(r.Context(), getIdentityFromRequest(r))
	if err != nil {
		app.writeCoreError(w, r, err)
		return
	}
	open := []taskView{}
	closed := []taskView{}
	for _, v := range views {
		if v.Status == statusOpen {
			open = append(open, v)
		} else {
			closed = append(closed, v)
		}
	}
	if err := writeJSON(w, http.StatusOK, envelope{"open_tasks": open, "closed_tasks": closed}, nil); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var input taskInput
	if err := readJSON(w, r, &input); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, err := app.tasks.create(r.Context(), getIdentityFromRequest(r), input)
	if err != nil {
		app.writeCoreError(w, r, err)
		return
	}

	headers := make(http.Header)
	headers.Set("Location", fmt.Sprintf("/v1/tasks/%d", t.ID))
	err = writeJSON(w, http.StatusCreated, envelope{
		"task":    t,
		"message": "New entry was successfully posted. Thanks.",
	}, headers)
	if err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) completeTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := readIDParam(r)
	if err != nil {
		writeError(w, msgNotFound, http.StatusNotFound)
		return
	}
	if err := app.tasks.complete(r.Context(), id, getIdentityFromRequest(r)); err != nil {
		app.writeCoreError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, envelope{"message": "The task was marked as complete. Nice."}, nil); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := readIDParam(r)
	if err != nil {
		writeError(w, msgNotFound, http.StatusNotFound)
		return
	}
	if err := app.tasks.delete(r.Context(), id, getIdentityFromRequest(r)); err != nil {
		app.writeCoreError(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, envelope{"message": "The task was deleted. Why not add a new one?"}, nil); err != nil {
		app.serverError(w, r, err)
	}
}

func (app *application) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, msgNotFound, http.StatusNotFound)
}

func (app *application) sessionCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   app.config.env == "production",
		SameSite: http.SameSiteLaxMode,
	}
}

func readIDParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 1 {
		return 0, errors.New("invalid id parameter")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data envelope, headers http.Header) error {
	js, err := json.Marshal(data)
	if err != nil {
		return err
	}
	for key, value := range headers {
		w.Header()[key] = value
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(js, '\n'))
	return nil
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxError *json.SyntaxError
		var typeError *json.UnmarshalTypeError
		var maxBytesError *http.MaxBytesError
		switch {
		case errors.As(err, &syntaxError):
			return fmt.Errorf("body contains badly-formed JSON (at character %d)", syntaxError.Offset)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return errors.New("body contains badly-formed JSON")
		case errors.As(err, &typeError):
			if typeError.Field != "" {
				return fmt.Errorf("body contains incorrect JSON type for field %q", typeError.Field)
			}
			return fmt.Errorf("body contains incorrect JSON type (at character %d)", typeError.Offset)
		case errors.Is(err, io.EOF):
			return errors.New("body must not be empty")
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return fmt.Errorf("body contains unknown key %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
		case errors.As(err, &maxBytesError):
			return fmt.Errorf("body must not be larger than %d bytes", maxBytesError.Limit)
		default:
			return err
		}
	}
	if dec.More() {
		return errors.New("body must only contain a single JSON value")
	}
	return nil
}
