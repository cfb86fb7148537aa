package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func composeRoutes(app *application) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", app.notFoundHandler)
	mux.HandleFunc("GET /v1/healthcheck", app.healthCheckHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/users", app.registerUserHandler)

	mux.HandleFunc("POST /v1/sessions", app.createSessionHandler)
	mux.HandleFunc("DELETE /v1/sessions", app.requireAuthenticatedUser(app.deleteSessionHandler))
	mux.HandleFunc("GET /v1/sessions/current", app.requireAuthenticatedUser(app.currentSessionHandler))

	mux.HandleFunc("GET /v1/tasks", app.requireAuthenticatedUser(app.listTasksHandler))
	mux.HandleFunc("POST /v1/tasks", app.requireAuthenticatedUser(app.createTaskHandler))
	mux.HandleFunc("POST /v1/tasks/{id}/complete", app.requireAuthenticatedUser(app.completeTaskHandler))
	mux.HandleFunc("DELETE /v1/tasks/{id}", app.requireAuthenticatedUser(app.deleteTaskHandler))

	return app.recoverPanic(app.logRequests(app.enableCORS(mux)))
}
