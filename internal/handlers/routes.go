package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// APIRoutes registers the /api endpoints on r.
func APIRoutes(r *mux.Router, submit *SubmitHandler, admin *AdminHandler) {
	r.HandleFunc("/submit", submit.HandleSubmit).Methods(http.MethodPost)

	r.HandleFunc("/users/{userID}/mode", admin.HandleGetMode).Methods(http.MethodGet)
	r.HandleFunc("/users/{userID}/mode", admin.HandleSetMode).Methods(http.MethodPut)
	r.HandleFunc("/users/{userID}/mode", admin.HandleClearMode).Methods(http.MethodDelete)

	r.HandleFunc("/queue", admin.HandleQueue).Methods(http.MethodGet)
	r.HandleFunc("/querylog", admin.HandleQueryLog).Methods(http.MethodGet)

	r.HandleFunc("/snapshots", admin.HandleGetSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/snapshots", admin.HandleDeleteSnapshot).Methods(http.MethodDelete)
	r.HandleFunc("/snapshots/stats", admin.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/snapshots/health", admin.HandleHealth).Methods(http.MethodGet)
}
