package tunnel

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/burrowhq/burrow/log"
)

// API serves the manager's operations over HTTP for UIs and tooling.
type API struct {
	Manager *Manager
}

func (s API) ConfigureWebRoutes(router *mux.Router) {
	router.HandleFunc("/tunnels", s.handleListConfigurations).Methods(http.MethodGet)
	router.HandleFunc("/tunnels", s.handleCreateConfiguration).Methods(http.MethodPost)
	router.HandleFunc("/tunnels/active", s.handleListActive).Methods(http.MethodGet)
	router.HandleFunc("/tunnels/{id}", s.handleGetConfiguration).Methods(http.MethodGet)
	router.HandleFunc("/tunnels/{id}", s.handleUpdateConfiguration).Methods(http.MethodPut)
	router.HandleFunc("/tunnels/{id}", s.handleDeleteConfiguration).Methods(http.MethodDelete)
	router.HandleFunc("/tunnels/{id}/start", s.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/tunnels/{id}/stop", s.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/tunnels/{id}/status", s.handleStatus).Methods(http.MethodGet)
}

func (s API) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	configs, err := s.Manager.ListConfigurations(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, configs)
}

func (s API) handleCreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var config Config
	if err := read(r, &config); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.Manager.AddConfiguration(r.Context(), config)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, created)
}

func (s API) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	config, err := s.Manager.GetConfiguration(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, config)
}

func (s API) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var config Config
	if err := read(r, &config); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	config.ID = id

	if err := s.Manager.UpdateConfiguration(r.Context(), config); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, config)
}

func (s API) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Manager.RemoveConfiguration(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s API) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	config, err := s.Manager.GetConfiguration(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.Manager.StartTunnel(r.Context(), config); err != nil {
		respondError(w, r, err)
		return
	}

	at, _ := s.Manager.GetActive(id)
	respond(w, at)
}

func (s API) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	config, err := s.Manager.GetConfiguration(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.Manager.StopTunnel(r.Context(), config); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	at, ok := s.Manager.GetActive(id)
	if !ok {
		http.Error(w, ErrNotRunning.Error(), http.StatusNotFound)
		return
	}
	respond(w, at)
}

func (s API) handleListActive(w http.ResponseWriter, r *http.Request) {
	respond(w, s.Manager.ListActive())
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "invalid tunnel id")
	}
	return id, nil
}

func read(r *http.Request, req interface{}) error {
	return json.NewDecoder(r.Body).Decode(req)
}

func respond(w http.ResponseWriter, ret interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ret)
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsConfigurationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrConfigNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.GetLogger(r.Context()).WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
