package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-sync/internal/auth"
	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/coordinator"
	"github.com/example/ride-sync/internal/dispatch"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/storage"
)

type Server struct {
	Coord  *coordinator.Coordinator
	WSReg  *dispatch.WSRegistry
	Tokens *auth.Tokens

	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(coord *coordinator.Coordinator, wsreg *dispatch.WSRegistry, tokens *auth.Tokens, logger *slog.Logger) *Server {
	s := &Server{
		Coord:  coord,
		WSReg:  wsreg,
		Tokens: tokens,
		logger: logging.Component(logger, "http"),
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRideRequest).Methods("POST")
	// registered before /rides/{id} so "available" is not taken for an id
	api.HandleFunc("/rides/available", s.handleAvailable).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/status", s.handlePatchStatus).Methods("PATCH")
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods("GET")
	api.HandleFunc("/drivers/{id}/availability", s.handlePatchAvailability).Methods("PATCH")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/driver/locations", s.handleDriverLocation).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Coord.Ping(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, err.Error())
		return
	}
	ride, err := s.Coord.RequestRide(r.Context(), identityFromContext(r.Context()), rr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	if identityFromContext(r.Context()).Role != models.RoleDriver {
		s.writeError(w, r, coordinator.ErrForbidden)
		return
	}
	rides, err := s.Coord.Available(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coord.GetRide(r.Context(), identityFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	var body backend.StatusPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, err.Error())
		return
	}
	if !body.Status.Valid() {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, "unknown status "+string(body.Status))
		return
	}
	ride, err := s.Coord.UpdateStatus(r.Context(), identityFromContext(r.Context()), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !isDriver(r, id) {
		s.writeError(w, r, coordinator.ErrForbidden)
		return
	}
	d, err := s.Coord.GetDriver(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePatchAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !isDriver(r, id) {
		s.writeError(w, r, coordinator.ErrForbidden)
		return
	}
	var body backend.AvailabilityPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, err.Error())
		return
	}
	d, err := s.Coord.SetAvailability(r.Context(), id, body.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDriverLocation ingests a sample posted outside the websocket, e.g. by
// a telematics gateway. The sample is attributed to the caller.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p protocol.Location
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, err.Error())
		return
	}
	id := identityFromContext(r.Context())
	if p.DriverID == "" {
		p.DriverID = id.ID
	}
	if !isDriver(r, p.DriverID) {
		s.writeError(w, r, coordinator.ErrForbidden)
		return
	}
	if err := p.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, err.Error())
		return
	}
	s.Coord.IngestLocation(r.Context(), p.Sample())
	w.WriteHeader(http.StatusNoContent)
}

// handleWS authenticates the handshake before upgrading so a rejected
// credential surfaces as a plain 401 the client treats as fatal.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeRejected, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "identity", id.String(), "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	s.logger.Info("ws connected", "identity", id.String())
	s.WSReg.Serve(r.Context(), sess, s.Coord)
	s.logger.Info("ws disconnected", "identity", id.String())
}

func isDriver(r *http.Request, id string) bool {
	caller := identityFromContext(r.Context())
	return caller.Role == models.RoleDriver && caller.ID == id
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, protocol.CodeRideUnavailable, err.Error())
	case errors.Is(err, coordinator.ErrUnavailable):
		writeJSONError(w, http.StatusConflict, protocol.CodeRideUnavailable, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, protocol.CodeInvalidTransition, err.Error())
	case errors.Is(err, coordinator.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, protocol.CodeRejected, err.Error())
	case errors.Is(err, coordinator.ErrInvalidRequest), errors.Is(err, storage.ErrExists):
		writeJSONError(w, http.StatusBadRequest, protocol.CodeMalformed, err.Error())
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSONError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, backend.ErrorBody{Error: msg, Code: code})
}
