// Package api is the orchestrator-facing control surface: per-instance
// settings and features, trading status, manual resume, state and a live
// event stream, plus the bot API proxy under /bots/.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/common"
	"fleet-risk/internal/fleet"
	"fleet-risk/internal/intercept"
	"fleet-risk/internal/settings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// strictJSON rejects unknown keys in settings patches.
var strictJSON = jsoniter.Config{EscapeHTML: true, DisallowUnknownFields: true}.Froze()

const maxBody = 1 << 20

// Control is the part of the fleet the API drives.
type Control interface {
	Instances() []string
	Settings(id string) (settings.UniversalSettings, error)
	UpdateSettings(id string, patch settings.Patch) (settings.UniversalSettings, error)
	ResetSettings(id string) (settings.UniversalSettings, error)
	Features(id string) (settings.FeatureSet, error)
	UpdateFeatures(id string, patch []byte) (settings.FeatureSet, error)
	ResetFeatures(id string) (settings.FeatureSet, error)
	TradingStatus(ctx context.Context, id string) (fleet.TradingStatus, error)
	ResumeEmergency(ctx context.Context, id string) (fleet.Resumed, error)
	Status(ctx context.Context, id string) (fleet.Status, error)
	Resolve(id string) (*intercept.Interceptor, error)
}

type Server struct {
	ctl    Control
	hub    *Hub
	router *mux.Router
}

func NewServer(ctl Control, hub *Hub) *Server {
	s := &Server{ctl: ctl, hub: hub, router: mux.NewRouter()}

	r := s.router
	r.Use(logRequests)
	r.HandleFunc("/instances", s.handleInstances).Methods(http.MethodGet)

	// full paths on the root router so a known path with the wrong method
	// answers 405 instead of falling through to 404
	const inst = "/instances/{id}"
	r.HandleFunc(inst+"/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc(inst+"/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	r.HandleFunc(inst+"/settings", s.handleResetSettings).Methods(http.MethodDelete)
	r.HandleFunc(inst+"/features", s.handleGetFeatures).Methods(http.MethodGet)
	r.HandleFunc(inst+"/features", s.handleUpdateFeatures).Methods(http.MethodPut)
	r.HandleFunc(inst+"/features", s.handleResetFeatures).Methods(http.MethodDelete)
	r.HandleFunc(inst+"/trading-status", s.handleTradingStatus).Methods(http.MethodGet)
	r.HandleFunc(inst+"/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc(inst+"/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(inst+"/events", s.handleEvents).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	intercept.NewProxy(ctl.Resolve).Register(r)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"instances": s.ctl.Instances()})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.Settings(mux.Vars(r)["id"])
	reply(w, v, err)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var patch settings.Patch
	if err := strictJSON.Unmarshal(body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings patch: "+err.Error())
		return
	}
	v, err := s.ctl.UpdateSettings(mux.Vars(r)["id"], patch)
	reply(w, v, err)
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.ResetSettings(mux.Vars(r)["id"])
	reply(w, v, err)
}

func (s *Server) handleGetFeatures(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.Features(mux.Vars(r)["id"])
	reply(w, v, err)
}

func (s *Server) handleUpdateFeatures(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	v, err := s.ctl.UpdateFeatures(mux.Vars(r)["id"], body)
	reply(w, v, err)
}

func (s *Server) handleResetFeatures(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.ResetFeatures(mux.Vars(r)["id"])
	reply(w, v, err)
}

func (s *Server) handleTradingStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.TradingStatus(r.Context(), mux.Vars(r)["id"])
	reply(w, v, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.ResumeEmergency(r.Context(), mux.Vars(r)["id"])
	reply(w, v, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctl.Status(r.Context(), mux.Vars(r)["id"])
	reply(w, v, err)
}

// handleEvents streams the instance's events; the current status is sent
// first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.ctl.Status(r.Context(), id)
	if errors.Is(err, fleet.ErrUnknownInstance) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("instance", id).Msg("Status incomplete for new event subscriber")
	}
	s.hub.serve(w, r, id, st)
}

// reply writes v or the error mapped to a status code.
func reply(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, botconfig.ErrWriteInProgress):
		return http.StatusConflict
	case errors.Is(err, botconfig.ErrSuspectTruncation),
		errors.Is(err, common.ErrConfigUnavailable),
		errors.Is(err, fleet.ErrPoolFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	return body, true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades need the raw writer's Hijacker
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}
