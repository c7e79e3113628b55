package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"tofengine-go/fusion"
	"tofengine-go/monitoring"
	"tofengine-go/store"
	"tofengine-go/telemetry"
)

// StateSource is the live pipeline view served under /api/state.
type StateSource interface {
	Snapshot() fusion.Result
	Detections() int
	Consistency(sensor fusion.Sensor) fusion.InnovationStats
}

// RunStore lists recorded runs. It is optional.
type RunStore interface {
	Runs() ([]store.Run, error)
	Samples(runID string) ([]fusion.Result, error)
}

type Server struct {
	Hub   *Hub
	reg   *telemetry.Registry
	state StateSource
	runs  RunStore
	dist  string

	mu   sync.Mutex
	http *http.Server
}

func NewServer(reg *telemetry.Registry, state StateSource) *Server {
	return &Server{Hub: NewHub(), reg: reg, state: state}
}

// SetRunStore enables the /api/runs routes.
func (s *Server) SetRunStore(rs RunStore) { s.runs = rs }

// SetStaticDir serves a built frontend from dir at /.
func (s *Server) SetStaticDir(dir string) { s.dist = dir }

type stateResponse struct {
	fusion.Result
	Detections int                    `json:"detections"`
	Down       fusion.InnovationStats `json:"consistency_down"`
	Up         fusion.InnovationStats `json:"consistency_up"`
}

type paramRequest struct {
	Value *float64 `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s.Hub, w, r)
	})
	mux.HandleFunc("GET /api/params", s.handleParams)
	mux.HandleFunc("GET /api/params/{name}", s.handleGetParam)
	mux.HandleFunc("PUT /api/params/{name}", s.handleSetParam)
	mux.HandleFunc("GET /api/state", s.handleState)
	if s.runs != nil {
		mux.HandleFunc("GET /api/runs", s.handleRuns)
		mux.HandleFunc("GET /api/runs/{id}/samples", s.handleSamples)
	}
	if s.dist != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.dist)))
	}
	return mux
}

// Start runs the hub and serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	go s.Hub.Run()
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	monitoring.Logf("HTTP server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Stop()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// writeJSON encodes v before writing the header so an unencodable value
// yields a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("web: encode response: %v", err)
		status = http.StatusInternalServerError
		b, _ = json.Marshal(errorResponse{Error: "response not encodable"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(b, '\n'))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Server) handleGetParam(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	v, err := s.reg.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{name: v})
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req paramRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing value"))
		return
	}
	if err := s.reg.Set(name, *req.Value); err != nil {
		switch {
		case errors.Is(err, telemetry.ErrUnknownVar):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, telemetry.ErrReadOnly):
			writeError(w, http.StatusForbidden, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	monitoring.Logf("web: %s set to %v", name, *req.Value)
	v, _ := s.reg.Get(name)
	writeJSON(w, http.StatusOK, map[string]float64{name: v})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Result:     s.state.Snapshot(),
		Detections: s.state.Detections(),
		Down:       s.state.Consistency(fusion.SensorDown),
		Up:         s.state.Consistency(fusion.SensorUp),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.Runs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	samples, err := s.runs.Samples(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrUnknownRun) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if samples == nil {
		samples = []fusion.Result{}
	}
	writeJSON(w, http.StatusOK, samples)
}
