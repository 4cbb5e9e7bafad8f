package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/logger"
	"github.com/shaunagostinho/elm-dash/internal/monitor"
	"github.com/shaunagostinho/elm-dash/internal/storage"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Adapter is the connection status the dashboard reports.
type Adapter interface {
	State() elm.State
	Protocol() string
}

// Recorder receives every new snapshot and scan result and keeps the scan
// history.
type Recorder interface {
	Publish(ctx context.Context, rec storage.Record) error
	RecordFaults(ctx context.Context, f telemetry.Faults) error
	RecentScans(ctx context.Context, n int64) ([]telemetry.Faults, error)
	Stats() storage.Stats
}

// Server broadcasts telemetry to WebSocket clients and serves the control API.
type Server struct {
	cfg     *Config
	adapter Adapter
	poller  *telemetry.Poller
	logger  *logger.Logger
	rec     Recorder
	webFS   fs.FS
	log     *logrus.Entry

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Odometer integrated from OBD speed
	odoMu    sync.Mutex
	odoTotal float64 // Total km
	odoTrip  float64 // Trip km (resettable)
	odoLast  time.Time
	odoPath  string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Telemetry *telemetry.Snapshot `json:"telemetry,omitempty"`
	State     elm.State           `json:"state"`
	Protocol  string              `json:"protocol,omitempty"`
	Fresh     bool                `json:"fresh"`
	Faults    *telemetry.Faults   `json:"faults,omitempty"`
	Config    *DisplayConfig      `json:"config,omitempty"`
	Odo       *OdoData            `json:"odo,omitempty"`
	Stamp     int64               `json:"stamp"` // Unix ms
}

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// Option customizes a Server.
type Option func(*Server)

// WithRecorder publishes snapshots and scans through r.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.rec = r }
}

// WithStatic serves the dashboard assets in fsys at "/".
func WithStatic(fsys fs.FS) Option {
	return func(s *Server) { s.webFS = fsys }
}

// New creates a new Server.
func New(cfg *Config, adapter Adapter, poller *telemetry.Poller, opts ...Option) *Server {
	odoPath := filepath.Join(filepath.Dir(cfg.Path()), "odometer.dat")
	if cfg.Path() == "" {
		odoPath = "/etc/elmdash/odometer.dat"
	}

	s := &Server{
		cfg:     cfg,
		adapter: adapter,
		poller:  poller,
		logger:  logger.New(cfg.Logging),
		log:     logrus.WithField("component", "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		odoPath: odoPath,
	}
	for _, o := range opts {
		o(s)
	}
	s.loadOdometer()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/dtc/scan", s.handleScan)
	mux.HandleFunc("/api/dtc/clear", s.handleClear)
	mux.HandleFunc("/api/dtc/history", s.handleHistory)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.Monitor.Enabled {
		mux.Handle("/metrics", monitor.Handler())
	}
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.saveOdometer()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.WithField("addr", s.cfg.Server.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial frame carries display config, faults and odometer
	display := s.cfg.DisplaySnapshot()
	faults := s.poller.Faults()
	first := s.frame()
	first.Config = &display
	first.Faults = &faults
	first.Odo = s.odo()
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	// Registered after the initial frame is queued so it always arrives first
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.WithField("clients", n).Info("websocket client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; client messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.WithField("clients", n).Info("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Warn("config save failed")
		}
		s.logger.SetEnabled(s.cfg.loggingEnabled())

		display := s.cfg.DisplaySnapshot()
		f := s.frame()
		f.Config = &display
		s.broadcast(f)

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Config) loggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Enabled
}

// stateResponse is the body of GET /api/state.
type stateResponse struct {
	State    elm.State          `json:"state"`
	Protocol string             `json:"protocol"`
	Fresh    bool               `json:"fresh"`
	Snapshot telemetry.Snapshot `json:"snapshot"`
	Faults   telemetry.Faults   `json:"faults"`
	Odo      *OdoData           `json:"odo"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		State:    s.adapter.State(),
		Protocol: s.adapter.Protocol(),
		Fresh:    s.poller.Fresh(time.Now()),
		Snapshot: s.poller.Snapshot(),
		Faults:   s.poller.Faults(),
		Odo:      s.odo(),
	})
}

// dtcTimeout bounds a scan or clear request, including the settle pause.
const dtcTimeout = 10 * time.Second

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dtcTimeout)
	defer cancel()

	faults, err := s.poller.Scan(ctx)
	if err != nil {
		s.dtcError(w, "scan", err)
		return
	}
	s.afterFaults(ctx, faults)
	writeJSON(w, http.StatusOK, faults)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dtcTimeout)
	defer cancel()

	ok, err := s.poller.Clear(ctx)
	if err != nil {
		s.dtcError(w, "clear", err)
		return
	}
	if ok {
		s.afterFaults(ctx, s.poller.Faults())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": ok})
}

// afterFaults pushes a new fault list to clients and the recorder.
func (s *Server) afterFaults(ctx context.Context, faults telemetry.Faults) {
	f := s.frame()
	f.Faults = &faults
	s.broadcast(f)
	if s.rec != nil {
		if err := s.rec.RecordFaults(ctx, faults); err != nil {
			s.log.WithError(err).Warn("recording faults failed")
		}
	}
}

func (s *Server) dtcError(w http.ResponseWriter, op string, err error) {
	s.log.WithError(err).Warnf("trouble code %s failed", op)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, elm.ErrNotConnected), errors.Is(err, elm.ErrDisconnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// historyLimit bounds GET /api/dtc/history; the store keeps 100 scans.
const historyLimit = 100

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rec == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scan history needs redis"})
		return
	}
	n := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	if n > historyLimit {
		n = historyLimit
	}
	scans, err := s.rec.RecentScans(r.Context(), n)
	if err != nil {
		s.log.WithError(err).Warn("reading scan history failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.odoMu.Lock()
	s.odoTrip = 0
	s.odoMu.Unlock()
	s.saveOdometer()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"state":  s.adapter.State(),
		"fresh":  s.poller.Fresh(time.Now()),
	}
	if s.rec != nil {
		body["redis"] = s.rec.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// broadcastInterval is the WebSocket frame rate (20 Hz).
const broadcastInterval = 50 * time.Millisecond

// broadcastLoop sends the latest snapshot to every client. New samples are
// also recorded to CSV and the recorder, once each.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	var lastSample time.Time
	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			f := s.frame()
			f.Odo = s.odo()
			s.broadcast(f)

			snap := *f.Telemetry
			if snap.LastUpdate.IsZero() || !snap.LastUpdate.After(lastSample) {
				continue
			}
			lastSample = snap.LastUpdate
			s.updateOdometer(snap)

			s.logger.Record(snap, f.State, f.Fresh)
			if s.rec != nil {
				rec := storage.Record{Snapshot: snap, State: f.State, Fresh: f.Fresh, Stamp: time.Now()}
				if err := s.rec.Publish(ctx, rec); err != nil {
					s.log.WithError(err).Debug("publish failed")
				}
			}
		}
	}
}

// frame builds a live frame with the current snapshot and link state.
func (s *Server) frame() Frame {
	snap := s.poller.Snapshot()
	now := time.Now()
	return Frame{
		Telemetry: &snap,
		State:     s.adapter.State(),
		Protocol:  s.adapter.Protocol(),
		Fresh:     snap.Fresh(now, s.freshFor()),
		Stamp:     now.UnixMilli(),
	}
}

func (s *Server) freshFor() time.Duration {
	s.cfg.mu.RLock()
	defer s.cfg.mu.RUnlock()
	if d := ms(s.cfg.Poller.FreshForMs); d > 0 {
		return d
	}
	return telemetry.DefaultConfig().FreshFor
}

func (s *Server) odo() *OdoData {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()
	return &OdoData{Total: math.Round(s.odoTotal*10) / 10, Trip: math.Round(s.odoTrip*10) / 10}
}

// updateOdometer accumulates distance from OBD speed between samples.
func (s *Server) updateOdometer(snap telemetry.Snapshot) {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()

	last := s.odoLast
	s.odoLast = snap.LastUpdate
	if last.IsZero() {
		// First sample only seeds the clock
		return
	}
	dt := snap.LastUpdate.Sub(last)
	// Gaps longer than this are link drops, not driving
	if dt <= 0 || dt > 2*time.Second {
		return
	}
	if snap.Speed < 1 {
		return
	}
	dist := snap.Speed * dt.Hours()
	s.odoTotal += dist
	s.odoTrip += dist
}

// loadOdometer reads persisted odometer values from disk.
func (s *Server) loadOdometer() {
	data, err := os.ReadFile(s.odoPath)
	if err != nil {
		s.log.WithField("path", s.odoPath).Debug("no saved odometer, starting at 0")
		return
	}
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(parts) >= 1 {
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
			s.odoTotal = v
		}
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			s.odoTrip = v
		}
	}
	s.log.WithField("total_km", s.odoTotal).WithField("trip_km", s.odoTrip).Info("odometer loaded")
}

// saveOdometer persists odometer values to disk.
func (s *Server) saveOdometer() {
	s.odoMu.Lock()
	total := s.odoTotal
	trip := s.odoTrip
	s.odoMu.Unlock()

	os.MkdirAll(filepath.Dir(s.odoPath), 0755)

	data := fmt.Sprintf("%.6f\n%.6f\n", total, trip)
	if err := os.WriteFile(s.odoPath, []byte(data), 0644); err != nil {
		s.log.WithError(err).Warn("odometer save failed")
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
