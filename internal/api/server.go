package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/app"
	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/confirm"
	"github.com/GoPolymarket/cluster-trader/internal/control"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
)

const defaultCommandTimeout = 10 * time.Second

// Engine exposes the cluster engine to the API layer.
type Engine interface {
	IsRunning() bool
	IsDryRun() bool
	TradingMode() string
	LastTick() time.Time
	Status() app.Status
	Cluster() *app.ClusterView
	History() []*cluster.Cluster
	RiskSnapshot() risk.Snapshot
	Confirmation() (confirm.Request, bool)
	SetEmergencyStop(stop bool)
	Submit(cmd control.Command) bool
}

// EventStream upgrades a request into a live event subscription (nil if
// unavailable).
type EventStream interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

type Config struct {
	Addr string
	// StaleAfter fails readiness when the engine has not ticked for this
	// long. Zero disables the check.
	StaleAfter     time.Duration
	CommandTimeout time.Duration
}

// Server is the operator HTTP API.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	engine     Engine
	events     EventStream
	cfg        Config
	log        logrus.FieldLogger
	startedAt  time.Time
}

func NewServer(cfg Config, engine Engine, events EventStream, metrics http.Handler, log logrus.FieldLogger) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	s := &Server{
		engine:    engine,
		events:    events,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/cluster", s.handleCluster).Methods(http.MethodGet)
	r.HandleFunc("/api/clusters", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/risk", s.handleRisk).Methods(http.MethodGet)
	r.HandleFunc("/api/confirmation", s.handleConfirmation).Methods(http.MethodGet)
	r.HandleFunc("/api/commands", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)
	if events != nil {
		r.HandleFunc("/api/events", events.HandleWS)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", ln.Addr().String()).Info("api server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server stopped")
		}
	}()
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/health: liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/ready: the loop is running and ticked recently.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"ready":        true,
		"trading_mode": s.engine.TradingMode(),
		"dry_run":      s.engine.IsDryRun(),
		"uptime_s":     time.Since(s.startedAt).Seconds(),
	}
	last := s.engine.LastTick()
	if !last.IsZero() {
		resp["last_tick"] = last
	}
	switch {
	case !s.engine.IsRunning():
		resp["ready"], resp["reason"] = false, "engine_not_running"
	case s.cfg.StaleAfter > 0 && time.Since(last) > s.cfg.StaleAfter:
		resp["ready"], resp["reason"] = false, "engine_stale"
	}
	status := http.StatusOK
	if resp["ready"] == false {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	s.writeJSON(w, http.StatusOK, struct {
		app.Status
		UptimeS float64 `json:"uptime_s"`
	}{st, time.Since(s.startedAt).Seconds()})
}

// GET /api/cluster: the open cluster with its ratchet state.
func (s *Server) handleCluster(w http.ResponseWriter, _ *http.Request) {
	view := s.engine.Cluster()
	if view == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"open": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"open": true, "cluster": view})
}

// GET /api/clusters: recently terminated clusters, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	hist := s.engine.History()
	out := make([]*cluster.Cluster, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": out})
}

// GET /api/risk: loss-streak breaker state.
func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.RiskSnapshot()
	var blocked []string
	if snap.EmergencyStop {
		blocked = append(blocked, "emergency_stop")
	}
	if snap.Stopped {
		blocked = append(blocked, "loss_streak")
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergency_stop":         snap.EmergencyStop,
		"consecutive_losses":     snap.ConsecutiveLosses,
		"max_consecutive_losses": snap.MaxConsecutiveLosses,
		"stopped":                snap.Stopped,
		"can_open":               len(blocked) == 0,
		"blocked_reasons":        blocked,
		"realized_pnl":           snap.RealizedPnL,
		"wins":                   snap.Wins,
		"losses":                 snap.Losses,
		"last":                   snap.Last,
	})
}

// GET /api/confirmation
func (s *Server) handleConfirmation(w http.ResponseWriter, _ *http.Request) {
	req, ok := s.engine.Confirmation()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"pending": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":     true,
		"request":     req,
		"remaining_s": time.Until(req.Deadline).Seconds(),
	})
}

type commandRequest struct {
	ID string `json:"id"`
	// Text is a chat-style command such as "/stop buy". When set it wins
	// over Verb and Args.
	Text string   `json:"text"`
	Verb string   `json:"verb"`
	Args []string `json:"args"`
}

// POST /api/commands: queue an operator command and wait for the engine to
// apply it.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	var (
		cmd control.Command
		err error
	)
	switch {
	case strings.TrimSpace(body.Text) != "":
		cmd, err = control.Parse(body.Text)
	case body.Verb != "":
		cmd, err = control.Build(control.Verb(strings.ToLower(body.Verb)), body.Args)
	default:
		err = errors.New("text or verb is required")
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd.ID = body.ID
	cmd.Stamp("api", time.Now())
	cmd.Reply = make(chan control.Result, 1)

	if !s.engine.Submit(cmd) {
		s.writeError(w, http.StatusServiceUnavailable, "command queue full")
		return
	}
	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case res := <-cmd.Reply:
		status := http.StatusOK
		if !res.OK {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, map[string]interface{}{
			"id":      cmd.ID,
			"verb":    cmd.Verb,
			"ok":      res.OK,
			"message": res.Message,
		})
	case <-timer.C:
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":     cmd.ID,
			"verb":   cmd.Verb,
			"queued": true,
		})
	case <-r.Context().Done():
	}
}

// POST /api/emergency-stop: halts new clusters. {"stop": false} clears it.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Stop *bool `json:"stop"`
	}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
	}
	stop := body.Stop == nil || *body.Stop
	s.engine.SetEmergencyStop(stop)
	status := "emergency_stop_activated"
	if !stop {
		status = "emergency_stop_cleared"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
