package mixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// serverCommands is what the HTTP API needs from the mixer
type serverCommands interface {
	Snapshot() *Snapshot
	SetVolume(ctx context.Context, t Target, v float32) Status
	SetMuted(ctx context.Context, t Target, muted bool) Status
	ActivateSolo(ctx context.Context, t Target) Status
	DeactivateSolo(ctx context.Context, t Target) Status
	SetDefault(ctx context.Context, id string, direction Direction) Status
}

// Server exposes the mixer over HTTP: a small JSON API for commands and an
// EventSource stream of snapshots for observers
type Server struct {
	logger   *zap.SugaredLogger
	commands serverCommands
	server   *http.Server

	stopChannel chan bool
	running     int32 // Atomic flag: 1 = running, 0 = stopped

	// every connected SSE observer
	observers *observerSet

	// Event counter for SSE id field
	eventID int64

	currentPort int
	portMutex   sync.Mutex
}

const (
	// SSE retry timeout in milliseconds
	sseRetryTimeout = "5000"

	// events queued per observer before it is dropped as too slow
	observerBacklog = 16

	// Ping interval
	pingInterval = 10 * time.Second

	serverShutdownTimeout = 5 * time.Second

	// largest request body the API reads
	maxRequestBody = 4096
)

// StateView is the JSON shape of a snapshot
type StateView struct {
	Generation   uint64             `json:"generation"`
	RefreshedAt  time.Time          `json:"refreshed_at"`
	Applications []AudioApplication `json:"applications"`
	Outputs      []AudioDevice      `json:"outputs"`
	Inputs       []AudioDevice      `json:"inputs"`
}

// NewStateView flattens a snapshot for JSON consumers
func NewStateView(snap *Snapshot) StateView {
	return StateView{
		Generation:   snap.Generation,
		RefreshedAt:  snap.RefreshedAt,
		Applications: append([]AudioApplication{}, snap.Applications...),
		Outputs:      snap.DevicesOf(DirectionRender),
		Inputs:       snap.DevicesOf(DirectionCapture),
	}
}

// commandRequest is the body of every POST endpoint
type commandRequest struct {
	Kind      string   `json:"kind"`
	PID       int      `json:"pid"`
	ID        string   `json:"id"`
	Direction string   `json:"direction"`
	Volume    *float32 `json:"volume"`
	Muted     *bool    `json:"muted"`
}

func (r commandRequest) target() (Target, error) {
	switch strings.ToLower(r.Kind) {
	case "application", "app":
		return ApplicationTarget(r.PID), nil
	case "device":
		direction, err := ParseDirection(r.Direction)
		if err != nil {
			return Target{}, err
		}
		return DeviceTarget(r.ID, direction), nil
	case "":
		// a pid alone is enough to mean an application
		if r.PID != 0 {
			return ApplicationTarget(r.PID), nil
		}
	}

	return Target{}, fmt.Errorf("%w: kind must be application or device", ErrValidation)
}

type commandResponse struct {
	OK      bool   `json:"ok"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// NewServer creates the HTTP server. It doesn't listen until Start
func NewServer(logger *zap.SugaredLogger, commands serverCommands) (*Server, error) {
	if commands == nil {
		return nil, fmt.Errorf("%w: server requires commands", ErrPrecondition)
	}

	logger = logger.Named("server")

	srv := &Server{
		logger:      logger,
		commands:    commands,
		stopChannel: make(chan bool),
		observers:   newObserverSet(),
	}

	logger.Debug("Created server instance")

	return srv, nil
}

// Handler returns the server's routes
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/state", srv.handleState)
	mux.HandleFunc("/api/volume", srv.handleCommand(srv.volume))
	mux.HandleFunc("/api/mute", srv.handleCommand(srv.mute))
	mux.HandleFunc("/api/solo", srv.handleCommand(srv.solo))
	mux.HandleFunc("/api/unsolo", srv.handleCommand(srv.unsolo))
	mux.HandleFunc("/api/default", srv.handleCommand(srv.setDefault))
	mux.Handle("/events", srv.eventsHandler())

	return mux
}

// Start listens on port. A non-positive port leaves the server off
func (srv *Server) Start(port int) error {
	if port <= 0 {
		srv.logger.Debug("Server port not configured, server will not start")
		return nil
	}

	srv.portMutex.Lock()
	currentPort := srv.currentPort
	srv.portMutex.Unlock()

	// If already running on the same port, no need to restart
	if srv.IsRunning() && currentPort == port {
		srv.logger.Debugw("Server already running on the same port", "port", port)
		return nil
	}

	if srv.IsRunning() {
		srv.logger.Infow("Server port changed, restarting", "old_port", currentPort, "new_port", port)
		srv.Stop()
	}

	addr := ":" + strconv.Itoa(port)
	srv.server = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.portMutex.Lock()
	srv.currentPort = port
	srv.portMutex.Unlock()

	atomic.StoreInt32(&srv.running, 1)

	server := srv.server
	stop := srv.stopped()
	go func() {
		srv.logger.Infow("Starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Errorw("Server error", "error", err)
			srv.abandon()
		}
	}()

	go srv.pingLoop(stop)

	return nil
}

// Stop closes every SSE connection and shuts the HTTP server down
func (srv *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
		return
	}

	srv.logger.Debug("Stopping server")

	// the ping loop and every open stream handler listen for this
	srv.portMutex.Lock()
	close(srv.stopChannel)
	srv.stopChannel = make(chan bool)
	srv.portMutex.Unlock()

	srv.observers.closeAll()

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during server shutdown", "error", err)
			srv.server.Close()
		}
	}

	srv.portMutex.Lock()
	srv.currentPort = 0
	srv.portMutex.Unlock()

	srv.logger.Info("Server stopped")
}

// abandon releases the ping loop and resets state after the listener failed
func (srv *Server) abandon() {
	if !atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
		return
	}

	srv.portMutex.Lock()
	close(srv.stopChannel)
	srv.stopChannel = make(chan bool)
	srv.currentPort = 0
	srv.portMutex.Unlock()
}

// stopped returns a channel closed by the next Stop
func (srv *Server) stopped() <-chan bool {
	srv.portMutex.Lock()
	defer srv.portMutex.Unlock()

	return srv.stopChannel
}

// IsRunning returns whether the server is currently running
func (srv *Server) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

// Port returns the port the server is running on (0 if not running)
func (srv *Server) Port() int {
	srv.portMutex.Lock()
	defer srv.portMutex.Unlock()

	return srv.currentPort
}

// Publish broadcasts a snapshot to every connected observer
func (srv *Server) Publish(snap *Snapshot) {
	if srv.observers.count() == 0 {
		return
	}

	event, err := srv.stateEvent(snap)
	if err != nil {
		srv.logger.Warnw("Failed to marshal state for broadcast", "error", err)
		return
	}

	if dropped := srv.observers.broadcast(event); dropped > 0 {
		srv.logger.Debugw("Dropped slow SSE observers", "count", dropped)
	}
}

func (srv *Server) nextEventID() string {
	return strconv.FormatInt(atomic.AddInt64(&srv.eventID, 1), 10)
}

func (srv *Server) stateEvent(snap *Snapshot) (eventsource.Event, error) {
	data, err := json.Marshal(NewStateView(snap))
	if err != nil {
		return eventsource.Event{}, err
	}

	return eventsource.Event{
		ID:   srv.nextEventID(),
		Type: "state",
		Data: data,
	}, nil
}

func (srv *Server) eventsHandler() http.Handler {
	return eventsource.Handler(func(lastID string, encoder *eventsource.Encoder, stop <-chan bool) {
		shutdown := srv.stopped()

		obs := srv.observers.add()
		defer srv.observers.remove(obs)

		srv.logger.Infow("New SSE client connected", "last_event_id", lastID, "observers", srv.observers.count())
		defer srv.logger.Debug("SSE client disconnected")

		// new observers start from the current state
		event, err := srv.stateEvent(srv.commands.Snapshot())
		if err != nil {
			srv.logger.Warnw("Failed to marshal state", "error", err)
			return
		}
		event.Retry = sseRetryTimeout

		if err := encoder.Encode(event); err != nil {
			srv.logger.Debugw("Error sending state event", "error", err)
			return
		}

		for {
			select {
			case <-stop:
				return
			case <-shutdown:
				return
			case <-obs.dropped:
				srv.logger.Debug("SSE client fell behind, closing")
				return
			case event := <-obs.events:
				if err := encoder.Encode(event); err != nil {
					srv.logger.Debugw("Error sending event, connection closed", "error", err)
					return
				}
			}
		}
	})
}

// pingLoop keeps idle connections from being dropped by proxies
func (srv *Server) pingLoop(stop <-chan bool) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if srv.observers.count() == 0 {
				continue
			}

			event := eventsource.Event{
				ID:   srv.nextEventID(),
				Type: "ping",
				Data: []byte("{}"),
			}

			if dropped := srv.observers.broadcast(event); dropped > 0 {
				srv.logger.Debugw("Dropped slow SSE observers during ping", "count", dropped)
			}
		}
	}
}

// observer is one SSE connection. Only its handler goroutine writes to the wire;
// broadcasts queue events on it
type observer struct {
	events  chan eventsource.Event
	dropped chan struct{}
}

type observerSet struct {
	lock      sync.Mutex
	observers map[*observer]struct{}
}

func newObserverSet() *observerSet {
	return &observerSet{observers: make(map[*observer]struct{})}
}

func (set *observerSet) add() *observer {
	obs := &observer{
		events:  make(chan eventsource.Event, observerBacklog),
		dropped: make(chan struct{}),
	}

	set.lock.Lock()
	set.observers[obs] = struct{}{}
	set.lock.Unlock()

	return obs
}

func (set *observerSet) remove(obs *observer) {
	set.lock.Lock()
	defer set.lock.Unlock()

	if _, ok := set.observers[obs]; ok {
		delete(set.observers, obs)
		close(obs.dropped)
	}
}

func (set *observerSet) count() int {
	set.lock.Lock()
	defer set.lock.Unlock()

	return len(set.observers)
}

// broadcast queues event on every observer and drops the ones whose backlog is
// full. It returns how many were dropped
func (set *observerSet) broadcast(event eventsource.Event) int {
	set.lock.Lock()
	defer set.lock.Unlock()

	dropped := 0
	for obs := range set.observers {
		select {
		case obs.events <- event:
		default:
			delete(set.observers, obs)
			close(obs.dropped)
			dropped++
		}
	}

	return dropped
}

func (set *observerSet) closeAll() {
	set.lock.Lock()
	defer set.lock.Unlock()

	for obs := range set.observers {
		delete(set.observers, obs)
		close(obs.dropped)
	}
}

func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, NewStateView(srv.commands.Snapshot()))
}

func (srv *Server) handleCommand(f func(ctx context.Context, req commandRequest) Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req commandRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err := decoder.Decode(&req); err != nil {
			writeStatus(w, Status{
				Message: "request body must be JSON",
				Class:   ClassValidation,
				Err:     fmt.Errorf("%w: %w", ErrValidation, err),
			})
			return
		}

		status := f(r.Context(), req)

		srv.logger.Debugw("Handled API command", "path", r.URL.Path, "class", status.Class, "message", status.Message)

		writeStatus(w, status)
	}
}

func invalid(err error) Status {
	return Status{Message: validationMessage(err), Class: ClassValidation, Err: err}
}

func (srv *Server) volume(ctx context.Context, req commandRequest) Status {
	t, err := req.target()
	if err != nil {
		return invalid(err)
	}

	if req.Volume == nil {
		return invalid(fmt.Errorf("%w: volume is required", ErrValidation))
	}

	return srv.commands.SetVolume(ctx, t, *req.Volume)
}

func (srv *Server) mute(ctx context.Context, req commandRequest) Status {
	t, err := req.target()
	if err != nil {
		return invalid(err)
	}

	muted := true
	if req.Muted != nil {
		muted = *req.Muted
	}

	return srv.commands.SetMuted(ctx, t, muted)
}

func (srv *Server) solo(ctx context.Context, req commandRequest) Status {
	t, err := req.target()
	if err != nil {
		return invalid(err)
	}

	return srv.commands.ActivateSolo(ctx, t)
}

func (srv *Server) unsolo(ctx context.Context, req commandRequest) Status {
	t, err := req.target()
	if err != nil {
		return invalid(err)
	}

	return srv.commands.DeactivateSolo(ctx, t)
}

func (srv *Server) setDefault(ctx context.Context, req commandRequest) Status {
	direction, err := ParseDirection(req.Direction)
	if err != nil {
		return invalid(err)
	}

	return srv.commands.SetDefault(ctx, req.ID, direction)
}

func httpStatus(class ErrorClass) int {
	switch class {
	case ClassNone:
		return http.StatusOK
	case ClassValidation:
		return http.StatusBadRequest
	case ClassTargetNotFound:
		return http.StatusNotFound
	case ClassUnsupported:
		return http.StatusNotImplemented
	case ClassPrecondition:
		return http.StatusServiceUnavailable
	case ClassConflict:
		return http.StatusConflict
	}

	return http.StatusBadGateway
}

func writeStatus(w http.ResponseWriter, status Status) {
	writeJSON(w, httpStatus(status.Class), commandResponse{
		OK:      status.OK(),
		Class:   status.Class.String(),
		Message: status.Message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	// the client has gone away if this fails; nothing left to tell it
	_ = json.NewEncoder(w).Encode(v)
}
