package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/norootfw/norootfw/capture"
	"github.com/norootfw/norootfw/logger"
)

// StatusProvider reports the capture state served on /status.
type StatusProvider interface {
	Status() capture.Status
}

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	capture.Status
	Address   string    `json:"address,omitempty"`
	Sink      string    `json:"sink,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// API represents the HTTP server and its state
type API struct {
	addr         string
	socketPath   string
	listener     net.Listener
	server       *http.Server
	startChan    chan struct{}
	stopChan     chan struct{}
	shutdownChan chan struct{}

	statusMu  sync.RWMutex
	provider  StatusProvider
	address   string
	sink      string
	version   string
	startedAt time.Time
}

// NewAPI creates a new HTTP server that listens on a TCP address
func NewAPI(addr string) *API {
	return newAPI(addr, "")
}

// NewAPISocket creates a new HTTP server that listens on a Unix socket or Windows named pipe
func NewAPISocket(socketPath string) *API {
	return newAPI("", socketPath)
}

func newAPI(addr, socketPath string) *API {
	return &API{
		addr:         addr,
		socketPath:   socketPath,
		startChan:    make(chan struct{}, 1),
		stopChan:     make(chan struct{}, 1),
		shutdownChan: make(chan struct{}, 1),
		startedAt:    time.Now(),
	}
}

// Handler returns the routes served by the API.
func (s *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/exit", s.handleExit)
	return mux
}

// Start starts the HTTP server
func (s *API) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	if s.socketPath != "" {
		// Use platform-specific socket listener
		s.listener, err = createSocketListener(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("Starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("Starting HTTP server on %s", s.addr)
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, once started.
func (s *API) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server
func (s *API) Stop() error {
	logger.Info("Stopping api server")

	if s.server != nil {
		s.server.Close()
	}

	if s.socketPath != "" {
		cleanupSocket(s.socketPath)
	}

	return nil
}

// GetStartChannel returns the channel for receiving capture start requests
func (s *API) GetStartChannel() <-chan struct{} {
	return s.startChan
}

// GetStopChannel returns the channel for receiving capture stop requests
func (s *API) GetStopChannel() <-chan struct{} {
	return s.stopChan
}

// GetShutdownChannel returns the channel for receiving shutdown requests
func (s *API) GetShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

// SetStatusProvider sets where /status reads capture state from.
func (s *API) SetStatusProvider(p StatusProvider) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.provider = p
}

// SetTunnelAddress records the interface address shown on /status. The
// interface name comes from the status provider.
func (s *API) SetTunnelAddress(address string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.address = address
}

// SetSink records the decision sink kind shown on /status.
func (s *API) SetSink(kind string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.sink = kind
}

func (s *API) SetVersion(version string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.version = version
}

// signal queues one request without blocking; a pending request absorbs
// repeats.
func signal(ch chan struct{}) bool {
	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleStart handles the /start endpoint
func (s *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger.Info("Received start request via API")

	if !signal(s.startChan) {
		http.Error(w, "Start already in progress", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "capture start accepted",
	})
}

// handleStop handles the /stop endpoint
func (s *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger.Info("Received stop request via API")
	signal(s.stopChan)

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "capture stop initiated",
	})
}

// handleStatus handles the /status endpoint
func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.statusMu.RLock()
	resp := StatusResponse{
		Address:   s.address,
		Sink:      s.sink,
		Version:   s.version,
		StartedAt: s.startedAt,
	}
	provider := s.provider
	s.statusMu.RUnlock()

	if provider != nil {
		resp.Status = provider.Status()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleExit handles the /exit endpoint
func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger.Info("Received exit request via API")
	signal(s.shutdownChan)

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "shutdown initiated",
	})
}
