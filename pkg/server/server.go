package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/darkroom/pkg/crypto"
	"github.com/aeolun/darkroom/pkg/database"
	"github.com/aeolun/darkroom/pkg/transport"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the relay: one keypair, one registry, any number of listeners.
type Server struct {
	store         Store
	keys          *crypto.Keypair
	registry      *Registry
	config        ServerConfig
	configPath    string
	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	shutdown      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup // accept loops and every connection handler

	// live holds every connection from accept to exit, handshaking ones
	// included, so shutdown can close sockets the registry never saw.
	liveMu sync.Mutex
	live   map[*SafeConn]struct{}
	metrics       *Metrics
	startTime     time.Time

	// broadcastMu serializes broadcasts so every recipient sees the same
	// relay order.
	broadcastMu sync.Mutex
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int
	SSHPort        int           // 0 = disabled
	HTTPPort       int           // WebSocket /ws, 0 = disabled
	MetricsPort    int           // /metrics and /health, 0 = disabled
	SSHHostKeyPath string
	FrameSize      int           // RSA modulus bits
	WelcomeMessage string
	WriteTimeout   time.Duration // per-recipient write deadline, 0 = none

	Protected         bool
	PasswordHash      string // hex SHA-256
	MaxLoginAttempts  int
	MaxNicknameLength int

	HistoryEnabled       bool
	HistoryFileFragments bool // false keeps file frames out of the history

	AdminCommandsEnabled bool
	AdminUsers           []string
	DefaultBanHours      int
	MaxHistory           int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           5000,
		SSHPort:           0,
		HTTPPort:          0,
		MetricsPort:       9090,
		SSHHostKeyPath:    "~/.darkroom/ssh_host_key",
		FrameSize:         crypto.DefaultBits,
		WelcomeMessage:    "Welcome to Dark Room!",
		WriteTimeout:      10 * time.Second,
		MaxLoginAttempts:  3,
		MaxNicknameLength: 20,

		HistoryEnabled:       true,
		HistoryFileFragments: true,

		AdminCommandsEnabled: true,
		DefaultBanHours:      24,
		MaxHistory:           100,
	}
}

// NewServer opens the database, seeds admins and generates the process
// keypair.
func NewServer(dbPath string, config ServerConfig, configPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, nick := range config.AdminUsers {
		if err := db.EnsureAdmin(nick); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed admin %s: %w", nick, err)
		}
	}

	keys, err := crypto.Generate(config.FrameSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	// Initialize loggers
	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	s := New(db, keys, config)
	s.configPath = configPath
	return s, nil
}

// New assembles a server around an existing store and keypair.
func New(store Store, keys *crypto.Keypair, config ServerConfig) *Server {
	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		store:     store,
		keys:      keys,
		registry:  registry,
		config:    config,
		shutdown:  make(chan struct{}),
		live:      make(map[*SafeConn]struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "darkroom")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "darkroom")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the TCP listener and whichever of SSH, WebSocket and
// metrics are configured.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public HTTP server for WebSocket clients
	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc(transport.WebSocketPath, s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           publicMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("Public HTTP server listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	s.notifyClientsOfShutdown()

	log.Println("Closing all client connections...")
	s.registry.CloseAll()
	s.closeLive()

	// no handler may touch the store once it is closed
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown tells every participant the relay is going away
func (s *Server) notifyClientsOfShutdown() {
	conns := s.registry.Snapshot()
	if len(conns) == 0 {
		return
	}

	frame, err := s.chatFrame("Server is shutting down.")
	if err != nil {
		errorLog.Printf("Failed to build shutdown notice: %v", err)
		return
	}

	sent := 0
	for _, c := range conns {
		if err := c.Conn.EncodeFrame(frame); err == nil {
			sent++
		}
	}
	log.Printf("Shutdown notification sent to %d/%d connections", sent, len(conns))
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs the handshake and then the relay loop for one
// transport connection. It returns when the participant is gone.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sc := NewSafeConn(conn, s.config.WriteTimeout)
	defer sc.Close()
	if !s.track(sc) {
		return
	}
	defer s.untrack(sc)

	debugLog.Printf("New %s connection from %s", transport, conn.RemoteAddr())

	c, err := s.handshake(sc, transport)
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, ErrBannedPeer):
			result = "banned"
		case errors.Is(err, ErrAuthRejected):
			result = "auth_rejected"
		case errors.Is(err, ErrDuplicateNickname), errors.Is(err, ErrInvalidNickname):
			result = "nickname_rejected"
		}
		s.metrics.RecordHandshake(result)
		debugLog.Printf("Handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	s.metrics.RecordHandshake("accepted")

	s.relayLoop(c)
}

// track adds sc to the live set and the wait group. It refuses once
// shutdown has begun; the check and the Add share liveMu with closeLive so
// Stop never waits on a handler it did not close.
func (s *Server) track(sc *SafeConn) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.wg.Add(1)
	s.live[sc] = struct{}{}
	return true
}

func (s *Server) untrack(sc *SafeConn) {
	s.liveMu.Lock()
	delete(s.live, sc)
	s.liveMu.Unlock()
	s.wg.Done()
}

// closeLive closes every tracked socket, which unblocks handshakes still
// waiting on a read.
func (s *Server) closeLive() {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if len(s.live) > 0 {
		log.Printf("Closing %d live connections", len(s.live))
	}
	for sc := range s.live {
		sc.Close()
	}
}

// liveCount reports how many connections are between accept and exit.
func (s *Server) liveCount() int {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return len(s.live)
}

// HealthHandler reports liveness as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    s.registry.Count(),
		"handshaking":    max(0, s.liveCount()-s.registry.Count()),
	})
}
