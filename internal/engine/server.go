package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/talkscribe/talkscribe/internal/protocol"
)

// maxCommandBytes bounds one command line from a client.
const maxCommandBytes = 1 << 20

// ServerConfig tunes the engine's TCP endpoint.
type ServerConfig struct {
	Host string
	Port int
}

// Server exposes one Recorder over TCP. Clients speak newline-delimited
// JSON: commands in, events out. The server survives session ends and
// client disconnects; only a shutdown command or Stop ends it.
type Server struct {
	cfg      ServerConfig
	recorder *Recorder
	logger   *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	downOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer wraps a recorder in a TCP command server.
func NewServer(cfg ServerConfig, recorder *Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With("component", "engine-server"),
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address. Serve accepts on it afterwards;
// split so callers can learn the bound address before serving (port 0).
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("engine listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts clients until shutdown. It returns after every connection
// handler has finished.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("serve called before listen")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.wg.Wait()
				return nil
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Start is Listen followed by Serve.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop shuts the server down: the listener closes, open connections are
// dropped and any active recording is finalized. It blocks until all
// handlers have returned.
func (s *Server) Stop() {
	s.initiateShutdown()
	s.wg.Wait()
}

func (s *Server) initiateShutdown() {
	s.downOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// connSink delivers events to one client as JSON lines. A failed write
// poisons the sink and closes the connection; later sends are dropped so a
// dead client cannot stall the capture loop.
type connSink struct {
	mu     sync.Mutex
	conn   net.Conn
	logger *slog.Logger
	failed bool
}

func (cs *connSink) Send(evt protocol.Event) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.failed {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		cs.logger.Error("failed to encode event", "event", evt.EventName(), "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := cs.conn.Write(data); err != nil {
		cs.logger.Warn("client write failed, dropping connection", "error", err)
		cs.failed = true
		cs.conn.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With("client", conn.RemoteAddr().String())
	logger.Info("client connected")

	sink := &connSink{conn: conn, logger: logger}
	sink.Send(protocol.ServerReady{})

	// owned marks that this client started the active recording, so a
	// disconnect finalizes it instead of leaving it running headless.
	owned := false
	defer func() {
		if owned && s.recorder.Recording() {
			logger.Warn("client disconnected mid-recording, finalizing")
			s.recorder.Stop()
			s.recorder.Wait()
		}
		logger.Info("client disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			logger.Warn("ignoring bad command", "error", err)
			continue
		}

		switch c := cmd.(type) {
		case *protocol.StartRecording:
			if err := s.recorder.Start(c.OutputDir, c.Prefix, sink); err != nil {
				logger.Warn("start rejected", "error", err)
				sink.Send(protocol.ErrorEvent{Error: err.Error()})
				continue
			}
			owned = true
			// Re-arm the client once this session ends, however it ends.
			go func() {
				s.recorder.Wait()
				sink.Send(protocol.ServerReady{})
			}()

		case *protocol.StopRecording:
			if !s.recorder.Recording() {
				// Stopping an idle engine acks immediately.
				sink.Send(protocol.RecordingStopped{})
				continue
			}
			s.recorder.Stop()

		case *protocol.Shutdown:
			logger.Info("shutdown requested")
			if s.recorder.Recording() {
				s.recorder.Stop()
				s.recorder.Wait()
			}
			s.initiateShutdown()
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.shutdown:
		default:
			logger.Warn("client read failed", "error", err)
		}
	}
}
