package control

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/talkscribe/talkscribe/internal/notify"
	"github.com/talkscribe/talkscribe/internal/session"
)

// maxRequestBytes bounds one request line from a client.
const maxRequestBytes = 1 << 20

// Controller is the daemon surface the server drives. *session.Orchestrator
// satisfies it.
type Controller interface {
	Start(language string) error
	Stop() error
	Reset() error
	Snapshot() session.Snapshot
}

// Server answers control requests and pushes events on a Unix socket. It
// survives client disconnects; only Stop ends it.
type Server struct {
	path   string
	ctrl   Controller
	logger *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	downOnce sync.Once

	mu      sync.Mutex
	writers map[*lineWriter]struct{}
}

// NewServer wraps a controller in a Unix-socket command server at path.
func NewServer(path string, ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		path:     path,
		ctrl:     ctrl,
		logger:   logger.With("component", "control"),
		shutdown: make(chan struct{}),
		writers:  make(map[*lineWriter]struct{}),
	}
}

// Listen binds the socket. A leftover socket file from a crashed daemon is
// removed if nothing answers on it; a live one is an error.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		conn, err := net.DialTimeout("unix", s.path, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("control socket %s is already in use", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove stale control socket: %w", err)
		}
		s.logger.Warn("removed stale control socket", "path", s.path)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	s.listener = listener
	s.logger.Info("control listening", "path", s.path)
	return nil
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

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and drops every client, then waits for the
// handlers. The socket file is unlinked with the listener.
func (s *Server) Stop() {
	s.downOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for w := range s.writers {
			w.close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	w := &lineWriter{conn: conn, logger: s.logger}
	s.mu.Lock()
	s.writers[w] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.writers, w)
		s.mu.Unlock()
	}()

	s.logger.Debug("control client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			w.send(Response{Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}
		w.send(s.handle(req))
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.shutdown:
		default:
			s.logger.Warn("control client read failed", "error", err)
		}
	}
	s.logger.Debug("control client disconnected")
}

func (s *Server) handle(req Request) Response {
	switch req.Cmd {
	case "start":
		if err := s.ctrl.Start(req.Language); err != nil {
			return Response{Error: err.Error()}
		}
	case "stop":
		if err := s.ctrl.Stop(); err != nil {
			return Response{Error: err.Error()}
		}
	case "reset":
		if err := s.ctrl.Reset(); err != nil {
			return Response{Error: err.Error()}
		}
	case "status":
	default:
		return Response{Error: fmt.Sprintf("unknown command: %q", req.Cmd)}
	}

	snap := s.ctrl.Snapshot()
	resp := Response{OK: true, State: snap.State.String(), SessionID: snap.SessionID}
	if req.Cmd == "status" {
		pending, segments := snap.Pending, snap.Results
		resp.Pending = &pending
		resp.Segments = &segments
	}
	return resp
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	writers := make([]*lineWriter, 0, len(s.writers))
	for w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	for _, w := range writers {
		w.send(ev)
	}
}

// BroadcastState pushes a state event; it matches session.StateHandler so
// the daemon can hang it straight on the orchestrator.
func (s *Server) BroadcastState(state session.State, sessionID string) {
	s.broadcast(Event{Event: "state", State: state.String(), SessionID: sessionID})
}

// BroadcastTranscript pushes a finished session's transcript.
func (s *Server) BroadcastTranscript(t session.Transcript) {
	s.broadcast(Event{
		Event:     "transcript",
		SessionID: t.SessionID,
		Text:      t.Text,
		Segments:  t.Segments,
		Failed:    t.Failed,
	})
}

// Notify pushes a notice event, satisfying notify.Sink.
func (s *Server) Notify(n notify.Notice) {
	s.broadcast(Event{
		Event:     "notice",
		SessionID: n.SessionID,
		Category:  n.Category.String(),
		Severity:  n.Severity.String(),
		Message:   n.Message,
	})
}

// lineWriter serializes JSON lines onto one client connection. A failed
// write poisons the writer and closes the connection so a dead client
// cannot stall broadcasts.
type lineWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	logger *slog.Logger
	failed bool
}

func (w *lineWriter) send(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("failed to encode control message", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.conn.Write(data); err != nil {
		w.logger.Warn("control client write failed, dropping connection", "error", err)
		w.failed = true
		w.conn.Close()
	}
}

func (w *lineWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
	w.conn.Close()
}
