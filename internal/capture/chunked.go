package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/talkscribe/talkscribe/internal/protocol"
)

// maxEventBytes bounds one event line from the engine.
const maxEventBytes = 1 << 20

// EngineConfig tells the chunked adapter how to reach (and optionally run)
// the segmentation engine process.
type EngineConfig struct {
	// Addr is the engine's TCP endpoint.
	Addr string

	// Spawn makes the adapter start the engine process itself on first
	// use; the process then serves every later session. Command is the
	// argv to run; empty means the current executable with the engine
	// subcommand.
	Spawn   bool
	Command []string

	// HandshakeTimeout bounds connect + server_ready + recording_started
	// at session start. StopTimeout bounds the wait for recording_stopped
	// after a stop is sent; the engine may still be flushing a final
	// chunk during that window.
	HandshakeTimeout time.Duration
	StopTimeout      time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:12400"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 15 * time.Second
	}
	return c
}

// engineProc is a spawned engine process and its exit notification.
type engineProc struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// engineSession is one recording session's connection state.
type engineSession struct {
	conn net.Conn
	cb   Callbacks

	stopRequested bool // guarded by the adapter mutex
	failed        bool // guarded by the adapter mutex

	stopped  chan struct{} // closed when recording_stopped arrives
	pumpDone chan struct{} // closed when the event pump exits
}

// ChunkedAdapter drives the segmentation engine process over its TCP
// protocol. Each session opens a fresh connection (the engine greets every
// connection with server_ready); the engine process itself persists across
// sessions. Chunk events map straight onto the capture callbacks, so the
// orchestrator sees segments as the engine cuts them.
type ChunkedAdapter struct {
	cfg    EngineConfig
	logger *slog.Logger

	mu       sync.Mutex
	starting bool
	proc     *engineProc
	sess     *engineSession
}

// NewChunkedAdapter builds the engine-backed capture strategy.
func NewChunkedAdapter(cfg EngineConfig, logger *slog.Logger) *ChunkedAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkedAdapter{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "capture", "strategy", "chunked"),
	}
}

func (a *ChunkedAdapter) Start(cfg Config, cb Callbacks) error {
	a.mu.Lock()
	if a.sess != nil || a.starting {
		a.mu.Unlock()
		return errors.New("capture already active")
	}
	a.starting = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
	}()

	if err := a.ensureEngine(); err != nil {
		return err
	}

	deadline := time.Now().Add(a.cfg.HandshakeTimeout)
	conn, err := a.dial(deadline)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	conn.SetReadDeadline(deadline)

	if err := a.awaitReady(scanner); err != nil {
		conn.Close()
		return err
	}
	start := protocol.StartRecording{OutputDir: cfg.OutputDir, Prefix: cfg.Prefix}
	if err := writeCommand(conn, start); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send start command: %w", err)
	}
	if err := a.awaitStarted(scanner); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})

	sess := &engineSession{
		conn:     conn,
		cb:       cb,
		stopped:  make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	go a.pump(sess, scanner)

	a.logger.Info("capture started", "engine", a.cfg.Addr, "output_dir", cfg.OutputDir)
	return nil
}

// ensureEngine spawns the engine process when configured to and it is not
// already running. Reachability is proven by the dial that follows.
func (a *ChunkedAdapter) ensureEngine() error {
	if !a.cfg.Spawn {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc != nil {
		return nil
	}

	argv := a.cfg.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own executable to spawn engine: %w", err)
		}
		argv = []string{self, "engine"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn engine: %w", err)
	}

	proc := &engineProc{cmd: cmd, exited: make(chan struct{})}
	a.proc = proc
	a.logger.Info("engine process spawned", "pid", cmd.Process.Pid, "argv", argv)

	go func() {
		err := cmd.Wait()
		close(proc.exited)
		a.mu.Lock()
		if a.proc == proc {
			a.proc = nil
		}
		a.mu.Unlock()
		a.logger.Warn("engine process exited", "pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}

// dial connects to the engine, retrying until the deadline so a freshly
// spawned process has time to bind its listener.
func (a *ChunkedAdapter) dial(deadline time.Time) (net.Conn, error) {
	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("engine not reachable at %s: %w", a.cfg.Addr, lastErr)
		}
		attempt := 500 * time.Millisecond
		if attempt > remaining {
			attempt = remaining
		}
		conn, err := net.DialTimeout("tcp", a.cfg.Addr, attempt)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
}

// readEvent returns the next parseable event, skipping blank lines and
// unknown variants.
func (a *ChunkedAdapter) readEvent(scanner *bufio.Scanner) (protocol.Event, error) {
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := protocol.ParseEvent(line)
		if err != nil {
			a.logger.Warn("ignoring bad event from engine", "error", err)
			continue
		}
		return evt, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (a *ChunkedAdapter) awaitReady(scanner *bufio.Scanner) error {
	for {
		evt, err := a.readEvent(scanner)
		if err != nil {
			return fmt.Errorf("waiting for engine ready: %w", err)
		}
		switch e := evt.(type) {
		case *protocol.ServerReady:
			return nil
		case *protocol.ErrorEvent:
			return fmt.Errorf("engine error: %s", e.Error)
		case *protocol.Debug:
			a.logger.Debug("engine", "message", e.Message)
		default:
			a.logger.Debug("ignoring event while waiting for ready", "event", evt.EventName())
		}
	}
}

func (a *ChunkedAdapter) awaitStarted(scanner *bufio.Scanner) error {
	for {
		evt, err := a.readEvent(scanner)
		if err != nil {
			return fmt.Errorf("waiting for recording to start: %w", err)
		}
		switch e := evt.(type) {
		case *protocol.RecordingStarted:
			return nil
		case *protocol.ErrorEvent:
			return fmt.Errorf("engine rejected start: %s", e.Error)
		case *protocol.ServerReady, *protocol.Debug:
			// Re-announcements and diagnostics are fine here.
		default:
			a.logger.Debug("ignoring event while waiting for start", "event", evt.EventName())
		}
	}
}

// pump translates engine events into capture callbacks until the
// connection dies. It owns the session's failure bookkeeping.
func (a *ChunkedAdapter) pump(sess *engineSession, scanner *bufio.Scanner) {
	defer close(sess.pumpDone)

	for {
		evt, err := a.readEvent(scanner)
		if err != nil {
			a.connectionLost(sess, err)
			return
		}

		switch e := evt.(type) {
		case *protocol.ChunkReady:
			a.logger.Debug("chunk ready", "num", e.ChunkNum, "final", e.IsFinal, "file", e.AudioFile)
			sess.cb.OnSegment(e.AudioFile, e.ChunkNum, e.IsFinal)

		case *protocol.SilenceWarning:
			a.mu.Lock()
			sess.failed = true
			a.mu.Unlock()
			sess.cb.OnError(Warning(errors.New(e.Message)))

		case *protocol.ErrorEvent:
			a.mu.Lock()
			sess.failed = true
			a.mu.Unlock()
			sess.cb.OnError(errors.New(e.Error))

		case *protocol.RecordingStopped:
			select {
			case <-sess.stopped:
				// A stop command that raced the engine's own stop gets
				// a second ack; the first one already settled things.
				continue
			default:
				close(sess.stopped)
			}
			a.mu.Lock()
			failed := sess.failed
			a.mu.Unlock()
			if failed {
				// The error callback already ended the session; nobody
				// will call Stop, so tear down here.
				a.clearSession(sess)
				return
			}
			// A normal ack: the Stop waiter (or a later Stop call, when
			// the engine stopped on its own after draining its input)
			// finishes the session.

		case *protocol.ServerReady:
			// The engine re-arms after every session.

		case *protocol.Debug:
			a.logger.Debug("engine", "message", e.Message)
		}
	}
}

// connectionLost handles the pump's read loop dying. Losing the engine
// mid-recording is a capture failure; losing it after the stop handshake
// settled (or while a Stop waiter is in charge) is not reported here.
func (a *ChunkedAdapter) connectionLost(sess *engineSession, err error) {
	select {
	case <-sess.stopped:
		return
	default:
	}

	a.mu.Lock()
	stopRequested := sess.stopRequested
	if a.sess == sess {
		a.sess = nil
	}
	a.mu.Unlock()
	sess.conn.Close()

	if stopRequested {
		// The Stop waiter observes pumpDone and reports the failure.
		return
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("engine closed the connection")
	}
	a.logger.Error("engine connection lost", "error", err)
	sess.cb.OnError(fmt.Errorf("engine connection lost: %w", err))
}

func (a *ChunkedAdapter) Stop(onComplete func(), onError func(error)) {
	a.mu.Lock()
	sess := a.sess
	if sess == nil || sess.stopRequested {
		a.mu.Unlock()
		onError(errors.New("no active capture session"))
		return
	}
	sess.stopRequested = true
	a.mu.Unlock()

	// The engine may have stopped on its own (input drained); then the
	// final chunk is already delivered and the ack already arrived.
	select {
	case <-sess.stopped:
		a.clearSession(sess)
		onComplete()
		return
	default:
	}

	if err := writeCommand(sess.conn, protocol.StopRecording{}); err != nil {
		a.clearSession(sess)
		onError(fmt.Errorf("failed to send stop command: %w", err))
		return
	}

	go func() {
		timer := time.NewTimer(a.cfg.StopTimeout)
		defer timer.Stop()

		select {
		case <-sess.stopped:
			a.clearSession(sess)
			onComplete()

		case <-sess.pumpDone:
			// The connection died first; recording_stopped may still
			// have been the last thing through.
			select {
			case <-sess.stopped:
				a.clearSession(sess)
				onComplete()
			default:
				a.clearSession(sess)
				onError(errors.New("engine connection lost before stop completed"))
			}

		case <-timer.C:
			a.clearSession(sess)
			onError(fmt.Errorf("engine did not confirm stop within %s", a.cfg.StopTimeout))
		}
	}()
}

func (a *ChunkedAdapter) Capturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil || a.sess.stopRequested {
		return false
	}
	select {
	case <-a.sess.stopped:
		return false
	default:
		return true
	}
}

// Close tears the adapter down: any active session is abandoned and a
// spawned engine process is asked to shut down, then killed if it lingers.
func (a *ChunkedAdapter) Close() error {
	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	proc := a.proc
	a.mu.Unlock()

	if sess != nil {
		writeCommand(sess.conn, protocol.StopRecording{})
		sess.conn.Close()
	}
	if proc == nil {
		return nil
	}

	if conn, err := net.DialTimeout("tcp", a.cfg.Addr, time.Second); err == nil {
		writeCommand(conn, protocol.Shutdown{})
		conn.Close()
	}

	select {
	case <-proc.exited:
	case <-time.After(3 * time.Second):
		a.logger.Warn("engine ignored shutdown, killing", "pid", proc.cmd.Process.Pid)
		proc.cmd.Process.Kill()
		<-proc.exited
	}
	return nil
}

func (a *ChunkedAdapter) clearSession(sess *engineSession) {
	a.mu.Lock()
	if a.sess == sess {
		a.sess = nil
	}
	a.mu.Unlock()
	sess.conn.Close()
}

// writeCommand sends one command as a JSON line.
func writeCommand(conn net.Conn, cmd protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}
