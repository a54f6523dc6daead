package capture

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talkscribe/talkscribe/internal/audio"
	"github.com/talkscribe/talkscribe/internal/engine"
)

// engineConn scripts one fake engine connection. Assertions on malformed
// traffic run inside the handler goroutine; a closed connection ends the
// script silently because the client-side assertions already cover it.
type engineConn struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func (ec *engineConn) send(line string) {
	ec.conn.Write([]byte(line + "\n"))
}

func (ec *engineConn) expect(command string) map[string]any {
	if !ec.scanner.Scan() {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(ec.scanner.Bytes(), &m); err != nil {
		ec.t.Errorf("Bad command line %q: %v", ec.scanner.Text(), err)
		return nil
	}
	if m["command"] != command {
		ec.t.Errorf("Expected command %s, got %v", command, m["command"])
	}
	return m
}

// startFakeEngine runs handler for every accepted connection and returns
// the listen address.
func startFakeEngine(t *testing.T, handler func(ec *engineConn)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handler(&engineConn{t: t, conn: conn, scanner: bufio.NewScanner(conn)})
			}()
		}
	}()
	return listener.Addr().String()
}

func testEngineConfig(addr string) EngineConfig {
	return EngineConfig{
		Addr:             addr,
		HandshakeTimeout: 2 * time.Second,
		StopTimeout:      5 * time.Second,
	}
}

func TestChunkedAdapterSessionFlow(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		cmd := ec.expect("start_recording")
		if cmd == nil {
			return
		}
		if cmd["output_dir"] != "/tmp/talkscribe-test" {
			ec.t.Errorf("Expected output_dir /tmp/talkscribe-test, got %v", cmd["output_dir"])
		}
		if cmd["prefix"] != "note" {
			ec.t.Errorf("Expected prefix note, got %v", cmd["prefix"])
		}
		ec.send(`{"type": "recording_started"}`)
		ec.send(`{"type": "chunk_ready", "chunk_num": 1, "audio_file": "/tmp/seg_chunk_001.wav", "is_final": false}`)
		if ec.expect("stop_recording") == nil {
			return
		}
		// The final chunk lands after the stop was requested but before
		// its ack; that is the normal shutdown sequence.
		ec.send(`{"type": "chunk_ready", "chunk_num": 2, "audio_file": "/tmp/seg_chunk_002.wav", "is_final": true}`)
		ec.send(`{"type": "recording_stopped"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/talkscribe-test", Prefix: "note"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !a.Capturing() {
		t.Error("Expected Capturing true while recording")
	}

	seg := rec.next(t)
	if seg.kind != "segment" || seg.index != 1 || seg.final {
		t.Fatalf("Expected non-final segment 1, got %+v", seg)
	}
	if seg.path != "/tmp/seg_chunk_001.wav" {
		t.Errorf("Expected engine-reported path, got %s", seg.path)
	}

	rec.stop(a)

	seg2 := rec.next(t)
	if seg2.kind != "segment" || seg2.index != 2 || !seg2.final {
		t.Fatalf("Expected final segment 2 before completion, got %+v", seg2)
	}
	if done := rec.next(t); done.kind != "complete" {
		t.Fatalf("Expected completion, got %+v", done)
	}
	if a.Capturing() {
		t.Error("Expected Capturing false after stop")
	}
}

func TestChunkedAdapterSilenceWarning(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		ec.send(`{"type": "silence_warning", "message": "no audio detected for 2.0s"}`)
		ec.send(`{"type": "recording_stopped"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	e := rec.next(t)
	if e.kind != "error" {
		t.Fatalf("Expected error event, got %+v", e)
	}
	if !IsWarning(e.err) {
		t.Errorf("Silence warning should carry the warning marker: %v", e.err)
	}
	if !strings.Contains(e.err.Error(), "no audio detected") {
		t.Errorf("Expected engine message, got %v", e.err)
	}

	waitNotCapturing(t, a)

	// The engine connection is per session; a new start opens a fresh one
	// and works even after a failed session.
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start after silence warning failed: %v", err)
	}
	if e := rec.next(t); e.kind != "error" {
		t.Fatalf("Expected error event on second session, got %+v", e)
	}
	waitNotCapturing(t, a)
}

func waitNotCapturing(t *testing.T, a Adapter) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for a.Capturing() {
		if time.Now().After(deadline) {
			t.Fatal("Adapter still capturing after session ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChunkedAdapterEngineError(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		ec.send(`{"type": "error", "error": "disk full: cannot write chunk"}`)
		ec.send(`{"type": "recording_stopped"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	e := rec.next(t)
	if e.kind != "error" {
		t.Fatalf("Expected error event, got %+v", e)
	}
	if IsWarning(e.err) {
		t.Error("Engine errors should not be warnings")
	}
	if !strings.Contains(e.err.Error(), "disk full") {
		t.Errorf("Expected engine error text, got %v", e.err)
	}
}

func TestChunkedAdapterConnectionLost(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		ec.conn.Close()
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	e := rec.next(t)
	if e.kind != "error" || !strings.Contains(e.err.Error(), "engine connection lost") {
		t.Fatalf("Expected connection-lost error, got %+v", e)
	}
	if a.Capturing() {
		t.Error("Expected Capturing false after engine loss")
	}
}

func TestChunkedAdapterHandshakeTimeout(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		// Accept but never greet.
		ec.scanner.Scan()
	})

	cfg := testEngineConfig(addr)
	cfg.HandshakeTimeout = 300 * time.Millisecond
	a := NewChunkedAdapter(cfg, testLogger())

	err := a.Start(Config{OutputDir: "/tmp/x"}, newEventRec().callbacks())
	if err == nil {
		t.Fatal("Expected handshake timeout")
	}
	if !strings.Contains(err.Error(), "waiting for engine ready") {
		t.Errorf("Expected ready-wait error, got %v", err)
	}
}

func TestChunkedAdapterEngineUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	cfg := testEngineConfig(addr)
	cfg.HandshakeTimeout = 300 * time.Millisecond
	a := NewChunkedAdapter(cfg, testLogger())

	err = a.Start(Config{OutputDir: "/tmp/x"}, newEventRec().callbacks())
	if err == nil {
		t.Fatal("Expected dial failure")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("Expected unreachable error, got %v", err)
	}
}

func TestChunkedAdapterStartRejected(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "error", "error": "already recording"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	err := a.Start(Config{OutputDir: "/tmp/x"}, newEventRec().callbacks())
	if err == nil {
		t.Fatal("Expected start rejection")
	}
	if !strings.Contains(err.Error(), "engine rejected start") {
		t.Errorf("Expected rejection error, got %v", err)
	}
	if a.Capturing() {
		t.Error("Expected Capturing false after rejected start")
	}
}

func TestChunkedAdapterStopTimeout(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		// Swallow the stop and never ack it.
		ec.expect("stop_recording")
		ec.scanner.Scan()
	})

	cfg := testEngineConfig(addr)
	cfg.StopTimeout = 200 * time.Millisecond
	a := NewChunkedAdapter(cfg, testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rec.stop(a)
	e := rec.next(t)
	if e.kind != "stoperror" {
		t.Fatalf("Expected stop error, got %+v", e)
	}
	if !strings.Contains(e.err.Error(), "did not confirm stop") {
		t.Errorf("Expected stop-timeout error, got %v", e.err)
	}
}

func TestChunkedAdapterIgnoresUnknownEvents(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		ec.send(`{"type": "telemetry", "cpu": 12}`)
		ec.send(`this is not json`)
		ec.send(`{"type": "debug", "message": "tick 3: silence"}`)
		ec.send(`{"type": "chunk_ready", "chunk_num": 1, "audio_file": "/tmp/seg_chunk_001.wav", "is_final": false}`)
		if ec.expect("stop_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_stopped"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	seg := rec.next(t)
	if seg.kind != "segment" || seg.index != 1 {
		t.Fatalf("Expected segment past the junk events, got %+v", seg)
	}

	rec.stop(a)
	if e := rec.next(t); e.kind != "complete" {
		t.Fatalf("Expected completion, got %+v", e)
	}
}

func TestChunkedAdapterStartWhileActive(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		if ec.expect("stop_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_stopped"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Start(Config{OutputDir: "/tmp/y"}, rec.callbacks()); err == nil {
		t.Error("Expected error starting while active")
	}

	rec.stop(a)
	if e := rec.next(t); e.kind != "complete" {
		t.Fatalf("Expected completion, got %+v", e)
	}
}

func TestChunkedAdapterStopWithoutSession(t *testing.T) {
	a := NewChunkedAdapter(testEngineConfig("127.0.0.1:1"), testLogger())
	rec := newEventRec()
	rec.stop(a)
	if e := rec.next(t); e.kind != "stoperror" {
		t.Errorf("Expected stop error without a session, got %+v", e)
	}
}

func TestChunkedAdapterStopAfterEngineDrained(t *testing.T) {
	addr := startFakeEngine(t, func(ec *engineConn) {
		ec.send(`{"type": "server_ready"}`)
		if ec.expect("start_recording") == nil {
			return
		}
		ec.send(`{"type": "recording_started"}`)
		// Input drained: the engine finalizes on its own.
		ec.send(`{"type": "chunk_ready", "chunk_num": 1, "audio_file": "/tmp/seg_chunk_001.wav", "is_final": true}`)
		ec.send(`{"type": "recording_stopped"}`)
	})

	a := NewChunkedAdapter(testEngineConfig(addr), testLogger())
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: "/tmp/x"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	seg := rec.next(t)
	if seg.kind != "segment" || !seg.final {
		t.Fatalf("Expected final segment, got %+v", seg)
	}

	// No error arrives: an engine-side stop without a failure is not a
	// capture problem, it just waits for the client's stop.
	rec.expectNone(t, 200*time.Millisecond)
	waitNotCapturing(t, a)

	rec.stop(a)
	if e := rec.next(t); e.kind != "complete" {
		t.Fatalf("Expected immediate completion, got %+v", e)
	}
}

func TestChunkedAdapterAgainstRealEngine(t *testing.T) {
	source := &stubSource{blocks: [][]int16{block(5000, 500), block(5000, 500)}}
	recorder := engine.NewRecorder(engine.Config{SampleRate: 1000}, source, nil, testLogger())
	srv := engine.NewServer(engine.ServerConfig{Host: "127.0.0.1", Port: 0}, recorder, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Failed to start engine server: %v", err)
	}
	go srv.Serve()
	defer srv.Stop()

	a := NewChunkedAdapter(testEngineConfig(srv.Addr().String()), testLogger())
	outDir := t.TempDir()
	rec := newEventRec()
	if err := a.Start(Config{OutputDir: outDir, Prefix: "talk"}, rec.callbacks()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the recorder consume the scripted second of audio before
	// stopping so the final chunk holds all of it.
	deadline := time.Now().Add(3 * time.Second)
	for {
		source.mu.Lock()
		drained := source.pos >= len(source.blocks)
		source.mu.Unlock()
		if drained {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Recorder never consumed the scripted audio")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.stop(a)

	seg := rec.next(t)
	if seg.kind != "segment" || seg.index != 1 || !seg.final {
		t.Fatalf("Expected one final segment, got %+v", seg)
	}
	wantPath := filepath.Join(outDir, "talk_chunk_001.wav")
	if seg.path != wantPath {
		t.Errorf("Expected chunk at %s, got %s", wantPath, seg.path)
	}
	if e := rec.next(t); e.kind != "complete" {
		t.Fatalf("Expected completion, got %+v", e)
	}

	samples, rate, err := audio.ReadWAV(wantPath)
	if err != nil {
		t.Fatalf("Failed to read chunk: %v", err)
	}
	if len(samples) != 1000 {
		t.Errorf("Expected 1000 samples, got %d", len(samples))
	}
	if rate != 1000 {
		t.Errorf("Expected rate 1000, got %d", rate)
	}
}
