package engine

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talkscribe/talkscribe/internal/protocol"
)

// engineClient drives a server over raw TCP the way the capture adapter
// does, asserting on the event stream.
type engineClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialEngine(t *testing.T, addr string) *engineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial engine: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandBytes)
	return &engineClient{t: t, conn: conn, scanner: scanner}
}

func (c *engineClient) send(cmd protocol.Command) {
	c.t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		c.t.Fatalf("Failed to marshal command: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("Failed to send %s: %v", cmd.CommandName(), err)
	}
}

func (c *engineClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("Failed to send raw line: %v", err)
	}
}

// next reads the next event, skipping debug traffic.
func (c *engineClient) next() protocol.Event {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if !c.scanner.Scan() {
			c.t.Fatalf("Engine stream ended: %v", c.scanner.Err())
		}
		evt, err := protocol.ParseEvent(c.scanner.Bytes())
		if err != nil {
			c.t.Fatalf("Bad event line %q: %v", c.scanner.Text(), err)
		}
		if evt.EventName() == protocol.EvtDebug {
			continue
		}
		return evt
	}
}

func (c *engineClient) expect(name string) protocol.Event {
	c.t.Helper()
	evt := c.next()
	if evt.EventName() != name {
		c.t.Fatalf("Expected %s, got %s", name, evt.EventName())
	}
	return evt
}

// expectStopped drains events until recording_stopped, tolerating chunks.
func (c *engineClient) expectStopped() {
	c.t.Helper()
	for {
		evt := c.next()
		switch evt.EventName() {
		case protocol.EvtRecordingStopped:
			return
		case protocol.EvtChunkReady:
		default:
			c.t.Fatalf("Expected chunks or stop, got %s", evt.EventName())
		}
	}
}

func startTestServer(t *testing.T, source *scriptedSource) *Server {
	t.Helper()
	recorder := NewRecorder(Config{SampleRate: testRate}, source, nil, testLogger())
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, recorder, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return srv
}

func waitDrained(t *testing.T, source *scriptedSource) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !source.drained() {
		if time.Now().After(deadline) {
			t.Fatal("Recorder never consumed the script")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerSessionRoundtrip(t *testing.T) {
	source := &scriptedSource{blocks: repeat(speechBlock, 2), hold: true}
	srv := startTestServer(t, source)
	client := dialEngine(t, srv.Addr().String())

	client.expect(protocol.EvtServerReady)

	dir := t.TempDir()
	client.send(protocol.StartRecording{OutputDir: dir, Prefix: "talk"})
	client.expect(protocol.EvtRecordingStarted)

	waitDrained(t, source)
	client.send(protocol.StopRecording{})

	chunk := client.expect(protocol.EvtChunkReady).(*protocol.ChunkReady)
	if chunk.ChunkNum != 1 || !chunk.IsFinal {
		t.Errorf("Expected final chunk 1, got %+v", chunk)
	}
	if chunk.AudioFile != filepath.Join(dir, "talk_chunk_001.wav") {
		t.Errorf("Expected chunk in session dir, got %s", chunk.AudioFile)
	}
	client.expect(protocol.EvtRecordingStopped)

	// The engine re-arms on the same connection for the next session.
	client.expect(protocol.EvtServerReady)
	client.send(protocol.StartRecording{OutputDir: t.TempDir(), Prefix: "talk"})
	client.expect(protocol.EvtRecordingStarted)
	waitDrained(t, source)
	client.send(protocol.StopRecording{})
	client.expectStopped()
}

func TestServerStopWhileIdleAcks(t *testing.T) {
	srv := startTestServer(t, &scriptedSource{})
	client := dialEngine(t, srv.Addr().String())

	client.expect(protocol.EvtServerReady)
	client.send(protocol.StopRecording{})
	client.expect(protocol.EvtRecordingStopped)
}

func TestServerRejectsSecondStart(t *testing.T) {
	source := &scriptedSource{blocks: repeat(speechBlock, 2), hold: true}
	srv := startTestServer(t, source)
	client := dialEngine(t, srv.Addr().String())

	client.expect(protocol.EvtServerReady)
	client.send(protocol.StartRecording{OutputDir: t.TempDir()})
	client.expect(protocol.EvtRecordingStarted)

	client.send(protocol.StartRecording{OutputDir: t.TempDir()})
	errEvt := client.expect(protocol.EvtError).(*protocol.ErrorEvent)
	if !strings.Contains(errEvt.Error, "already recording") {
		t.Errorf("Expected already-recording error, got %q", errEvt.Error)
	}

	client.send(protocol.StopRecording{})
	client.expectStopped()
}

func TestServerSkipsBadCommands(t *testing.T) {
	srv := startTestServer(t, &scriptedSource{})
	client := dialEngine(t, srv.Addr().String())

	client.expect(protocol.EvtServerReady)
	client.sendRaw("this is not json")
	client.sendRaw(`{"command": "levitate"}`)
	// The server must still be answering afterwards.
	client.send(protocol.StopRecording{})
	client.expect(protocol.EvtRecordingStopped)
}

func TestServerShutdownCommand(t *testing.T) {
	srv := startTestServer(t, &scriptedSource{})
	client := dialEngine(t, srv.Addr().String())

	client.expect(protocol.EvtServerReady)
	client.send(protocol.Shutdown{})

	client.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if client.scanner.Scan() {
		t.Errorf("Expected connection to close, got %q", client.scanner.Text())
	}

	// New connections must be refused after shutdown.
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), 500*time.Millisecond); err == nil {
		t.Error("Expected dial to fail after shutdown")
	}
}

func TestServerDisconnectFinalizesRecording(t *testing.T) {
	source := &scriptedSource{blocks: repeat(speechBlock, 2), hold: true}
	recorder := NewRecorder(Config{SampleRate: testRate}, source, nil, testLogger())
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, recorder, testLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)

	client := dialEngine(t, srv.Addr().String())
	client.expect(protocol.EvtServerReady)

	dir := t.TempDir()
	client.send(protocol.StartRecording{OutputDir: dir, Prefix: "talk"})
	client.expect(protocol.EvtRecordingStarted)
	waitDrained(t, source)

	// A client crash mid-recording must not leave the engine recording
	// headless.
	client.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for recorder.Recording() {
		if time.Now().After(deadline) {
			t.Fatal("Recorder still recording after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(dir, "talk_chunk_001.wav")); err != nil {
		t.Errorf("Expected the final chunk to be persisted: %v", err)
	}
}
