package audio

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
)

// SocketSource feeds the capture loop from an AudioSocket TCP stream
// (Asterisk-style telephony audio, 16-bit slin mono). It accepts a single
// caller; a hangup or remote close ends the stream with io.EOF. The
// configured sample rate must match the feed, normally 8000 Hz.
type SocketSource struct {
	listenAddr string
	blockSize  int
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	callID   uuid.UUID
	pending  []int16
	stopped  bool
}

// NewSocketSource prepares an AudioSocket listener on listenAddr.
func NewSocketSource(listenAddr string, blockSize int, logger *slog.Logger) *SocketSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketSource{
		listenAddr: listenAddr,
		blockSize:  blockSize,
		logger:     logger.With("component", "audiosocket"),
	}
}

func (ss *SocketSource) Start() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.listener != nil {
		ss.stopped = false
		return nil
	}
	listener, err := net.Listen("tcp", ss.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ss.listenAddr, err)
	}
	ss.listener = listener
	ss.stopped = false
	ss.logger.Info("waiting for audiosocket call", "addr", ss.listenAddr)
	return nil
}

// ReadBlock blocks until a full block of slin samples has arrived. The
// first call also blocks on accepting the caller and its ID handshake.
func (ss *SocketSource) ReadBlock() ([]int16, error) {
	ss.mu.Lock()
	if ss.stopped {
		ss.mu.Unlock()
		return nil, ErrSourceStopped
	}
	conn := ss.conn
	listener := ss.listener
	ss.mu.Unlock()

	if listener == nil {
		return nil, ErrSourceStopped
	}

	if conn == nil {
		accepted, err := listener.Accept()
		if err != nil {
			ss.mu.Lock()
			stopped := ss.stopped
			ss.mu.Unlock()
			if stopped {
				return nil, ErrSourceStopped
			}
			return nil, fmt.Errorf("accept failed: %w", err)
		}

		id, err := audiosocket.GetID(accepted)
		if err != nil {
			accepted.Close()
			return nil, fmt.Errorf("failed to read call ID: %w", err)
		}

		ss.mu.Lock()
		ss.conn = accepted
		ss.callID = id
		conn = accepted
		ss.mu.Unlock()
		ss.logger.Info("call connected", "call_id", id.String())
	}

	for {
		ss.mu.Lock()
		if len(ss.pending) >= ss.blockSize {
			block := make([]int16, ss.blockSize)
			copy(block, ss.pending[:ss.blockSize])
			ss.pending = ss.pending[ss.blockSize:]
			ss.mu.Unlock()
			return block, nil
		}
		ss.mu.Unlock()

		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			ss.closeConn()
			if err == io.EOF {
				return nil, io.EOF
			}
			ss.mu.Lock()
			stopped := ss.stopped
			ss.mu.Unlock()
			if stopped {
				return nil, ErrSourceStopped
			}
			return nil, fmt.Errorf("failed to read message: %w", err)
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			if payload := msg.Payload(); len(payload) > 0 {
				ss.mu.Lock()
				ss.pending = append(ss.pending, BytesToSamples(payload)...)
				ss.mu.Unlock()
			}
		case audiosocket.KindHangup:
			ss.logger.Info("call hangup", "call_id", ss.callID.String())
			ss.closeConn()
			return nil, io.EOF
		case audiosocket.KindError:
			ss.closeConn()
			return nil, fmt.Errorf("audiosocket error code %d", msg.ErrorCode())
		default:
			// DTMF and silence frames carry no capture audio.
		}
	}
}

func (ss *SocketSource) closeConn() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.conn != nil {
		ss.conn.Close()
		ss.conn = nil
	}
}

// Stop hangs up the active call and closes the listener so a blocked
// ReadBlock (including one waiting in Accept) returns. Start listens anew.
func (ss *SocketSource) Stop() error {
	ss.mu.Lock()
	ss.stopped = true
	conn := ss.conn
	listener := ss.listener
	ss.conn = nil
	ss.listener = nil
	ss.pending = nil
	ss.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if listener != nil {
		listener.Close()
	}
	return nil
}

func (ss *SocketSource) Close() error {
	return ss.Stop()
}

// Addr returns the bound listen address, or nil before Start.
func (ss *SocketSource) Addr() net.Addr {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.listener == nil {
		return nil
	}
	return ss.listener.Addr()
}
