package audio

import (
	"errors"
	"fmt"
	"io"
)

// ErrSourceStopped is returned by ReadBlock after Stop has been called.
var ErrSourceStopped = errors.New("audio source stopped")

// Source supplies fixed-size blocks of 16-bit PCM mono audio to a capture
// loop. ReadBlock blocks until a full block is available, returns io.EOF
// when the underlying input is exhausted (file replay, remote hangup), or
// ErrSourceStopped after Stop.
type Source interface {
	// Start prepares the input and begins producing blocks.
	Start() error
	// ReadBlock returns the next block of exactly BlockSize samples.
	ReadBlock() ([]int16, error)
	// Stop ends production; a Source may be started again afterwards.
	Stop() error
	// Close releases the input permanently.
	Close() error
}

// FileSource replays a WAV file as a block source. The last partial block
// is zero padded; the read after it returns io.EOF. Used for offline
// segmentation runs and tests.
type FileSource struct {
	path      string
	blockSize int

	samples []int16
	rate    int
	pos     int
	started bool
}

// NewFileSource opens a 16-bit mono WAV file for block replay. The file's
// sample rate must match wantRate so downstream timing stays correct.
func NewFileSource(path string, wantRate, blockSize int) (*FileSource, error) {
	samples, rate, err := ReadWAV(path)
	if err != nil {
		return nil, err
	}
	if rate != wantRate {
		return nil, fmt.Errorf("%s: sample rate %d does not match configured %d", path, rate, wantRate)
	}
	return &FileSource{
		path:      path,
		blockSize: blockSize,
		samples:   samples,
		rate:      rate,
	}, nil
}

func (fs *FileSource) Start() error {
	fs.pos = 0
	fs.started = true
	return nil
}

func (fs *FileSource) ReadBlock() ([]int16, error) {
	if !fs.started {
		return nil, ErrSourceStopped
	}
	if fs.pos >= len(fs.samples) {
		return nil, io.EOF
	}
	block := make([]int16, fs.blockSize)
	n := copy(block, fs.samples[fs.pos:])
	fs.pos += n
	return block, nil
}

func (fs *FileSource) Stop() error {
	fs.started = false
	return nil
}

func (fs *FileSource) Close() error {
	fs.started = false
	fs.samples = nil
	return nil
}
