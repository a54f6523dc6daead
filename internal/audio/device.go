package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// DeviceSource captures microphone audio through portaudio. The stream
// callback copies each buffer into a bounded channel so the real-time
// thread never blocks; ReadBlock drains that channel and reassembles
// fixed-size blocks.
type DeviceSource struct {
	deviceName string
	sampleRate int
	blockSize  int

	mu       sync.Mutex
	stream   *portaudio.Stream
	buffers  chan []int16
	stopped  chan struct{}
	leftover []int16
	dropped  atomic.Int64
}

// NewDeviceSource prepares a microphone source. deviceName selects an input
// device by name; empty means the system default.
func NewDeviceSource(deviceName string, sampleRate, blockSize int) *DeviceSource {
	return &DeviceSource{
		deviceName: deviceName,
		sampleRate: sampleRate,
		blockSize:  blockSize,
	}
}

func (ds *DeviceSource) Start() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.stream != nil {
		return fmt.Errorf("device source already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	device, err := ds.findDevice()
	if err != nil {
		portaudio.Terminate()
		return err
	}

	// Buffer roughly 16s of audio; the callback drops beyond that
	// rather than stalling the real-time thread.
	ds.buffers = make(chan []int16, 32)
	ds.stopped = make(chan struct{})
	ds.leftover = nil
	buffers := ds.buffers

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(ds.sampleRate),
		FramesPerBuffer: ds.blockSize,
	}

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		if len(in) == 0 {
			return
		}
		buf := make([]int16, len(in))
		copy(buf, in)
		select {
		case buffers <- buf:
		default:
			ds.dropped.Add(1)
		}
	})
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	ds.stream = stream
	return nil
}

func (ds *DeviceSource) findDevice() (*portaudio.DeviceInfo, error) {
	if ds.deviceName == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio devices: %w", err)
	}
	for _, device := range devices {
		if device.MaxInputChannels > 0 && device.Name == ds.deviceName {
			return device, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", ds.deviceName)
}

func (ds *DeviceSource) ReadBlock() ([]int16, error) {
	ds.mu.Lock()
	buffers, stopped := ds.buffers, ds.stopped
	ds.mu.Unlock()
	if buffers == nil {
		return nil, ErrSourceStopped
	}

	block := make([]int16, 0, ds.blockSize)
	ds.mu.Lock()
	if len(ds.leftover) > 0 {
		block = append(block, ds.leftover...)
		ds.leftover = nil
	}
	ds.mu.Unlock()

	for len(block) < ds.blockSize {
		select {
		case buf := <-buffers:
			block = append(block, buf...)
		case <-stopped:
			return nil, ErrSourceStopped
		}
	}

	ds.mu.Lock()
	if len(block) > ds.blockSize {
		ds.leftover = block[ds.blockSize:]
		block = block[:ds.blockSize]
	}
	ds.mu.Unlock()

	return block, nil
}

// Dropped reports how many callback buffers were discarded because the
// consumer fell behind.
func (ds *DeviceSource) Dropped() int64 {
	return ds.dropped.Load()
}

func (ds *DeviceSource) Stop() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.stream == nil {
		return nil
	}
	close(ds.stopped)
	err := ds.stream.Stop()
	ds.stream.Close()
	ds.stream = nil
	ds.buffers = nil
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

func (ds *DeviceSource) Close() error {
	return ds.Stop()
}
