package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// WriteWAV writes 16-bit PCM mono samples as a standard RIFF/WAVE file.
// The parent directory must already exist.
func WriteWAV(path string, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	dataLen := len(samples) * 2
	header := make([]byte, wavHeaderSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(header[22:24], 1)  // channels: mono
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(header[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(header[34:36], 16)                   // bits per sample

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	buf := make([]byte, wavHeaderSize+dataLen)
	copy(buf, header)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}

	return os.WriteFile(path, buf, 0644)
}

// ReadWAV loads a 16-bit PCM mono WAV file and returns its samples and
// sample rate. Files with extra chunks between fmt and data are handled;
// anything that is not 16-bit mono PCM is rejected.
func ReadWAV(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	riff := make([]byte, 12)
	if _, err := io.ReadFull(f, riff); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a valid WAV file")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		sawFmt     bool
	)

	// Walk the chunk list until the data chunk.
	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			return nil, 0, fmt.Errorf("no data chunk found: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			fmtChunk := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, fmtChunk); err != nil {
				return nil, 0, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(fmtChunk[0:2])
			channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			bits = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			if format != 1 {
				return nil, 0, fmt.Errorf("unsupported WAV format %d (want PCM)", format)
			}
			sawFmt = true

		case "data":
			if !sawFmt {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			if channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("unsupported layout: %d channels, %d bits (want 16-bit mono)", channels, bits)
			}
			data := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, 0, fmt.Errorf("failed to read data chunk: %w", err)
			}
			samples := make([]int16, len(data)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
			}
			return samples, sampleRate, nil

		default:
			// Skip unknown chunks (LIST, cue, etc).
			if _, err := f.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, 0, fmt.Errorf("failed to skip %q chunk: %w", chunkID, err)
			}
		}
	}
}

// BytesToSamples converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes converts samples to little-endian 16-bit PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
