package audio

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")

	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	if err := WriteWAV(path, samples, 16000); err != nil {
		t.Fatalf("WriteWAV failed: %v", err)
	}

	got, rate, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if len(got) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestWriteWAVHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "header.wav")

	if err := WriteWAV(path, []int16{1, -1, 2, -2}, 8000); err != nil {
		t.Fatalf("WriteWAV failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file back: %v", err)
	}
	if len(raw) != 44+8 {
		t.Fatalf("Expected 52 bytes, got %d", len(raw))
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Error("Missing RIFF/WAVE magic")
	}
	if binary.LittleEndian.Uint32(raw[24:28]) != 8000 {
		t.Errorf("Expected sample rate 8000 in header, got %d", binary.LittleEndian.Uint32(raw[24:28]))
	}
	if binary.LittleEndian.Uint16(raw[22:24]) != 1 {
		t.Error("Expected mono channel count")
	}
	if binary.LittleEndian.Uint32(raw[40:44]) != 8 {
		t.Errorf("Expected data length 8, got %d", binary.LittleEndian.Uint32(raw[40:44]))
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wav")
	if err := os.WriteFile(path, []byte("this is not audio at all, not even close"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := ReadWAV(path); err == nil {
		t.Error("Expected error for non-WAV file")
	}
}

func TestPeakAndRMS(t *testing.T) {
	testCases := []struct {
		name     string
		samples  []int16
		wantPeak float64
	}{
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"full scale", []int16{-32768, 0}, 1.0},
		{"half scale", []int16{16384, -16384}, 0.5},
		{"empty", nil, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			peak := Peak(tc.samples)
			if math.Abs(peak-tc.wantPeak) > 1e-9 {
				t.Errorf("Expected peak %v, got %v", tc.wantPeak, peak)
			}
		})
	}

	if rms := RMS([]int16{0, 0, 0}); rms != 0 {
		t.Errorf("Expected zero RMS for silence, got %v", rms)
	}
	if rms := RMS([]int16{16384, 16384}); math.Abs(rms-0.5) > 1e-6 {
		t.Errorf("Expected RMS 0.5, got %v", rms)
	}
}

func TestFileSourceBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")

	// 2.5 blocks worth of audio at block size 4.
	samples := []int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := WriteWAV(path, samples, 16000); err != nil {
		t.Fatal(err)
	}

	src, err := NewFileSource(path, 16000, 4)
	if err != nil {
		t.Fatalf("NewFileSource failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatal(err)
	}

	first, err := src.ReadBlock()
	if err != nil {
		t.Fatalf("First block failed: %v", err)
	}
	if len(first) != 4 || first[0] != 1 || first[3] != 4 {
		t.Errorf("Unexpected first block: %v", first)
	}

	if _, err := src.ReadBlock(); err != nil {
		t.Fatalf("Second block failed: %v", err)
	}

	third, err := src.ReadBlock()
	if err != nil {
		t.Fatalf("Third block failed: %v", err)
	}
	if third[0] != 9 || third[1] != 10 || third[2] != 0 || third[3] != 0 {
		t.Errorf("Expected zero-padded final block, got %v", third)
	}

	if _, err := src.ReadBlock(); err != io.EOF {
		t.Errorf("Expected io.EOF after replay, got %v", err)
	}
}

func TestFileSourceRateMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate.wav")
	if err := WriteWAV(path, []int16{0, 0}, 44100); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileSource(path, 16000, 4); err == nil {
		t.Error("Expected error for sample rate mismatch")
	}
}

func TestSampleByteConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	round := BytesToSamples(SamplesToBytes(samples))
	if len(round) != len(samples) {
		t.Fatalf("Length mismatch: %d vs %d", len(round), len(samples))
	}
	for i := range samples {
		if round[i] != samples[i] {
			t.Errorf("Index %d: expected %d, got %d", i, samples[i], round[i])
		}
	}
}
