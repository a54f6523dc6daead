package engine

import "github.com/talkscribe/talkscribe/internal/audio"

// Detector decides whether one analysis window contains speech. A detector
// error is treated by the recorder as speech so questionable audio is kept
// rather than dropped.
type Detector interface {
	DetectSpeech(window []int16) (bool, error)
}

// EnergyDetector is the default detector: speech when the window's RMS
// level crosses a threshold. Crude next to a trained model, but it has no
// external dependency and behaves predictably on synthesized test input.
type EnergyDetector struct {
	Threshold float64
}

func (d EnergyDetector) DetectSpeech(window []int16) (bool, error) {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultSpeechThreshold
	}
	return audio.RMS(window) >= threshold, nil
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(window []int16) (bool, error)

func (fn DetectorFunc) DetectSpeech(window []int16) (bool, error) {
	return fn(window)
}
