// Package capture defines the contract between the session orchestrator and
// the strategies that turn microphone input into audio segments. Two
// strategies live here: SingleFileAdapter records everything into one WAV
// emitted at stop, and ChunkedAdapter drives the segmentation engine process
// over its TCP protocol for continuous boundary-detected segments.
package capture

import "errors"

// Config carries the per-session settings the orchestrator hands to an
// adapter at capture start.
type Config struct {
	// OutputDir is the session's segment directory. The adapter (or the
	// engine it drives) owns creating it.
	OutputDir string

	// Prefix names segment files; empty means the adapter's default.
	Prefix string

	// Language is the session language tag. Capture itself ignores it,
	// but adapters may forward it for diagnostics.
	Language string
}

// Callbacks receive capture output. OnSegment may be invoked zero or more
// times per session, possibly after a stop has been requested but before it
// completes; index is 1-based and strictly increasing, and final is true
// only on the session's last segment. OnError reports a capture failure;
// wrap with Warning for conditions that should surface as warnings.
type Callbacks struct {
	OnSegment func(audioPath string, index int, final bool)
	OnError   func(err error)
}

// Adapter is one capture strategy. Start returns an error only when capture
// did not begin; after a nil return, failures arrive via Callbacks.OnError.
// Stop is asynchronous and must eventually invoke exactly one of onComplete
// or onError; any final segment is delivered to OnSegment before onComplete
// fires.
type Adapter interface {
	Start(cfg Config, cb Callbacks) error
	Stop(onComplete func(), onError func(error))
	Capturing() bool
}

// warning wraps a capture error that should be surfaced as a warning
// rather than a hard failure (a dead microphone, not a broken pipeline).
type warning struct {
	err error
}

func (w *warning) Error() string { return w.err.Error() }
func (w *warning) Unwrap() error { return w.err }

// Warning marks err as warning severity.
func Warning(err error) error {
	if err == nil {
		return nil
	}
	return &warning{err: err}
}

// IsWarning reports whether err carries the warning marker.
func IsWarning(err error) bool {
	var w *warning
	return errors.As(err, &w)
}
