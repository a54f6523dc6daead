// Package control exposes the daemon over a Unix socket speaking
// newline-delimited JSON. Clients write one-line requests and read one-line
// responses; every connected client additionally receives broadcast events
// (state changes, notices, finished transcripts).
package control

// Request is one client command line. Cmd is one of start, stop, reset,
// status.
type Request struct {
	Cmd      string `json:"cmd"`
	Language string `json:"language,omitempty"`
}

// Response answers exactly one Request. Pending and Segments are only set
// on status responses.
type Response struct {
	OK        bool   `json:"ok"`
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Pending   *int   `json:"pending,omitempty"`
	Segments  *int   `json:"segments,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is pushed to all connected clients. Event is one of state,
// transcript, notice; the other fields are populated per kind.
type Event struct {
	Event     string `json:"event"`
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Segments  int    `json:"segments,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Category  string `json:"category,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Message   string `json:"message,omitempty"`
}
