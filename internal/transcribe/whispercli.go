package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Default argument template for whisper.cpp style binaries. Placeholders
// are substituted per request; {output} is the input path without its
// extension, and the binary is expected to produce {output}.txt.
var defaultWhisperArgs = []string{
	"-m", "{model}",
	"-f", "{audio}",
	"-l", "{language}",
	"-otxt",
	"-of", "{output}",
	"-np",
}

// WhisperCLI runs a local whisper-cli style binary once per segment and
// reads the text file it produces. Falls back to the process stdout when
// the binary prints the transcript instead of writing a file.
type WhisperCLI struct {
	binary string
	model  string
	args   []string
}

// NewWhisperCLI builds the exec backend. args is the argument template;
// empty means defaultWhisperArgs. Recognized placeholders: {audio},
// {language}, {model}, {output}.
func NewWhisperCLI(binary, model string, args []string) (*WhisperCLI, error) {
	if binary == "" {
		return nil, errors.New("whisper-cli binary path is required")
	}
	if len(args) == 0 {
		args = defaultWhisperArgs
	}
	return &WhisperCLI{binary: binary, model: model, args: args}, nil
}

func (w *WhisperCLI) Name() string { return "whisper-cli" }

func (w *WhisperCLI) Transcribe(ctx context.Context, req Request) (string, error) {
	outBase := strings.TrimSuffix(req.AudioPath, filepath.Ext(req.AudioPath))
	args := w.buildArgs(req, outBase)

	cmd := exec.CommandContext(ctx, w.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s timed out: %w", w.binary, ctx.Err())
		}
		return "", fmt.Errorf("%s failed: %w (%s)", w.binary, err, stderrTail(stderr.Bytes()))
	}

	txtPath := outBase + ".txt"
	data, err := os.ReadFile(txtPath)
	if err == nil {
		defer os.Remove(txtPath)
		return string(data), nil
	}
	if out := strings.TrimSpace(stdout.String()); out != "" {
		return out, nil
	}
	return "", fmt.Errorf("%s produced neither %s nor stdout text", w.binary, txtPath)
}

func (w *WhisperCLI) buildArgs(req Request, outBase string) []string {
	replacer := strings.NewReplacer(
		"{audio}", req.AudioPath,
		"{language}", req.Language,
		"{model}", w.model,
		"{output}", outBase,
	)
	args := make([]string, 0, len(w.args))
	for _, a := range w.args {
		args = append(args, replacer.Replace(a))
	}
	return args
}

// stderrTail keeps the last few lines of stderr so an error message stays
// readable while still carrying the binary's actual complaint.
func stderrTail(stderr []byte) string {
	const maxTail = 400
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return "no stderr output"
	}
	if len(s) > maxTail {
		s = "..." + s[len(s)-maxTail:]
	}
	return s
}
