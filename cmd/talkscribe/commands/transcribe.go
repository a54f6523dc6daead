package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talkscribe/talkscribe/internal/transcribe"
)

var transcribeLanguage string

var transcribeCmd = &cobra.Command{
	Use:   "transcribe FILE",
	Short: "Transcribe one audio file",
	Long: `Transcribe one audio file with the configured backend and print the
text to stdout. Useful for checking backend configuration and for batch
work outside the dictation flow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTranscribe(args[0])
	},
}

func init() {
	rootCmd.AddCommand(transcribeCmd)
	transcribeCmd.Flags().StringVarP(&transcribeLanguage, "language", "l", "", "language hint for the backend")
}

func runTranscribe(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	backend, err := transcribe.New(cfg.Transcriber, logger)
	if err != nil {
		return err
	}

	timeout := seconds(cfg.Transcriber.Timeout)
	if timeout <= 0 {
		timeout = transcribe.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	text, err := backend.Transcribe(ctx, transcribe.Request{AudioPath: path, Language: transcribeLanguage})
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
