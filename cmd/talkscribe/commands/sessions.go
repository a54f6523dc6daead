package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkscribe/talkscribe/internal/history"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent transcripts",
	Long:  `List recent transcripts from the history store, newest first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessions()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "maximum number of sessions to list")
}

func runSessions() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the configuration")
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	transcripts, err := store.Recent(sessionsLimit)
	if err != nil {
		return err
	}
	if len(transcripts) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDURATION\tLANG\tSEGMENTS\tSTATUS\tTEXT")
	for _, t := range transcripts {
		status := "ok"
		if t.Failed > 0 {
			status = fmt.Sprintf("%d failed", t.Failed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.StartedAt.Format("2006-01-02 15:04:05"),
			t.EndedAt.Sub(t.StartedAt).Round(time.Second),
			t.Language,
			t.Segments,
			status,
			firstLine(t.Text, 60))
	}
	return w.Flush()
}

// firstLine shortens text to its first line and at most max runes.
func firstLine(text string, max int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max-3]) + "..."
	}
	return text
}
