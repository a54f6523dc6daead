package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/talkscribe/talkscribe/internal/control"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running daemon",
	Long: `Control a running daemon over its Unix socket.

Each subcommand sends one request and prints the daemon's answer. With
--wait, start stays connected and streams session events until the
transcript arrives; the transcript text goes to stdout, everything else
to stderr.`,
}

var (
	ctlLanguage string
	ctlWait     bool
)

var ctlStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a dictation session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCtlStart()
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop capture and transcribe what was recorded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCtl("stop")
	},
}

var ctlResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Abandon the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCtl("reset")
	},
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCtl("status")
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.AddCommand(ctlStartCmd, ctlStopCmd, ctlResetCmd, ctlStatusCmd)
	ctlStartCmd.Flags().StringVarP(&ctlLanguage, "language", "l", "en", "language tag for the session")
	ctlStartCmd.Flags().BoolVarP(&ctlWait, "wait", "w", false, "stream events until the transcript arrives")
}

func dialDaemon() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.Dial(cfg.Control.Socket)
}

func runCtl(command string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Do(control.Request{Cmd: command})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func runCtlStart() error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Do(control.Request{Cmd: "start", Language: ctlLanguage})
	if err != nil {
		return err
	}
	if err := printResponse(resp); err != nil {
		return err
	}
	if !ctlWait {
		return nil
	}

	for {
		ev, err := client.ReadEvent()
		if err != nil {
			return err
		}
		switch ev.Event {
		case "transcript":
			if ev.Failed > 0 {
				fmt.Fprintf(os.Stderr, "%d of %d segments failed\n", ev.Failed, ev.Segments)
			}
			fmt.Println(ev.Text)
			return nil
		case "state":
			fmt.Fprintln(os.Stderr, "state:", ev.State)
			if ev.State == "error" {
				return errors.New("session failed")
			}
		case "notice":
			fmt.Fprintf(os.Stderr, "%s [%s] %s\n", ev.Severity, ev.Category, ev.Message)
		}
	}
}

func printResponse(resp control.Response) error {
	if !resp.OK {
		return errors.New(resp.Error)
	}
	fmt.Println("state:", resp.State)
	if resp.SessionID != "" {
		fmt.Println("session:", resp.SessionID)
	}
	if resp.Pending != nil {
		fmt.Println("pending:", *resp.Pending)
	}
	if resp.Segments != nil {
		fmt.Println("segments:", *resp.Segments)
	}
	return nil
}
