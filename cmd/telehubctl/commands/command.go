package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// pollInterval is the delay between token polls when --wait is set.
const pollInterval = 500 * time.Millisecond

// Sentinel errors for command dispatch.
var (
	errCommandFailed  = errors.New("command failed")
	errCommandTimeout = errors.New("command timed out")
)

func commandCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "command <device-id> <command>",
		Short: "Send a command to a device over UDP",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()

			res, err := api.SendCommand(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("send command: %w", err)
			}
			if res.Result != "pending" {
				return fmt.Errorf("%w: %s", errCommandFailed, res.Error)
			}

			if !wait {
				fmt.Printf("pending, token %d\n", res.Token)
				return nil
			}

			return pollUntilDone(ctx, args[0], res.Token, timeout)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the device acknowledges")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for the acknowledgment")

	return cmd
}

// pollUntilDone polls the command token until the device acknowledges,
// the daemon reports failure, or the deadline passes.
func pollUntilDone(ctx context.Context, devid string, token int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		res, err := api.PollCommand(ctx, devid, token)
		if err != nil {
			return fmt.Errorf("poll command: %w", err)
		}

		switch res.Result {
		case "done":
			fmt.Printf("done, token %d", token)
			if res.Msg != "" {
				fmt.Printf(": %s", res.Msg)
			}
			fmt.Println()
			return nil
		case "pending":
			time.Sleep(pollInterval)
		default:
			return fmt.Errorf("%w: %s", errCommandFailed, res.Error)
		}
	}

	return errCommandTimeout
}
