package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func channelsCmd() *cobra.Command {
	var (
		devid    string
		extend   bool
		withData bool
	)

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List telemetry channels",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := api.Channels(context.Background(), devid, extend, withData)
			if err != nil {
				return fmt.Errorf("list channels: %w", err)
			}

			out, err := formatChannels(entries, outputFormat)
			if err != nil {
				return fmt.Errorf("format channels: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().StringVar(&devid, "devid", "", "filter by device ID")
	cmd.Flags().BoolVar(&extend, "extend", false, "include VIN and IP address")
	cmd.Flags().BoolVar(&withData, "data", false, "include latest samples")

	return cmd
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <channel-id>",
		Short: "Evict a channel from the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := api.Clear(context.Background(), args[0]); err != nil {
				return fmt.Errorf("clear channel: %w", err)
			}

			fmt.Println("cleared", args[0])

			return nil
		},
	}
}
