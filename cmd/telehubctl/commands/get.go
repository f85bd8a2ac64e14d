package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <device-id>",
		Short: "Show stats and latest samples of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			res, err := api.Get(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get device: %w", err)
			}

			out, err := formatGetResult(res, outputFormat)
			if err != nil {
				return fmt.Errorf("format result: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
