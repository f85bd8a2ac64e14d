// Package commands implements the telehubctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatChannels renders the channel listing in the requested format.
func formatChannels(entries []ChannelEntry, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(entries)
	case formatTable:
		return formatChannelsTable(entries)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatGetResult renders a single device's stats and samples.
func formatGetResult(res *GetResult, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(res)
	case formatTable:
		return formatGetResultTable(res)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalJSON(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(out) + "\n", nil
}

// --- Table formatters ---

func formatChannelsTable(entries []ChannelEntry) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVID\tSTATE\tRECV\tRATE\tELAPSED\tDATA-AGE\tRSSI")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%d\n",
			e.ID,
			e.DevID,
			channelState(e),
			e.Recv,
			e.Rate,
			(time.Duration(e.Elapsed) * time.Second).String(),
			(time.Duration(e.Age.Data) * time.Millisecond).String(),
			e.RSSI,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatGetResultTable(res *GetResult) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	state := "running"
	if res.Stats.Parked != 0 {
		state = "parked"
	}

	fmt.Fprintf(w, "State:\t%s\n", state)
	fmt.Fprintf(w, "Server Tick:\t%d\n", res.Stats.Tick)
	fmt.Fprintf(w, "Device Tick:\t%d\n", res.Stats.DevTick)
	fmt.Fprintf(w, "Elapsed:\t%s\n", (time.Duration(res.Stats.Elapsed) * time.Second).String())
	fmt.Fprintf(w, "Data Age:\t%s\n", (time.Duration(res.Stats.Age.Data) * time.Millisecond).String())
	fmt.Fprintf(w, "Ping Age:\t%s\n", (time.Duration(res.Stats.Age.Ping) * time.Millisecond).String())
	fmt.Fprintf(w, "RSSI:\t%d\n", res.Stats.RSSI)
	fmt.Fprintf(w, "Device Flags:\t0x%X\n", res.Stats.Flags)

	if len(res.Data) > 0 {
		fmt.Fprintln(w, "\nPID\tVALUE\tAGE")
		for _, row := range res.Data {
			if len(row) != 3 {
				continue
			}
			fmt.Fprintf(w, "0x%X\t%v\t%v ms\n", asInt(row[0]), row[1], row[2])
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func channelState(e ChannelEntry) string {
	if e.Parked != 0 {
		return "parked"
	}
	return "running"
}

// asInt coerces a decoded JSON number (float64) back to an int for
// hex-formatted PID display.
func asInt(v any) int {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}
