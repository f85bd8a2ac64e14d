package hub

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Wire Protocol Constants
// -------------------------------------------------------------------------

// MaxDatagramSize is the maximum accepted UDP datagram size in bytes.
const MaxDatagramSize = 4096

// EventID identifies a protocol event carried in the EV= field of an
// event frame.
type EventID int

const (
	// EventLogin opens (or resumes) a device session.
	EventLogin EventID = 1

	// EventLogout ends a device session explicitly.
	EventLogout EventID = 2

	// EventSync is the periodic drift-correction reply sent on data frames
	// when a sync is due; it re-confirms the channel-id/peer binding.
	EventSync EventID = 3

	// EventReconnect instructs a device to re-login after the server
	// received data for a channel without a running session.
	EventReconnect EventID = 4

	// EventCommand carries a server-originated command (TK token + CMD).
	EventCommand EventID = 5

	// EventAck is the device's asynchronous response to a command,
	// echoing the TK token and carrying the MSG payload.
	EventAck EventID = 6

	// EventPing is a device keepalive that parks the session.
	EventPing EventID = 7
)

// String returns the human-readable name of the event.
func (e EventID) String() string {
	switch e {
	case EventLogin:
		return "Login"
	case EventLogout:
		return "Logout"
	case EventSync:
		return "Sync"
	case EventReconnect:
		return "Reconnect"
	case EventCommand:
		return "Command"
	case EventAck:
		return "Ack"
	case EventPing:
		return "Ping"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// known reports whether the event id is one the engine handles.
func (e EventID) known() bool {
	return e >= EventLogin && e <= EventPing
}

// -------------------------------------------------------------------------
// Frame Codec
// -------------------------------------------------------------------------

// Decode errors. Malformed frames are logged and dropped by the engine;
// none of these ever produce a reply.
var (
	// ErrNoChecksum indicates the frame has no '*' checksum separator.
	ErrNoChecksum = errors.New("frame has no checksum")

	// ErrBadChecksum indicates the checksum did not verify or is not hex.
	ErrBadChecksum = errors.New("frame checksum mismatch")

	// ErrNoBody indicates the frame has no '#' id/body separator.
	ErrNoBody = errors.New("frame has no body separator")

	// ErrUnknownEvent indicates an event frame with an unrecognized EV id.
	ErrUnknownEvent = errors.New("unknown event id")

	// ErrBadEventField indicates an event frame field failed to parse.
	ErrBadEventField = errors.New("malformed event field")
)

// Frame is one decoded datagram: the leading identity token (a channel id,
// or the device id on first login) and the body between '#' and '*'.
type Frame struct {
	ID   string
	Body string
}

// Event reports whether the body is an event frame (EV= present) rather
// than a data frame of pid:value pairs.
func (f Frame) Event() bool {
	return strings.Contains(f.Body, "EV=")
}

// Checksum computes the sum of byte codepoints of s, mod 256.
func Checksum(s string) uint8 {
	var sum int
	for i := 0; i < len(s); i++ {
		sum += int(s[i])
	}
	return uint8(sum)
}

// AppendChecksum appends the '*'-delimited checksum to s, rendered as
// uppercase hex without zero padding.
func AppendChecksum(s string) string {
	return fmt.Sprintf("%s*%X", s, Checksum(s))
}

// EncodeFrame assembles a complete wire frame from an identity token and
// a body, including the trailing checksum.
func EncodeFrame(id, body string) string {
	return AppendChecksum(id + "#" + body)
}

// DecodeFrame validates the checksum and splits a raw datagram into its
// identity and body. The checksum is matched mod 256 and may be one or
// two hex digits.
func DecodeFrame(raw string) (Frame, error) {
	star := strings.LastIndexByte(raw, '*')
	if star < 0 {
		return Frame{}, ErrNoChecksum
	}
	payload, sumText := raw[:star], raw[star+1:]

	sum, err := strconv.ParseUint(sumText, 16, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadChecksum, sumText)
	}
	if uint8(sum) != Checksum(payload) {
		return Frame{}, ErrBadChecksum
	}

	hash := strings.IndexByte(payload, '#')
	if hash < 0 {
		return Frame{}, ErrNoBody
	}

	return Frame{ID: payload[:hash], Body: payload[hash+1:]}, nil
}

// -------------------------------------------------------------------------
// Event Frames
// -------------------------------------------------------------------------

// Event is a parsed event frame body. Fields not present on the wire keep
// their zero values.
type Event struct {
	ID         EventID
	DeviceTick int64  // TS, milliseconds since device boot
	Token      int    // TK, command token echoed on ACK
	Msg        string // MSG, command-response payload
	VIN        string // VIN, vehicle identification number
	DevFlags   int    // DF, device flag bits
	RSSI       int    // SSI, radio signal strength
	Key        string // SK, server key presented on login
}

// ParseEvent parses a comma-separated KEY=VALUE event body. Unknown keys
// are ignored; a recognized key with an unparsable numeric value rejects
// the whole frame, as does an unknown or missing EV id.
func ParseEvent(body string) (Event, error) {
	var evt Event
	seenEV := false

	for _, field := range strings.Split(body, ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		var err error
		switch key {
		case "EV":
			var id int
			id, err = strconv.Atoi(value)
			evt.ID = EventID(id)
			seenEV = true
		case "TS":
			evt.DeviceTick, err = strconv.ParseInt(value, 10, 64)
		case "TK":
			evt.Token, err = strconv.Atoi(value)
		case "MSG":
			evt.Msg = value
		case "VIN":
			evt.VIN = value
		case "DF":
			evt.DevFlags, err = strconv.Atoi(value)
		case "SSI":
			evt.RSSI, err = strconv.Atoi(value)
		case "SK":
			evt.Key = value
		}
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s=%q", ErrBadEventField, key, value)
		}
	}

	if !seenEV || !evt.ID.known() {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownEvent, evt.ID)
	}
	return evt, nil
}

// EncodeReply formats the server reply frame for a channel:
// <id>#EV=<event>,RX=<recv>,TX=<tx> with trailing checksum.
func EncodeReply(id string, event EventID, rx, tx uint64) string {
	return EncodeFrame(id, fmt.Sprintf("EV=%d,RX=%d,TX=%d", event, rx, tx))
}

// EncodeCommand formats a server-originated command frame:
// <id>#EV=5,TK=<token>,CMD=<cmd> with trailing checksum.
func EncodeCommand(id string, token int, cmd string) string {
	return EncodeFrame(id, fmt.Sprintf("EV=%d,TK=%d,CMD=%s", EventCommand, token, cmd))
}
