package shared

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	slotToken      = "SLOT_"
	firmwarePrefix = "FW "
	HeartbeatLine  = "PING"
	ackLine        = "ACK"
	okLine         = "OK"
)

// LineKind classifies an inbound device line.
type LineKind int

const (
	LineUnknown LineKind = iota
	LineSlot
	LineAck
	LineFirmware
)

func (k LineKind) String() string {
	switch k {
	case LineSlot:
		return "slot"
	case LineAck:
		return "ack"
	case LineFirmware:
		return "firmware"
	default:
		return "unknown"
	}
}

// InboundLine is a parsed device line. Only the fields for Kind are set.
type InboundLine struct {
	Kind     LineKind
	Raw      string
	SlotID   int
	State    SlotPresence
	Firmware string
}

// ParseInboundLine classifies one newline-stripped line from the device.
// Anything before the SLOT_ token is ignored so device timestamp prefixes
// pass through.
func ParseInboundLine(raw string) (InboundLine, error) {
	line := strings.TrimSpace(raw)
	out := InboundLine{Kind: LineUnknown, Raw: line}

	if IsAck(line) {
		out.Kind = LineAck
		return out, nil
	}

	if idx := strings.Index(line, slotToken); idx >= 0 {
		slotID, state, err := parseSlotBody(line[idx+len(slotToken):])
		if err != nil {
			return out, fmt.Errorf("%w: %q: %v", ErrMalformedSlotLine, line, err)
		}
		out.Kind = LineSlot
		out.SlotID = slotID
		out.State = state
		return out, nil
	}

	if strings.HasPrefix(line, firmwarePrefix) {
		version := strings.TrimSpace(strings.TrimPrefix(line, firmwarePrefix))
		if version != "" {
			out.Kind = LineFirmware
			out.Firmware = version
			return out, nil
		}
	}

	return out, fmt.Errorf("%w: %q", ErrNotSlotLine, line)
}

func parseSlotBody(body string) (int, SlotPresence, error) {
	num, state, ok := strings.Cut(body, ":")
	if !ok {
		return 0, "", fmt.Errorf("missing ':' separator")
	}
	if !allDigits(num) {
		return 0, "", fmt.Errorf("invalid slot number %q", num)
	}
	slotID, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", fmt.Errorf("invalid slot number %q", num)
	}
	switch SlotPresence(strings.TrimSpace(state)) {
	case SlotPresent:
		return slotID, SlotPresent, nil
	case SlotRemoved:
		return slotID, SlotRemoved, nil
	default:
		return 0, "", fmt.Errorf("invalid slot state %q", state)
	}
}

// IsAck reports whether a line acknowledges a command.
func IsAck(line string) bool {
	line = strings.TrimSpace(line)
	return line == ackLine || line == okLine
}

// FormatIndicatorCommand renders the single-line segment command.
func FormatIndicatorCommand(cmd IndicatorCommand) string {
	return fmt.Sprintf("SEG %d POS %d COLOR %d MODE %s", cmd.SlotID, cmd.Position, cmd.Hue, cmd.Mode)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
