package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	Open  byte = '{'
	Close byte = '}'

	MinCrosspoint = 1
	MaxCrosspoint = 999
	MaxCardSlot   = 99
)

// Command families, used for key selection and metric labels.
const (
	FamilyTelemetry = "telemetry"
	FamilyChassis   = "chassis"
	FamilyInfo      = "info"
	FamilySize      = "size"
	FamilyJ         = "abj"
	FamilyStatus    = "status"
	FamilyRoute     = "route"
	FamilyRaw       = "raw"
)

var (
	ErrInvalidContent  = errors.New("frame: invalid command content")
	ErrCrosspointRange = errors.New("frame: crosspoint out of range")
	ErrCardSlotRange   = errors.New("frame: card/slot out of range")
	ErrMalformedWire   = errors.New("frame: malformed wire message")
)

// Command is one framed request: content plus its checksum byte.
type Command struct {
	Content  string
	Checksum byte
	Family   string
}

// Wire returns {content} followed by the checksum byte.
func (c Command) Wire() []byte {
	out := make([]byte, 0, len(c.Content)+3)
	out = append(out, Open)
	out = append(out, c.Content...)
	out = append(out, Close, c.Checksum)
	return out
}

func (c Command) String() string {
	return c.Content
}

// Raw frames arbitrary content with the generic XOR checksum.
func Raw(content string) (Command, error) {
	if err := validateContent(content); err != nil {
		return Command{}, err
	}
	return Command{
		Content:  content,
		Checksum: Checksum(content),
		Family:   ruleFor(content).family,
	}, nil
}

// Encode returns the wire form of content under the generic checksum.
func Encode(content string) ([]byte, error) {
	cmd, err := Raw(content)
	if err != nil {
		return nil, err
	}
	return cmd.Wire(), nil
}

func mustRaw(content string) Command {
	cmd, err := Raw(content)
	if err != nil {
		panic(err)
	}
	return cmd
}

func DeviceInfo() Command { return mustRaw("*BI") }

func MatrixSize() Command { return mustRaw("ABM?") }

func Status() Command { return mustRaw("AB?") }

func ChassisTelemetry() Command { return mustRaw("ABcC,00,00") }

func MatrixTelemetry(card, slot int) (Command, error) {
	return cardSlotCommand("ABcM", card, slot, "01")
}

func OutputTelemetry(card, slot int) (Command, error) {
	return cardSlotCommand("ABcO", card, slot, "01")
}

func InputTelemetry(card, slot int) (Command, error) {
	return cardSlotCommand("ABcI", card, slot, "02")
}

func cardSlotCommand(prefix string, card, slot int, suffix string) (Command, error) {
	if card < 0 || card > MaxCardSlot || slot < 0 || slot > MaxCardSlot {
		return Command{}, fmt.Errorf("%w: card=%d slot=%d", ErrCardSlotRange, card, slot)
	}
	return Raw(fmt.Sprintf("%s,%02d,%02d,%s", prefix, card, slot, suffix))
}

// Route frames a crosspoint command. Output precedes input on the wire.
func Route(output, input int) (Command, error) {
	if err := ValidateCrosspoint(input, output); err != nil {
		return Command{}, err
	}
	return Command{
		Content:  fmt.Sprintf("ABs,%03d,%03d", output, input),
		Checksum: RouteChecksum(output, input),
		Family:   FamilyRoute,
	}, nil
}

func ValidateCrosspoint(input, output int) error {
	if input < MinCrosspoint || input > MaxCrosspoint {
		return fmt.Errorf("%w: input=%d", ErrCrosspointRange, input)
	}
	if output < MinCrosspoint || output > MaxCrosspoint {
		return fmt.Errorf("%w: output=%d", ErrCrosspointRange, output)
	}
	return nil
}

// ParseWire recovers the content of a framed message and verifies its trailing checksum byte is present.
func ParseWire(wire []byte) (content string, checksum byte, err error) {
	if len(wire) < 3 || wire[0] != Open || wire[len(wire)-2] != Close {
		return "", 0, ErrMalformedWire
	}
	content = string(wire[1 : len(wire)-2])
	if err := validateContent(content); err != nil {
		return "", 0, err
	}
	return content, wire[len(wire)-1], nil
}

// Content extracts the text between the first '{' and the following '}' of a reply.
func Content(reply []byte) (string, bool) {
	open := bytes.IndexByte(reply, Open)
	if open < 0 {
		return "", false
	}
	end := bytes.IndexByte(reply[open+1:], Close)
	if end < 0 {
		return "", false
	}
	return string(reply[open+1 : open+1+end]), true
}

// Complete reports whether buf holds a closing brace.
func Complete(buf []byte) bool {
	return bytes.IndexByte(buf, Close) >= 0
}

// DecodeText renders reply bytes as ASCII, replacing bytes above 0x7F with U+FFFD.
func DecodeText(buf []byte) string {
	var sb strings.Builder
	sb.Grow(len(buf))
	for _, b := range buf {
		if b < utf8.RuneSelf {
			sb.WriteByte(b)
			continue
		}
		sb.WriteRune(utf8.RuneError)
	}
	return sb.String()
}

func validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c < 0x20 || c > 0x7E || c == Open || c == Close {
			return fmt.Errorf("%w: byte 0x%02x at %d", ErrInvalidContent, c, i)
		}
	}
	return nil
}
