package frame

import (
	"errors"
	"testing"

	"github.com/danmuck/matrixctl/internal/testutil/testlog"
)

func TestChecksumVectors(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		content string
		want    byte
	}{
		{"AB?", '|'},
		{"ABM?", 'J'},
		{"*BI", 'o'},
		{"ABcC,00,00", ']'},
		{"ABcM,00,00,01", '5'},
		{"ABcO,00,00,01", '7'},
		{"ABcI,00,00,02", '2'},
		{"ABJ", 0x08},
		{"XYZ", ']'},
		{"ABs,001,002", 's'},
	}
	for _, tc := range cases {
		if got := Checksum(tc.content); got != tc.want {
			t.Fatalf("Checksum(%q) = 0x%02x want 0x%02x", tc.content, got, tc.want)
		}
	}
}

func TestKeySelectionIsContentDriven(t *testing.T) {
	testlog.Start(t)

	if Key("AB?") == Key("ABM?") {
		t.Fatalf("status and size must select different keys")
	}
	if Checksum("AB?") == Checksum("ABM?") {
		t.Fatalf("status and size checksums must differ")
	}
	if Checksum("AB?") != Checksum("AB?") {
		t.Fatalf("checksum must be deterministic")
	}
	// ABc with three comma parts falls through to the chassis key.
	if Key("ABcC,00,00") != 0x78 || Key("ABcM,00,00,01") != 0x33 {
		t.Fatalf("unexpected ABc key split: %x %x", Key("ABcC,00,00"), Key("ABcM,00,00,01"))
	}
	// Without a comma ABc is not a card query at all.
	if Key("ABcX") != 0x00 || Checksum("ABcX") != '>' {
		t.Fatalf("ABc without comma: key %x checksum %q", Key("ABcX"), Checksum("ABcX"))
	}
	if Key("AB?x") != 0x00 {
		t.Fatalf("status key must only match exact content")
	}
}

func TestRouteChecksumVectors(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		output, input int
		want          byte
	}{
		{1, 1, 'l'},
		{7, 3, 't'},
		{12, 34, 't'},
		{999, 999, 'A'},
		{1, 20, 'm'},
		{10, 10, 'l'},
		{99, 99, '/'},
	}
	for _, tc := range cases {
		if got := RouteChecksum(tc.output, tc.input); got != tc.want {
			t.Fatalf("RouteChecksum(%d,%d) = %q want %q", tc.output, tc.input, got, tc.want)
		}
	}
}

func TestRouteChecksumPrintableAndDeterministic(t *testing.T) {
	testlog.Start(t)

	for out := MinCrosspoint; out <= MaxCrosspoint; out++ {
		for in := MinCrosspoint; in <= MaxCrosspoint; in++ {
			a := RouteChecksum(out, in)
			if a < 32 || a > 126 {
				t.Fatalf("RouteChecksum(%d,%d) = %d outside printable range", out, in, a)
			}
			if b := RouteChecksum(out, in); a != b {
				t.Fatalf("RouteChecksum(%d,%d) not deterministic: %d != %d", out, in, a, b)
			}
		}
	}
}

func TestRouteCommandOutputFirst(t *testing.T) {
	testlog.Start(t)

	cmd, err := Route(7, 3)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if cmd.Content != "ABs,007,003" {
		t.Fatalf("unexpected content: %q", cmd.Content)
	}
	if cmd.Checksum != 't' || cmd.Family != FamilyRoute {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if got := string(cmd.Wire()); got != "{ABs,007,003}t" {
		t.Fatalf("unexpected wire: %q", got)
	}
}

func TestRouteRejectsOutOfRange(t *testing.T) {
	testlog.Start(t)

	for _, pair := range [][2]int{{0, 1}, {1, 0}, {1000, 1}, {1, 1000}, {-1, 5}} {
		if _, err := Route(pair[0], pair[1]); !errors.Is(err, ErrCrosspointRange) {
			t.Fatalf("Route(%d,%d) expected ErrCrosspointRange, got %v", pair[0], pair[1], err)
		}
	}
}

func TestCatalogueCommands(t *testing.T) {
	testlog.Start(t)

	fixed := map[string]Command{
		"{*BI}o":        DeviceInfo(),
		"{ABM?}J":       MatrixSize(),
		"{AB?}|":        Status(),
		"{ABcC,00,00}]": ChassisTelemetry(),
	}
	for want, cmd := range fixed {
		if got := string(cmd.Wire()); got != want {
			t.Fatalf("wire = %q want %q", got, want)
		}
	}

	m, err := MatrixTelemetry(0, 0)
	if err != nil || string(m.Wire()) != "{ABcM,00,00,01}5" || m.Family != FamilyTelemetry {
		t.Fatalf("matrix telemetry: %q %v", m.Wire(), err)
	}
	o, err := OutputTelemetry(0, 0)
	if err != nil || string(o.Wire()) != "{ABcO,00,00,01}7" {
		t.Fatalf("output telemetry: %q %v", o.Wire(), err)
	}
	i, err := InputTelemetry(0, 0)
	if err != nil || string(i.Wire()) != "{ABcI,00,00,02}2" {
		t.Fatalf("input telemetry: %q %v", i.Wire(), err)
	}
	if c, _ := MatrixTelemetry(3, 12); c.Content != "ABcM,03,12,01" {
		t.Fatalf("card/slot must be zero padded: %q", c.Content)
	}
	if _, err := InputTelemetry(100, 0); !errors.Is(err, ErrCardSlotRange) {
		t.Fatalf("expected ErrCardSlotRange, got %v", err)
	}
}

func TestRawRejectsInvalidContent(t *testing.T) {
	testlog.Start(t)

	for _, content := range []string{"", "AB}", "{AB", "AB\n", "AB\x80"} {
		if _, err := Raw(content); !errors.Is(err, ErrInvalidContent) {
			t.Fatalf("Raw(%q) expected ErrInvalidContent, got %v", content, err)
		}
	}
	cmd, err := Raw("ABJ")
	if err != nil || cmd.Family != FamilyJ {
		t.Fatalf("Raw(ABJ) = %+v, %v", cmd, err)
	}
}

func TestEncodeParseWireRoundTrip(t *testing.T) {
	testlog.Start(t)

	contents := []string{"AB?", "ABM?", "*BI", "ABcC,00,00", "ABcI,04,07,02", "ABJ"}
	for _, content := range contents {
		wire, err := Encode(content)
		if err != nil {
			t.Fatalf("encode %q: %v", content, err)
		}
		got, sum, err := ParseWire(wire)
		if err != nil {
			t.Fatalf("parse %q: %v", wire, err)
		}
		if got != content || sum != Checksum(content) {
			t.Fatalf("round trip mismatch: got=%q/%x want=%q/%x", got, sum, content, Checksum(content))
		}
	}

	// Route checksum can itself be a closing brace.
	cmd, _ := Route(19, 9)
	got, _, err := ParseWire(cmd.Wire())
	if err != nil || got != cmd.Content {
		t.Fatalf("route round trip: %q %v", got, err)
	}
}

func TestParseWireMalformed(t *testing.T) {
	testlog.Start(t)

	for _, wire := range []string{"", "{}", "AB?}|", "{AB?|", "{AB?}"} {
		if _, _, err := ParseWire([]byte(wire)); err == nil {
			t.Fatalf("ParseWire(%q) expected error", wire)
		}
	}
}

func TestCompleteAndDecodeText(t *testing.T) {
	testlog.Start(t)

	if Complete([]byte("{BASTATUS,1,2")) {
		t.Fatalf("incomplete reply reported complete")
	}
	if !Complete([]byte("{BASTATUS,1,2}x")) {
		t.Fatalf("complete reply not detected")
	}
	if got, ok := Content([]byte("\x00{BAs?}x")); !ok || got != "BAs?" {
		t.Fatalf("unexpected content: %q %v", got, ok)
	}
	if _, ok := Content([]byte("{BAs?")); ok {
		t.Fatalf("unterminated reply must not yield content")
	}
	if got := DecodeText([]byte{'{', 'B', 0xff, '}'}); got != "{B�}" {
		t.Fatalf("unexpected decode: %q", got)
	}
}
