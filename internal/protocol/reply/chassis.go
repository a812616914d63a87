package reply

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	chassisPattern     = regexp.MustCompile(`\{BAcC,\d+,\d+,([^}]+)\}`)
	temperaturePattern = regexp.MustCompile(`([+-])(\d{3})O`)
	fanPattern         = regexp.MustCompile(`(\d{5})O`)
)

const fanSectionMarker = "OOO"

var (
	temperatureLabels = []string{"CPU Temperature", "PSU 1 Temperature", "PSU 2 Temperature"}
	fanLabels         = []string{"Left Fan", "Rear Fan 1", "Rear Fan 2", "Rear Fan 3", "Right Fan"}
)

// Temperature is one labelled reading in tenths of a degree Celsius.
type Temperature struct {
	Label  string `json:"label"`
	Tenths int    `json:"tenths"`
}

func (t Temperature) Celsius() float64 {
	return float64(t.Tenths) / 10
}

// Fan is one labelled pulse-rate reading. Zero pulses means the fan is off.
type Fan struct {
	Label  string `json:"label"`
	Pulses int    `json:"pulses"`
}

func (f Fan) Off() bool {
	return f.Pulses == 0
}

// Chassis holds the decoded chassis telemetry fields.
type Chassis struct {
	Flags        string        `json:"flags"`
	DoorShut     bool          `json:"door_shut"`
	Temperatures []Temperature `json:"temperatures"`
	Fans         []Fan         `json:"fans"`
}

func (c Chassis) Door() string {
	if c.DoorShut {
		return "Shut"
	}
	return "Open"
}

// Row is a label/value pair ready for tabular display.
type Row struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Rows renders temperatures, then fans, then the door state.
func (c Chassis) Rows() []Row {
	rows := make([]Row, 0, len(c.Temperatures)+len(c.Fans)+1)
	for _, t := range c.Temperatures {
		rows = append(rows, Row{Label: t.Label, Value: fmt.Sprintf("%.1f°C", t.Celsius())})
	}
	for _, f := range c.Fans {
		value := "Off"
		if !f.Off() {
			value = fmt.Sprintf("%d pulses/min", f.Pulses)
		}
		rows = append(rows, Row{Label: f.Label, Value: value})
	}
	if len(c.Flags) >= 3 {
		rows = append(rows, Row{Label: "Rear Door", Value: c.Door()})
	}
	return rows
}

// ParseChassis decodes a {BAcC,<card>,<slot>,...} reply.
func ParseChassis(text string) (Chassis, bool) {
	m := chassisPattern.FindStringSubmatch(text)
	if m == nil {
		return Chassis{}, false
	}
	return ParseChassisPayload(m[1]), true
}

// ParseChassisPayload decodes the compact payload that follows the card and slot fields.
func ParseChassisPayload(payload string) Chassis {
	var c Chassis
	if len(payload) >= 3 {
		c.Flags = payload[:3]
		c.DoorShut = c.Flags[1] == 'S'
	}

	for _, g := range temperaturePattern.FindAllStringSubmatch(payload, -1) {
		if len(c.Temperatures) == len(temperatureLabels) {
			break
		}
		tenths, err := strconv.Atoi(g[2])
		if err != nil {
			continue
		}
		if g[1] == "-" {
			tenths = -tenths
		}
		c.Temperatures = append(c.Temperatures, Temperature{
			Label:  temperatureLabels[len(c.Temperatures)],
			Tenths: tenths,
		})
	}

	idx := strings.Index(payload, fanSectionMarker)
	if idx < 0 {
		return c
	}
	for _, g := range fanPattern.FindAllStringSubmatch(payload[idx+len(fanSectionMarker):], -1) {
		if len(c.Fans) == len(fanLabels) {
			break
		}
		pulses, err := strconv.Atoi(g[1])
		if err != nil {
			continue
		}
		c.Fans = append(c.Fans, Fan{Label: fanLabels[len(c.Fans)], Pulses: pulses})
	}
	return c
}
