package reply

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/danmuck/matrixctl/internal/crosspoint"
)

// Markers the router prefixes its replies with.
const (
	MarkerDeviceInfo = "BBI,"
	MarkerMatrixSize = "BAM?,"
	MarkerStatus     = "BASTATUS,"
	MarkerChassis    = "BAcC,"
	MarkerRouteAck   = "BAs?"
)

var (
	deviceInfoPattern = regexp.MustCompile(`\{BBI,([^,]+),([^}]+)\}`)
	matrixSizePattern = regexp.MustCompile(`\{BAM\?,(\d+),(\d+)`)
	statusPattern     = regexp.MustCompile(`\{BASTATUS,([^}]+)\}`)
)

type DeviceInfo struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s - %s", d.Model, d.Version)
}

type MatrixSize struct {
	Inputs  int `json:"inputs"`
	Outputs int `json:"outputs"`
}

func ParseDeviceInfo(text string) (DeviceInfo, bool) {
	m := deviceInfoPattern.FindStringSubmatch(text)
	if m == nil {
		return DeviceInfo{}, false
	}
	return DeviceInfo{Model: m[1], Version: m[2]}, true
}

func ParseMatrixSize(text string) (MatrixSize, bool) {
	m := matrixSizePattern.FindStringSubmatch(text)
	if m == nil {
		return MatrixSize{}, false
	}
	inputs, err := strconv.Atoi(m[1])
	if err != nil {
		return MatrixSize{}, false
	}
	outputs, err := strconv.Atoi(m[2])
	if err != nil {
		return MatrixSize{}, false
	}
	return MatrixSize{Inputs: inputs, Outputs: outputs}, true
}

// ParseStatus maps token i of the status payload to output i+1.
// Tokens that are not purely decimal are skipped, so the result can be sparse.
func ParseStatus(text string) (crosspoint.Map, bool) {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	routes := make(crosspoint.Map)
	for i, token := range strings.Split(m[1], ",") {
		if !isDigits(token) {
			continue
		}
		input, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		routes[i+1] = input
	}
	return routes, true
}

// IsRouteAck reports whether text carries the route acknowledgement marker.
func IsRouteAck(text string) bool {
	return strings.Contains(text, MarkerRouteAck)
}

func isDigits(s string) bool {
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
