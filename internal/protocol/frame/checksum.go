package frame

import "strings"

// keyRule selects the XOR key applied to a generic command checksum.
type keyRule struct {
	family string
	key    byte
	match  func(content string) bool
}

// keyRules is evaluated top to bottom; the first match wins.
var keyRules = []keyRule{
	{family: FamilyTelemetry, key: 0x33, match: func(c string) bool {
		return strings.HasPrefix(c, "ABc") && strings.Contains(c, ",") && len(strings.Split(c, ",")) >= 4
	}},
	{family: FamilyChassis, key: 0x78, match: func(c string) bool {
		return strings.HasPrefix(c, "ABc") && strings.Contains(c, ",")
	}},
	{family: FamilyInfo, key: 0x48, match: func(c string) bool { return strings.HasPrefix(c, "*") }},
	{family: FamilySize, key: 0x3D, match: func(c string) bool { return strings.HasPrefix(c, "ABM") }},
	{family: FamilyJ, key: 0x47, match: func(c string) bool { return strings.HasPrefix(c, "ABJ") }},
	{family: FamilyStatus, key: 0x46, match: func(c string) bool { return c == "AB?" }},
	{family: FamilyRoute, key: 0x06, match: func(c string) bool { return strings.HasPrefix(c, "ABs,") }},
}

func ruleFor(content string) keyRule {
	for _, r := range keyRules {
		if r.match(content) {
			return r
		}
	}
	return keyRule{family: FamilyRaw, key: 0x00}
}

// Key returns the XOR key selected for content.
func Key(content string) byte {
	return ruleFor(content).key
}

// Checksum computes the generic checksum over the braced prefix of content.
func Checksum(content string) byte {
	var x byte = '{' ^ '}'
	for i := 0; i < len(content); i++ {
		x ^= content[i]
	}
	return (x ^ Key(content)) & 0x7F
}

// RouteChecksum computes the digit-sum checksum used only by routing commands.
func RouteChecksum(output, input int) byte {
	sum := digitSum(output) + digitSum(input)
	val := 106 + sum
	if val > 126 {
		val -= 95
	}
	return byte(val)
}

// digitSum adds the digits of n rendered as a zero-padded 3-digit number.
func digitSum(n int) int {
	n %= 1000
	return n/100 + (n/10)%10 + n%10
}
