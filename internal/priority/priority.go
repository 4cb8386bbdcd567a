// Package priority provides the priority levels used to rank relay traffic
// and a bounded, thread-safe queue that drains highest priority first and
// oldest first within a priority.
package priority

import (
	"fmt"
	"strings"
)

// Level ranks traffic. Higher values drain first.
type Level uint8

const (
	Low Level = iota
	Normal
	High
	Critical
)

var levelNames = map[Level]string{
	Low:      "low",
	Normal:   "normal",
	High:     "high",
	Critical: "critical",
}

// String returns the lowercase name of the level.
func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// MarshalText encodes the level by name for config files.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return Normal, fmt.Errorf("unknown priority level %q", s)
}

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
