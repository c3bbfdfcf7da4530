package schedule

import (
	"fmt"
	"strings"
)

// Priority is the urgency level of a notification.
type Priority uint8

const (
	Minimal Priority = iota
	Low
	Normal
	High
	Critical
)

var priorityNames = [...]string{
	Minimal:  "minimal",
	Low:      "low",
	Normal:   "normal",
	High:     "high",
	Critical: "critical",
}

var priorityWeights = [...]float64{
	Minimal:  0.1,
	Low:      0.25,
	Normal:   0.5,
	High:     0.75,
	Critical: 1.0,
}

func (p Priority) Valid() bool { return int(p) < len(priorityNames) }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// Weight orders priorities in a batch (higher goes first).
func (p Priority) Weight() float64 {
	if !p.Valid() {
		return 0
	}
	return priorityWeights[p]
}

// ParsePriority accepts the lowercase names, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
