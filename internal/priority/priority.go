package priority

import (
	"fmt"
	"strings"
)

// Priority orders work in queues and mailboxes.
// Smaller values are served first. The zero value is Unset.
type Priority int

const (
	Unset  Priority = iota // Resolved to Normal by OrDefault
	Urgent                 // Served before everything else
	High
	Normal
	Low
)

var names = map[Priority]string{
	Urgent: "urgent",
	High:   "high",
	Normal: "normal",
	Low:    "low",
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	_, ok := names[p]
	return ok
}

// OrDefault returns Normal for Unset and p otherwise.
func (p Priority) OrDefault() Priority {
	if p == Unset {
		return Normal
	}
	return p
}

// Before reports whether p is served strictly before other.
func (p Priority) Before(other Priority) bool {
	return p < other
}

// Parse converts a name such as "high" into a Priority.
func Parse(s string) (Priority, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for p, name := range names {
		if name == key {
			return p, nil
		}
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler so priorities read well in TOML and JSON.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
