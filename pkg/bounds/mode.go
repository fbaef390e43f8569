package bounds

import (
	"fmt"
	"strings"
)

// Mode selects what happens when a slice boundary or row index is out of
// bounds. The ordinal values are part of the serialized op contract and must
// not be reordered.
type Mode int32

const (
	// ModeFatal fails the call on the first violation without mutating anything.
	ModeFatal Mode = iota
	// ModeWarning repairs violations in place, counts every one, and logs the
	// first occurrence.
	ModeWarning
	// ModeIgnore repairs violations in place silently.
	ModeIgnore
)

func (m Mode) String() string {
	switch m {
	case ModeFatal:
		return "fatal"
	case ModeWarning:
		return "warning"
	case ModeIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// ParseMode parses a mode name as accepted on the command line.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal":
		return ModeFatal, nil
	case "warning", "warn":
		return ModeWarning, nil
	case "ignore":
		return ModeIgnore, nil
	default:
		return 0, fmt.Errorf("invalid bounds check mode %q (expected fatal|warning|ignore)", s)
	}
}

// ModeFromOrdinal converts the wire-level ordinal (fatal=0, warning=1,
// ignore=2) into a Mode.
func ModeFromOrdinal(v int32) (Mode, error) {
	m := Mode(v)
	switch m {
	case ModeFatal, ModeWarning, ModeIgnore:
		return m, nil
	default:
		return 0, fmt.Errorf("invalid bounds check mode ordinal %d (expected 0|1|2)", v)
	}
}
