package types

import (
	"fmt"
	"strings"
)

// Mode selects the retrieval strategy for a query.
type Mode int

const (
	ModeSimilarity Mode = iota + 1
	ModeAuthor
	ModePublisher
	ModeExactKey
)

// Modes lists every search mode in declaration order.
var Modes = []Mode{ModeSimilarity, ModeAuthor, ModePublisher, ModeExactKey}

var modeNames = map[Mode]string{
	ModeSimilarity: "similarity",
	ModeAuthor:     "author",
	ModePublisher:  "publisher",
	ModeExactKey:   "isbn",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the declared modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode maps a wire name onto a Mode. "title" is accepted as an alias
// for similarity and "exact" for isbn.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "similarity", "title", "semantic":
		return ModeSimilarity, nil
	case "author":
		return ModeAuthor, nil
	case "publisher":
		return ModePublisher, nil
	case "isbn", "exact":
		return ModeExactKey, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
