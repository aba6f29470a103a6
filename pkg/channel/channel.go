package channel

import (
	"fmt"
	"strings"
)

const (
	// Root is the namespace every channel lives under.
	Root = "db"

	// Wildcard is the token accepted in the table and action positions.
	Wildcard = "*"

	separator   = "."
	maxSegments = 4
)

// Action is the kind of change a channel or event refers to.
type Action string

const (
	Insert Action = "insert"
	Update Action = "update"
	Delete Action = "delete"
)

// Actions lists the valid actions in canonical order.
var Actions = []Action{Insert, Update, Delete}

// Valid reports whether a is one of insert, update or delete.
func (a Action) Valid() bool {
	switch a {
	case Insert, Update, Delete:
		return true
	}
	return false
}

func (a Action) String() string {
	return string(a)
}

// GrammarError describes why a channel string was rejected.
type GrammarError struct {
	Channel string
	Reason  string
}

func (e *GrammarError) Error() string {
	if e.Channel == "" {
		return "invalid channel: " + e.Reason
	}
	return fmt.Sprintf("invalid channel %q: %s", e.Channel, e.Reason)
}

// Channel is the parsed form of a channel string. The zero value is not
// meaningful; build channels with Parse.
type Channel struct {
	// Table is the table segment, Wildcard, or empty for the bare root.
	Table string

	// Action is the action segment, Wildcard, or empty when absent.
	Action string

	// ID is the record id literal, or empty when absent.
	ID string
}

// Parse tokenizes s and validates it against the channel grammar.
func Parse(s string) (Channel, error) {
	if s == "" {
		return Channel{}, &GrammarError{Reason: "channel must be a non-empty string"}
	}

	segments := strings.Split(s, separator)
	if segments[0] != Root {
		return Channel{}, &GrammarError{Channel: s, Reason: "channel must start with " + Root}
	}
	if len(segments) > maxSegments {
		return Channel{}, &GrammarError{Channel: s, Reason: "too many segments"}
	}

	var ch Channel
	if len(segments) > 1 {
		table := segments[1]
		if table != Wildcard && !isIdentifier(table) {
			return Channel{}, &GrammarError{Channel: s, Reason: fmt.Sprintf("invalid table name %q", table)}
		}
		ch.Table = table
	}

	if len(segments) > 2 {
		action := segments[2]
		if action != Wildcard && !Action(action).Valid() {
			return Channel{}, &GrammarError{Channel: s, Reason: fmt.Sprintf("unknown action %q", action)}
		}
		ch.Action = action
	}

	if len(segments) > 3 {
		id := segments[3]
		if !isDigits(id) {
			return Channel{}, &GrammarError{Channel: s, Reason: fmt.Sprintf("record id %q is not a non-negative integer", id)}
		}
		ch.ID = id
	}

	if ch.Action == Wildcard && ch.ID == "" {
		return Channel{}, &GrammarError{Channel: s, Reason: "action wildcard requires a record id"}
	}

	return ch, nil
}

// Validate reports whether s is a well-formed channel. It returns nil or a
// *GrammarError.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}

// MustParse is like Parse but panics on malformed input. Intended for
// constants and tests.
func MustParse(s string) Channel {
	ch, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ch
}

// IsRoot reports whether the channel is the bare "db" root.
func (c Channel) IsRoot() bool {
	return c.Table == ""
}

// TableWildcard reports whether the table segment is "*".
func (c Channel) TableWildcard() bool {
	return c.Table == Wildcard
}

// ActionWildcard reports whether the action segment is "*".
func (c Channel) ActionWildcard() bool {
	return c.Action == Wildcard
}

// HasID reports whether the channel addresses a single record.
func (c Channel) HasID() bool {
	return c.ID != ""
}

// WithTable returns a copy of c with the table segment replaced. Only the
// table position changes; an action wildcard stays literal.
func (c Channel) WithTable(table string) Channel {
	c.Table = table
	return c
}

// String renders the channel back into its dotted form.
func (c Channel) String() string {
	var b strings.Builder
	b.WriteString(Root)
	for _, seg := range []string{c.Table, c.Action, c.ID} {
		if seg == "" {
			break
		}
		b.WriteString(separator)
		b.WriteString(seg)
	}
	return b.String()
}

// Join builds a channel string from raw segments under the root. It does not
// validate; it is used to render fan-out targets.
func Join(segments ...string) string {
	return strings.Join(append([]string{Root}, segments...), separator)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
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
