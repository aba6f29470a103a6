package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidChannels(t *testing.T) {
	tests := []struct {
		input string
		want  Channel
	}{
		{"db", Channel{}},
		{"db.pages", Channel{Table: "pages"}},
		{"db._private", Channel{Table: "_private"}},
		{"db.Users2", Channel{Table: "Users2"}},
		{"db.pages.insert", Channel{Table: "pages", Action: "insert"}},
		{"db.pages.update.42", Channel{Table: "pages", Action: "update", ID: "42"}},
		{"db.pages.*.7", Channel{Table: "pages", Action: "*", ID: "7"}},
		{"db.*.delete", Channel{Table: "*", Action: "delete"}},
		{"db.*", Channel{Table: "*"}},
		{"db.*.insert.3", Channel{Table: "*", Action: "insert", ID: "3"}},
		{"db.*.*.7", Channel{Table: "*", Action: "*", ID: "7"}},
		{"db.pages.insert.0", Channel{Table: "pages", Action: "insert", ID: "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String(), "String should round trip")
		})
	}
}

func TestParse_InvalidChannels(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong root", "events.pages"},
		{"root prefix only", "dbx"},
		{"trailing dot", "db."},
		{"empty table", "db..insert"},
		{"table starts with digit", "db.1pages"},
		{"table with dash", "db.my-table"},
		{"unknown action", "db.pages.upsert"},
		{"uppercase action", "db.pages.INSERT"},
		{"non numeric id", "db.pages.insert.abc"},
		{"negative id", "db.pages.insert.-1"},
		{"empty id", "db.pages.insert."},
		{"action wildcard without id", "db.pages.*"},
		{"wildcard everything", "db.*.*"},
		{"too many segments", "db.pages.insert.1.extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)

			var grammarErr *GrammarError
			assert.True(t, errors.As(err, &grammarErr), "expected *GrammarError, got %T", err)
			assert.Error(t, Validate(tt.input))
		})
	}
}

func TestChannel_Predicates(t *testing.T) {
	root := MustParse("db")
	assert.True(t, root.IsRoot())
	assert.False(t, root.TableWildcard())

	wild := MustParse("db.*.*.9")
	assert.False(t, wild.IsRoot())
	assert.True(t, wild.TableWildcard())
	assert.True(t, wild.ActionWildcard())
	assert.True(t, wild.HasID())

	concrete := MustParse("db.users.delete")
	assert.False(t, concrete.TableWildcard())
	assert.False(t, concrete.ActionWildcard())
	assert.False(t, concrete.HasID())
}

func TestChannel_WithTableKeepsActionWildcard(t *testing.T) {
	ch := MustParse("db.*.*.7").WithTable("pages")
	assert.Equal(t, "db.pages.*.7", ch.String())
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("db.pages.upsert") })
}

func TestAction_Valid(t *testing.T) {
	for _, a := range Actions {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, Action("upsert").Valid())
	assert.False(t, Action("").Valid())
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "db", Join())
	assert.Equal(t, "db.pages.*.3", Join("pages", Wildcard, "3"))
}
