package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type scope struct {
	id     string
	values map[string]any
}

func (s scope) ContextID() string { return s.id }

func (s scope) ContextValue(id string) (any, bool) {
	v, ok := s.values[id]
	return v, ok
}

func TestCompile_rejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"value ==",
		"(value",
		"unknown(value)",
		"empty(value, value)",
		"other.title",
		"context",
		"context.a.b",
		"value.member",
		"'unterminated",
	}
	for _, src := range tests {
		_, err := Compile(src)
		require.Error(t, err, "Compile(%q)", src)
	}
}

func TestCompile_empty(t *testing.T) {
	_, err := Compile("")
	require.ErrorIs(t, err, ErrEmptyExpression)
}

func TestProgram_Match(t *testing.T) {
	ctx := scope{id: "case", values: map[string]any{
		"title":  "Case title",
		"status": "draft",
		"size":   int64(12),
		"active": true,
		"empty":  "",
	}}
	tests := []struct {
		src   string
		value any
		want  bool
	}{
		{"value == 'x'", "x", true},
		{`value == "x"`, "y", false},
		{"value != 'x'", "y", true},
		{"empty(value)", "", true},
		{"empty(value)", nil, true},
		{"empty(value)", "text", false},
		{"!empty(value)", "text", true},
		{"value", "text", true},
		{"value", "", false},
		{"value", nil, false},
		{"value", int64(0), false},
		{"value", int64(3), true},
		{"value", true, true},
		{"value > 10", int64(11), true},
		{"value > 10", float64(10), false},
		{"value >= 10", int64(10), true},
		{"value < 2.5", int64(2), true},
		{"value <= -1", int64(-1), true},
		{"value == 5", float64(5), true},
		{"value == 5", int64(5), true},
		{"length(value) > 3", "abcd", true},
		{"length(value) == 0", nil, true},
		{"matches(value, '^[a-z]+$')", "abc", true},
		{"matches(value, '^[a-z]+$')", "ab1", false},
		{"contains(value, 'b')", "abc", true},
		{"in(value, 'a', 'b')", "b", true},
		{"in(value, 'a', 'b')", "c", false},
		{"context.status == 'draft'", nil, true},
		{"context.size > 10 && context.active", nil, true},
		{"context.missing == null", nil, true},
		{"context.id == 'case'", nil, true},
		{"empty(context.empty) || value == 'x'", "y", true},
		{"!(context.status == 'draft' && value == 'x')", "x", false},
		{"value == true", true, true},
		{"value == false", false, true},
		{"'it\\'s' == value", "it's", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			p, err := Compile(tt.src)
			require.NoError(t, err)
			got, err := p.Match(Env{Value: tt.value, Context: ctx})
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestProgram_Match_evaluationError(t *testing.T) {
	p := MustCompile("value > true")
	_, err := p.Match(Env{Value: int64(1)})
	require.Error(t, err)

	p = MustCompile("matches(value, '[')")
	_, err = p.Match(Env{Value: "x"})
	require.Error(t, err)
}

func TestProgram_Match_nilContext(t *testing.T) {
	p := MustCompile("empty(context.title)")
	got, err := p.Match(Env{Value: "x"})
	require.NoError(t, err)
	require.True(t, got)
}

func TestProgram_String(t *testing.T) {
	require.Equal(t, "value == 1", MustCompile("value == 1").String())
}
