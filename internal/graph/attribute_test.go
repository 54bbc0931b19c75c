package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/modelmgmt/internal/metadata"
)

func TestAttribute_SingleValueLifecycle(t *testing.T) {
	g := New(nil)
	a := g.NewAttribute(attrMeta("title", metadata.TypeString))
	require.NoError(t, a.Load("original", "en"))
	require.False(t, a.IsDirty())

	require.NoError(t, a.Assign("", "first"))
	require.NoError(t, a.Assign("", "second"))
	require.True(t, a.IsDirty())
	require.Equal(t, "second", a.Value())
	require.Equal(t, "original", a.Values()[0].OldValue())

	a.RestoreValue()
	require.False(t, a.IsDirty())
	require.Equal(t, "original", a.Value())

	require.NoError(t, a.Assign("", "saved"))
	a.Commit()
	require.False(t, a.IsDirty())
	require.Equal(t, "saved", a.Values()[0].OldValue())
}

func TestAttribute_EditBackToOriginalIsClean(t *testing.T) {
	g := New(nil)
	a := g.NewAttribute(attrMeta("size", metadata.TypeInteger))
	require.NoError(t, a.Load(float64(3), "en"))

	require.NoError(t, a.Assign("", "4"))
	require.True(t, a.IsDirty())
	require.NoError(t, a.Assign("", 3))
	require.False(t, a.IsDirty())
	require.Equal(t, int64(3), a.Value())
}

func TestAttribute_MultiLanguage(t *testing.T) {
	g := New(nil)
	a := g.NewAttribute(attrMeta("label", metadata.TypeLabel))
	require.NoError(t, a.Load([]any{
		map[string]any{"language": "EN", "value": "Title"},
		map[string]any{"language": "bg", "value": "Заглавие"},
	}, "en"))

	require.True(t, a.IsMultiValued())
	v, ok := a.ValueFor("en")
	require.True(t, ok)
	require.Equal(t, "Title", v)

	require.ErrorIs(t, a.Assign("", "x"), ErrLanguageRequired)
	require.NoError(t, a.Assign("en", "New title"))
	require.NoError(t, a.Assign("de", "Titel"))
	require.True(t, a.IsDirty())
	require.Equal(t, map[string]any{"en": "New title", "bg": "Заглавие", "de": "Titel"},
		a.Extract((*Value).Value))
	require.Equal(t, map[string]any{"en": "Title", "bg": "Заглавие", "de": nil},
		a.Extract((*Value).OldValue))

	a.RestoreValue()
	require.False(t, a.IsDirty())
	require.Len(t, a.Values(), 2)
	_, ok = a.ValueFor("de")
	require.False(t, ok)
}

func TestAttribute_IsEmpty(t *testing.T) {
	g := New(nil)
	a := g.NewAttribute(attrMeta("title", metadata.TypeString))
	require.True(t, a.IsEmpty())
	require.NoError(t, a.Assign("", "  "))
	require.True(t, a.IsEmpty())
	require.NoError(t, a.Assign("", "x"))
	require.False(t, a.IsEmpty())

	l := g.NewAttribute(attrMeta("label", metadata.TypeLabel))
	require.True(t, l.IsEmpty())
	require.NoError(t, l.Assign("en", "x"))
	require.False(t, l.IsEmpty())
}

func TestAttribute_SnapshotRevert(t *testing.T) {
	g := New(nil)
	a := g.NewAttribute(attrMeta("title", metadata.TypeString))
	require.NoError(t, a.Load("original", "en"))
	require.NoError(t, a.Assign("", "first"))
	snap := a.Snapshot()

	require.NoError(t, a.Assign("", "second"))
	a.Revert(snap)
	require.Equal(t, "first", a.Value())
	require.True(t, a.IsDirty())
	require.Equal(t, "original", a.Values()[0].OldValue())
}

func TestAttribute_CloneFor(t *testing.T) {
	g := New(nil)
	p := g.NewModel(metadata.KindClass, "P")
	d := g.NewModel(metadata.KindDefinition, "D")
	a := g.NewAttribute(attrMeta("description", metadata.TypeMultiLangString))
	require.NoError(t, a.Load(map[string]any{"en": "Inherited"}, "en"))
	p.AddAttribute(a)
	d.ShareAttribute(a)

	c := a.CloneFor(d)
	require.NotSame(t, a, c)
	require.Same(t, d, c.ParentModel())
	require.Same(t, a, c.Reference())
	require.False(t, c.IsDirty())
	got, _ := d.Attribute("description")
	require.Same(t, c, got)

	require.NoError(t, c.Assign("en", "Local"))
	v, _ := a.ValueFor("en")
	require.Equal(t, "Inherited", v)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		typ     metadata.AttributeType
		raw     any
		want    any
		wantErr bool
	}{
		{metadata.TypeInteger, float64(4), int64(4), false},
		{metadata.TypeInteger, "12", int64(12), false},
		{metadata.TypeInteger, "", nil, false},
		{metadata.TypeInteger, 1.5, nil, true},
		{metadata.TypeInteger, "abc", nil, true},
		{metadata.TypeBoolean, "true", true, false},
		{metadata.TypeBoolean, false, false, false},
		{metadata.TypeBoolean, "maybe", nil, true},
		{metadata.TypeString, 12, "12", false},
		{metadata.TypeString, true, "true", false},
		{metadata.TypeURI, nil, nil, false},
		{metadata.TypeCodeList, map[string]any{}, nil, true},
	}
	for _, tt := range tests {
		got, err := Coerce(tt.typ, tt.raw)
		if tt.wantErr {
			require.Error(t, err, "Coerce(%s, %v)", tt.typ, tt.raw)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got, "Coerce(%s, %v)", tt.typ, tt.raw)
	}
}

func TestEqual(t *testing.T) {
	require.True(t, Equal(int64(5), float64(5)))
	require.True(t, Equal("a", "a"))
	require.True(t, Equal(nil, nil))
	require.False(t, Equal("5", int64(5)))
	require.False(t, Equal(nil, ""))
}

func TestCanonicalLanguage(t *testing.T) {
	require.Equal(t, "en", CanonicalLanguage("EN"))
	require.Equal(t, "en-GB", CanonicalLanguage("en_gb"))
	require.Equal(t, "", CanonicalLanguage(""))
	require.Equal(t, "not a tag!", CanonicalLanguage("not a tag!"))
}

func TestValue_Equal(t *testing.T) {
	a := &Value{lang: "en", value: int64(1)}
	require.True(t, a.Equal(&Value{lang: "en", value: float64(1)}))
	require.False(t, a.Equal(&Value{lang: "bg", value: int64(1)}))
	require.False(t, a.Equal(nil))
}
