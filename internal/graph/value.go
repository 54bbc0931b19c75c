package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/pitabwire/modelmgmt/internal/metadata"
)

// Value is a single (language, value) pair of an attribute. Scalars are
// string, int64, bool or nil.
type Value struct {
	lang   string
	value  any
	old    any
	edited bool
	added  bool
}

// ID returns the language; values are keyed by language.
func (v *Value) ID() string { return v.lang }

// Language returns the canonical language tag, empty for single values.
func (v *Value) Language() string { return v.lang }

// Value returns the current scalar.
func (v *Value) Value() any { return v.value }

// OldValue returns the scalar present at load or last save.
func (v *Value) OldValue() any {
	switch {
	case v.added:
		return nil
	case v.edited:
		return v.old
	}
	return v.value
}

// IsDirty reports whether the current scalar differs from OldValue.
func (v *Value) IsDirty() bool {
	if v.added {
		return !IsEmptyScalar(v.value)
	}
	return v.edited && !Equal(v.value, v.old)
}

// Equal compares language and value.
func (v *Value) Equal(o *Value) bool {
	return o != nil && v.lang == o.lang && Equal(v.value, o.value)
}

func (v *Value) set(x any) {
	if !v.edited && !v.added {
		v.old = v.value
		v.edited = true
	}
	v.value = x
}

func (v *Value) restore() {
	if v.edited {
		v.value = v.old
	}
	v.old = nil
	v.edited = false
}

func (v *Value) commit() {
	v.old = nil
	v.edited = false
	v.added = false
}

// Equal compares two scalars. Numbers compare numerically whatever their Go
// type.
func Equal(a, b any) bool {
	af, aNum := number(a)
	bf, bNum := number(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// IsEmptyScalar reports whether v is nil or a blank string.
func IsEmptyScalar(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// CanonicalLanguage normalises a language tag ("EN" → "en",
// "en_gb" → "en-GB"). Unparseable tags are returned unchanged.
func CanonicalLanguage(tag string) string {
	if tag == "" {
		return ""
	}
	t, err := language.Parse(strings.ReplaceAll(tag, "_", "-"))
	if err != nil {
		return tag
	}
	return t.String()
}

// Coerce converts a raw payload or request scalar to the Go type of typ.
func Coerce(typ metadata.AttributeType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch typ {
	case metadata.TypeInteger:
		return coerceInteger(raw)
	case metadata.TypeBoolean:
		switch t := raw.(type) {
		case bool:
			return t, nil
		case string:
			if strings.TrimSpace(t) == "" {
				return nil, nil
			}
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q", t)
			}
			return b, nil
		}
		return nil, fmt.Errorf("invalid boolean %v", raw)
	}
	switch t := raw.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case map[string]any, []any:
		return nil, fmt.Errorf("invalid %s value %v", typ, raw)
	}
	if f, ok := number(raw); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return fmt.Sprint(raw), nil
}

func coerceInteger(raw any) (any, error) {
	switch t := raw.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", t)
		}
		return n, nil
	}
	f, ok := number(raw)
	if !ok || f != math.Trunc(f) {
		return nil, fmt.Errorf("invalid integer %v", raw)
	}
	return int64(f), nil
}

// LanguageValues converts the raw form of a multi-language value into a
// language → scalar map, keeping the input order in the returned keys.
// Accepted forms are a {lang: text} map, a list of {language, value}
// objects and a bare scalar, which is stored under defaultLang.
func LanguageValues(raw any, defaultLang string) ([]string, map[string]any, error) {
	values := map[string]any{}
	var order []string
	add := func(lang string, v any) {
		lang = CanonicalLanguage(lang)
		if _, ok := values[lang]; !ok {
			order = append(order, lang)
		}
		values[lang] = v
	}
	switch t := raw.(type) {
	case nil:
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			add(k, t[k])
		}
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			add(k, t[k])
		}
	case []any:
		for _, item := range t {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("invalid language value %v", item)
			}
			lang, _ := entry["language"].(string)
			add(lang, entry["value"])
		}
	default:
		add(defaultLang, t)
	}
	return order, values, nil
}
