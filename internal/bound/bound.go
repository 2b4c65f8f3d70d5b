// Package bound produces size-bounded copies of arbitrary values before they
// are serialized. Long streaming sessions can accumulate megabytes of model
// output in span payloads; bounding every string, array, and object up front
// keeps the export path's memory use flat.
package bound

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Markers substituted for content that was cut or could not be represented.
const (
	TruncationSuffix = "... [truncated]"
	DepthMarker      = "[max depth exceeded]"
	CircularMarker   = "[circular]"
	Sentinel         = "[unserializable]"
)

// Limits caps the shape of a normalized value. Zero fields fall back to the
// corresponding DefaultLimits value.
type Limits struct {
	MaxDepth      int // nesting levels before substituting DepthMarker
	MaxStringLen  int // runes kept per string
	MaxArrayLen   int // elements kept per array, marker included
	MaxObjectKeys int // keys kept per object, marker included
	MaxTotalChars int // final serialized length cap (MarshalBounded only)
}

// DefaultLimits returns the limits used when callers pass a zero Limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:      6,
		MaxStringLen:  2048,
		MaxArrayLen:   256,
		MaxObjectKeys: 128,
		MaxTotalChars: 32768,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxStringLen <= 0 {
		l.MaxStringLen = d.MaxStringLen
	}
	if l.MaxArrayLen <= 0 {
		l.MaxArrayLen = d.MaxArrayLen
	}
	if l.MaxObjectKeys <= 0 {
		l.MaxObjectKeys = d.MaxObjectKeys
	}
	if l.MaxTotalChars <= 0 {
		l.MaxTotalChars = d.MaxTotalChars
	}
	return l
}

// Normalize returns a structurally equivalent copy of v built only from
// map[string]any, []any, and primitives, with every string, array, and object
// capped to the given limits. Cycles are replaced with CircularMarker, values
// nested deeper than MaxDepth with DepthMarker, errors with a {name, message}
// object, and byte buffers with a short placeholder. Normalize never panics;
// an unrepresentable value degrades to Sentinel. The result is stable under
// re-application: normalizing an already-normalized value is the identity.
func Normalize(v any, lim Limits) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = Sentinel
		}
	}()
	lim = lim.withDefaults()
	seen := make(map[uintptr]struct{})
	return normalize(v, 0, seen, lim)
}

// MarshalBounded composes Normalize with JSON encoding and applies one final
// hard cap on the encoded string. It never returns an error: on any internal
// failure the result is the JSON encoding of Sentinel.
func MarshalBounded(v any, lim Limits) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = `"` + Sentinel + `"`
		}
	}()
	lim = lim.withDefaults()
	b, err := json.Marshal(Normalize(v, lim))
	if err != nil {
		return `"` + Sentinel + `"`
	}
	s := string(b)
	if len(s) <= lim.MaxTotalChars {
		return s
	}
	cut := lim.MaxTotalChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationSuffix
}

func normalize(v any, depth int, seen map[uintptr]struct{}, lim Limits) any {
	if v == nil {
		return nil
	}

	switch t := v.(type) {
	case string:
		return truncateString(t, lim.MaxStringLen)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return v
	case time.Time:
		return v
	case []byte:
		return fmt.Sprintf("[bytes length=%d]", len(t))
	case json.RawMessage:
		return fmt.Sprintf("[bytes length=%d]", len(t))
	case error:
		return map[string]any{
			"name":    truncateString(fmt.Sprintf("%T", t), lim.MaxStringLen),
			"message": truncateString(t.Error(), lim.MaxStringLen),
		}
	}

	// Types that render themselves are kept as leaves only while their
	// encoded form fits within MaxStringLen; anything larger degrades to a
	// truncated string so no leaf can smuggle an unbounded payload past the
	// caps.
	switch v.(type) {
	case json.Marshaler, interface{ MarshalText() ([]byte, error) }:
		return marshalerLeaf(v, lim)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return CircularMarker
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		return normalize(rv.Elem().Interface(), depth, seen, lim)

	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface(), depth, seen, lim)

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if depth >= lim.MaxDepth {
			return DepthMarker
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return CircularMarker
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		return normalizeMap(rv, depth, seen, lim)

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("[bytes length=%d]", rv.Len())
		}
		if depth >= lim.MaxDepth {
			return DepthMarker
		}
		if rv.Len() > 0 {
			ptr := rv.Pointer()
			if _, ok := seen[ptr]; ok {
				return CircularMarker
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		return normalizeSeq(rv, depth, seen, lim)

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("[bytes length=%d]", rv.Len())
		}
		if depth >= lim.MaxDepth {
			return DepthMarker
		}
		return normalizeSeq(rv, depth, seen, lim)

	case reflect.Struct:
		if depth >= lim.MaxDepth {
			return DepthMarker
		}
		return normalizeStruct(rv, depth, seen, lim)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("[%s]", rv.Kind())

	default:
		return v
	}
}

func normalizeMap(rv reflect.Value, depth int, seen map[uintptr]struct{}, lim Limits) any {
	keys := make([]string, 0, rv.Len())
	byKey := make(map[string]reflect.Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		var ks string
		if k.Kind() == reflect.String {
			ks = k.String()
		} else {
			ks = fmt.Sprint(k.Interface())
		}
		keys = append(keys, ks)
		byKey[ks] = iter.Value()
	}
	// Sorted so the keys kept under MaxObjectKeys are deterministic.
	sort.Strings(keys)

	out := make(map[string]any, min(len(keys), lim.MaxObjectKeys))
	for i, ks := range keys {
		if len(keys) > lim.MaxObjectKeys && i == lim.MaxObjectKeys-1 {
			out["..."] = fmt.Sprintf("%d more keys", len(keys)-i)
			break
		}
		out[ks] = normalize(byKey[ks].Interface(), depth+1, seen, lim)
	}
	return out
}

func normalizeSeq(rv reflect.Value, depth int, seen map[uintptr]struct{}, lim Limits) any {
	n := rv.Len()
	if n <= lim.MaxArrayLen {
		out := make([]any, n)
		for i := range n {
			out[i] = normalize(rv.Index(i).Interface(), depth+1, seen, lim)
		}
		return out
	}
	keep := lim.MaxArrayLen - 1
	out := make([]any, 0, lim.MaxArrayLen)
	for i := range keep {
		out = append(out, normalize(rv.Index(i).Interface(), depth+1, seen, lim))
	}
	return append(out, fmt.Sprintf("... %d more items", n-keep))
}

func normalizeStruct(rv reflect.Value, depth int, seen map[uintptr]struct{}, lim Limits) any {
	t := rv.Type()
	out := make(map[string]any)
	emitted := 0
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitEmpty := jsonFieldName(f)
		if name == "" {
			continue
		}
		fv := rv.Field(i)
		if omitEmpty && isEmptyValue(fv) {
			continue
		}
		if emitted == lim.MaxObjectKeys-1 && i < t.NumField()-1 {
			out["..."] = fmt.Sprintf("%d more keys", t.NumField()-i)
			break
		}
		out[name] = normalize(fv.Interface(), depth+1, seen, lim)
		emitted++
	}
	return out
}

// jsonFieldName resolves the key a struct field would get from encoding/json.
// Returns "" for fields tagged json:"-".
func jsonFieldName(f reflect.StructField) (name string, omitEmpty bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, rest, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, strings.Contains(rest, "omitempty")
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

// marshalerLeaf keeps a self-rendering value when its encoded form is within
// MaxStringLen and replaces it with the truncated encoding otherwise.
func marshalerLeaf(v any, lim Limits) any {
	b, err := json.Marshal(v)
	if err != nil {
		return Sentinel
	}
	if utf8.RuneCount(b) <= lim.MaxStringLen {
		return v
	}
	return truncateString(string(b), lim.MaxStringLen)
}

// truncateString cuts s to max runes and appends TruncationSuffix. Because the
// cut point is always exactly max runes, re-truncating a truncated string
// reproduces it unchanged. Marker strings normalize emits are exempt so that
// re-normalizing a bounded value is the identity even when a marker is longer
// than max.
func truncateString(s string, max int) string {
	if utf8.RuneCountInString(s) <= max || isMarker(s) {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + TruncationSuffix
}

// isMarker reports whether s is one of the placeholder strings normalize
// itself emits.
func isMarker(s string) bool {
	switch s {
	case DepthMarker, CircularMarker, Sentinel, "[func]", "[chan]", "[unsafe.Pointer]":
		return true
	}
	return isCounted(s, "[bytes length=", "]") ||
		isCounted(s, "... ", " more items") ||
		isCounted(s, "", " more keys")
}

// isCounted reports whether s is prefix + decimal digits + suffix.
func isCounted(s, prefix, suffix string) bool {
	s, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return false
	}
	s, ok = strings.CutSuffix(s, suffix)
	if !ok || s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
