package process

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/ashita-ai/ashiato/tracing"
)

// RedactionStyle selects how matched values are masked.
type RedactionStyle string

const (
	// RedactFull replaces the whole value with the redaction token.
	RedactFull RedactionStyle = "full"
	// RedactPartial keeps the first and last three characters of strings.
	// Strings of six or fewer characters are fully redacted.
	RedactPartial RedactionStyle = "partial"
)

const (
	defaultRedactionToken = "[REDACTED]"
	circularMarker        = "[circular]"
)

// DefaultSensitiveFields returns the field names redacted when FilterConfig
// leaves Fields nil. Matching is exact after normalization, so "api-key",
// "api_key", and "ApiKey" all hit "apikey" while "promptTokens" misses
// "token".
func DefaultSensitiveFields() []string {
	return []string{
		"password", "token", "secret", "key", "apikey", "auth",
		"authorization", "bearer", "jwt", "credential", "clientsecret",
		"privatekey", "refresh", "ssn",
	}
}

// FilterConfig configures a SensitiveFilter. Zero values select the defaults.
type FilterConfig struct {
	Fields []string
	Style  RedactionStyle
	Token  string
}

// SensitiveFilter redacts values stored under sensitive keys anywhere in a
// span's attributes, metadata, input, output, or error details. If filtering
// one of those fields fails, that field alone degrades to an error marker;
// the original value never passes through.
type SensitiveFilter struct {
	fields map[string]bool
	style  RedactionStyle
	token  string
}

// NewSensitiveFilter builds the filter. Nil Fields selects
// DefaultSensitiveFields; explicitly passing an empty non-nil slice disables
// matching entirely.
func NewSensitiveFilter(cfg FilterConfig) *SensitiveFilter {
	names := cfg.Fields
	if names == nil {
		names = DefaultSensitiveFields()
	}
	fields := make(map[string]bool, len(names))
	for _, n := range names {
		fields[normalizeKey(n)] = true
	}
	style := cfg.Style
	if style == "" {
		style = RedactFull
	}
	token := cfg.Token
	if token == "" {
		token = defaultRedactionToken
	}
	return &SensitiveFilter{fields: fields, style: style, token: token}
}

func (f *SensitiveFilter) Name() string { return "sensitive-data-filter" }

// Process returns a cleaned copy of span. The input snapshot is not mutated.
func (f *SensitiveFilter) Process(span *tracing.Span) *tracing.Span {
	if span == nil {
		return nil
	}
	out := &tracing.Span{
		ID:        span.ID,
		TraceID:   span.TraceID,
		ParentID:  span.ParentID,
		Name:      span.Name,
		Type:      span.Type,
		StartTime: span.StartTime,
		EndTime:   span.EndTime,
		IsEvent:   span.IsEvent,
	}
	out.Input = f.filterField(span.Input)
	out.Output = f.filterField(span.Output)
	out.Attrs = f.filterAttrs(span.Attrs)
	out.Metadata = f.filterMetadata(span.Metadata)
	out.ErrorInfo = f.filterErrorInfo(span.ErrorInfo)
	return out
}

// filterField walks one top-level span field with its own visited set. Any
// panic during the walk replaces the whole field with an error marker.
func (f *SensitiveFilter) filterField(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = f.errorMarker()
		}
	}()
	if v == nil {
		return nil
	}
	seen := make(map[uintptr]bool)
	return f.walk(reflect.ValueOf(v), seen).Interface()
}

func (f *SensitiveFilter) filterAttrs(attrs tracing.Attributes) tracing.Attributes {
	if attrs == nil {
		return nil
	}
	switch out := f.filterField(attrs).(type) {
	case tracing.Attributes:
		return out
	case map[string]any:
		return tracing.GenericAttributes(out)
	default:
		return tracing.GenericAttributes{"error": map[string]any{"processor": f.Name()}}
	}
}

func (f *SensitiveFilter) filterMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	if out, ok := f.filterField(md).(map[string]any); ok {
		return out
	}
	return f.errorMarker()
}

func (f *SensitiveFilter) filterErrorInfo(ei *tracing.ErrorInfo) *tracing.ErrorInfo {
	if ei == nil {
		return nil
	}
	if out, ok := f.filterField(ei).(*tracing.ErrorInfo); ok {
		return out
	}
	return &tracing.ErrorInfo{Details: f.errorMarker()}
}

func (f *SensitiveFilter) errorMarker() map[string]any {
	return map[string]any{"error": map[string]any{"processor": f.Name()}}
}

// walk returns a filtered copy of v with its dynamic type preserved, so typed
// attribute structs survive the round trip. Cycles come back as a marker
// string; coerce drops it to a zero value wherever a string cannot live.
func (f *SensitiveFilter) walk(v reflect.Value, seen map[uintptr]bool) reflect.Value {
	if !v.IsValid() {
		return v
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		return f.walk(v.Elem(), seen)

	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return reflect.ValueOf(circularMarker)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(coerce(f.walk(v.Elem(), seen), v.Type().Elem()))
		return out

	case reflect.Map:
		if v.IsNil() {
			return v
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return reflect.ValueOf(circularMarker)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return f.walkMap(v, seen)

	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		if v.Len() > 0 {
			ptr := v.Pointer()
			if seen[ptr] {
				return reflect.ValueOf(circularMarker)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return f.walkSlice(v, seen)

	case reflect.Array:
		return f.walkSlice(v, seen)

	case reflect.Struct:
		return f.walkStruct(v, seen)

	default:
		return v
	}
}

func (f *SensitiveFilter) walkMap(v reflect.Value, seen map[uintptr]bool) reflect.Value {
	t := v.Type()
	out := reflect.MakeMapWithSize(t, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k, mv := iter.Key(), iter.Value()
		var filtered reflect.Value
		if k.Kind() == reflect.String && f.matches(k.String()) {
			filtered = f.redact(mv, seen)
		} else {
			filtered = f.walk(mv, seen)
		}
		out.SetMapIndex(k, coerce(filtered, t.Elem()))
	}
	return out
}

func (f *SensitiveFilter) walkSlice(v reflect.Value, seen map[uintptr]bool) reflect.Value {
	t := v.Type()
	var out reflect.Value
	if t.Kind() == reflect.Array {
		out = reflect.New(t).Elem()
	} else {
		out = reflect.MakeSlice(t, v.Len(), v.Len())
	}
	for i := range v.Len() {
		out.Index(i).Set(coerce(f.walk(v.Index(i), seen), t.Elem()))
	}
	return out
}

func (f *SensitiveFilter) walkStruct(v reflect.Value, seen map[uintptr]bool) reflect.Value {
	t := v.Type()
	out := reflect.New(t).Elem()
	out.Set(v)
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		key := jsonName(sf)
		fv := out.Field(i)
		if f.matches(key) || f.matches(sf.Name) {
			fv.Set(coerce(f.redact(fv, seen), sf.Type))
		} else {
			fv.Set(coerce(f.walk(fv, seen), sf.Type))
		}
	}
	return out
}

// redact masks a value found under a sensitive key. Container values are
// filtered recursively instead of being blanked, so a matched "credentials"
// object keeps its shape with only its leaves masked.
func (f *SensitiveFilter) redact(v reflect.Value, seen map[uintptr]bool) reflect.Value {
	if !v.IsValid() {
		return reflect.ValueOf(f.token)
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return reflect.ValueOf(f.token)
		}
		return f.redact(v.Elem(), seen)
	case reflect.String:
		return reflect.ValueOf(f.redactString(v.String()))
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
		return f.walk(v, seen)
	default:
		// Numbers and booleans cannot carry the token; any other slot can.
		return reflect.ValueOf(f.token)
	}
}

func (f *SensitiveFilter) redactString(s string) string {
	if f.style != RedactPartial {
		return f.token
	}
	r := []rune(s)
	if len(r) <= 6 {
		return f.token
	}
	return string(r[:3]) + "***" + string(r[len(r)-3:])
}

func (f *SensitiveFilter) matches(key string) bool {
	return f.fields[normalizeKey(key)]
}

// normalizeKey lowercases and strips every non-alphanumeric rune, collapsing
// spellings like api-key, api_key, and ApiKey onto one form.
func normalizeKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range strings.ToLower(k) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// coerce fits a filtered value back into a typed slot, zeroing it when the
// replacement (such as a marker string) cannot be stored there.
func coerce(v reflect.Value, t reflect.Type) reflect.Value {
	if !v.IsValid() {
		return reflect.Zero(t)
	}
	if v.Type().AssignableTo(t) {
		return v
	}
	if v.Type().ConvertibleTo(t) && v.Kind() == reflect.String && t.Kind() == reflect.String {
		return v.Convert(t)
	}
	return reflect.Zero(t)
}
