package masking

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// CircularSentinel replaces values that would make a payload cycle forever.
const CircularSentinel = "[circular]"

// Walks are bounded as a backstop for pathological non-cyclic nesting.
const maxWalkDepth = 64

// SafeJSON marshals an arbitrary payload for logging or persistence.
// Circular references are replaced with CircularSentinel instead of failing
// the marshal, and values under sensitive keys are masked on the way out.
func (s *Service) SafeJSON(v any) string {
	sanitized := s.sanitize(reflect.ValueOf(v), make(map[uintptr]bool), 0)
	b, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(b)
}

// sanitize walks v, replacing revisited pointers, maps and slices with the
// circular sentinel and masking sensitive keys. Returns plain Go values that
// encoding/json can always marshal.
func (s *Service) sanitize(v reflect.Value, seen map[uintptr]bool, depth int) any {
	if depth > maxWalkDepth {
		return CircularSentinel
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			ptr := v.Pointer()
			if seen[ptr] {
				return CircularSentinel
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return s.sanitize(v.Elem(), seen, depth+1)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return CircularSentinel
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = s.sanitizeKeyed(key, iter.Value(), seen, depth+1)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return CircularSentinel
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return s.sanitizeSeq(v, seen, depth)

	case reflect.Array:
		return s.sanitizeSeq(v, seen, depth)

	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := jsonFieldName(f)
			if name == "-" {
				continue
			}
			out[name] = s.sanitizeKeyed(name, v.Field(i), seen, depth+1)
		}
		return out

	case reflect.String:
		return s.MaskText(v.String())

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("[%s]", v.Kind())

	default:
		return v.Interface()
	}
}

// sanitizeKeyed applies key-based masking before descending into the value.
func (s *Service) sanitizeKeyed(key string, v reflect.Value, seen map[uintptr]bool, depth int) any {
	redact, preview := sensitiveKey(key)
	if redact || preview {
		leaf := v
		for leaf.Kind() == reflect.Interface || leaf.Kind() == reflect.Pointer {
			if leaf.IsNil() {
				return nil
			}
			leaf = leaf.Elem()
		}
		return maskedScalar(leaf.Interface(), preview)
	}
	return s.sanitize(v, seen, depth)
}

func (s *Service) sanitizeSeq(v reflect.Value, seen map[uintptr]bool, depth int) any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = s.sanitize(v.Index(i), seen, depth+1)
	}
	return out
}

// jsonFieldName resolves the key a struct field would marshal under.
func jsonFieldName(f reflect.StructField) string {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}
