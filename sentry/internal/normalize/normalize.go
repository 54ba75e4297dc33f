// Package normalize converts arbitrary values into JSON-compatible trees
// bounded in depth and in the number of entries per container.
package normalize

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Placeholders substituted for values that cannot or may not be expanded.
const (
	PlaceholderObject         = "[Object]"
	PlaceholderArray          = "[Array]"
	PlaceholderMaxProperties  = "[MaxProperties ~]"
	PlaceholderCircular       = "[Circular ~]"
	PlaceholderFunction       = "[Function]"
	PlaceholderChannel        = "[Channel]"
	PlaceholderNaN            = "[NaN]"
	PlaceholderInfinity       = "[Infinity]"
	PlaceholderNegInfinity    = "[-Infinity]"
	PlaceholderUnserializable = "[Unserializable]"
)

// Normalize returns a copy of v made only of nil, bool, float64/int64/uint64,
// string, []byte, []any and map[string]any. Containers deeper than depth are
// replaced with PlaceholderObject or PlaceholderArray, and containers with
// more than maxBreadth entries are cut with a PlaceholderMaxProperties marker.
func Normalize(v any, depth, maxBreadth int) any {
	n := &normalizer{maxBreadth: maxBreadth, visiting: make(map[uintptr]struct{})}
	return n.visit(reflect.ValueOf(v), depth)
}

type normalizer struct {
	maxBreadth int
	visiting   map[uintptr]struct{}
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func (n *normalizer) visit(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
	}

	if v.Type() == timeType {
		return v.Interface().(time.Time).Format(time.RFC3339Nano)
	}
	if v.CanInterface() {
		switch {
		case v.Type().Implements(errorType):
			return v.Interface().(error).Error()
		case v.Type().Implements(jsonMarshalerType):
			return n.visitMarshaler(v, depth)
		case v.Type().Implements(textMarshalerType):
			text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return PlaceholderUnserializable
			}
			return string(text)
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		switch {
		case math.IsNaN(f):
			return PlaceholderNaN
		case math.IsInf(f, 1):
			return PlaceholderInfinity
		case math.IsInf(f, -1):
			return PlaceholderNegInfinity
		}
		return f
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	case reflect.String:
		return v.String()
	case reflect.Func:
		return PlaceholderFunction
	case reflect.Chan:
		return PlaceholderChannel
	case reflect.UnsafePointer:
		return fmt.Sprintf("[Pointer 0x%x]", v.Pointer())
	case reflect.Interface:
		return n.visit(v.Elem(), depth)
	case reflect.Pointer:
		ptr := v.Pointer()
		if _, seen := n.visiting[ptr]; seen {
			return PlaceholderCircular
		}
		n.visiting[ptr] = struct{}{}
		defer delete(n.visiting, ptr)
		return n.visit(v.Elem(), depth)
	case reflect.Map:
		return n.visitMap(v, depth)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), v.Bytes()...)
		}
		ptr := v.Pointer()
		if _, seen := n.visiting[ptr]; seen && v.Len() > 0 {
			return PlaceholderCircular
		}
		n.visiting[ptr] = struct{}{}
		defer delete(n.visiting, ptr)
		return n.visitList(v, depth)
	case reflect.Array:
		return n.visitList(v, depth)
	case reflect.Struct:
		return n.visitStruct(v, depth)
	}

	return PlaceholderUnserializable
}

func (n *normalizer) visitMarshaler(v reflect.Value, depth int) any {
	data, err := v.Interface().(json.Marshaler).MarshalJSON()
	if err != nil {
		return PlaceholderUnserializable
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return PlaceholderUnserializable
	}
	return n.visit(reflect.ValueOf(decoded), depth)
}

func (n *normalizer) visitMap(v reflect.Value, depth int) any {
	if v.IsNil() {
		return nil
	}
	if depth <= 0 {
		return PlaceholderObject
	}
	ptr := v.Pointer()
	if _, seen := n.visiting[ptr]; seen {
		return PlaceholderCircular
	}
	n.visiting[ptr] = struct{}{}
	defer delete(n.visiting, ptr)

	keys := v.MapKeys()
	names := make([]string, len(keys))
	byName := make(map[string]reflect.Value, len(keys))
	for i, k := range keys {
		names[i] = keyString(k)
		byName[names[i]] = k
	}
	sort.Strings(names)

	out := make(map[string]any, min(len(names), n.maxBreadth+1))
	for i, name := range names {
		if i >= n.maxBreadth {
			out[name] = PlaceholderMaxProperties
			break
		}
		out[name] = n.visit(v.MapIndex(byName[name]), depth-1)
	}
	return out
}

func (n *normalizer) visitList(v reflect.Value, depth int) any {
	if depth <= 0 {
		return PlaceholderArray
	}

	out := make([]any, 0, min(v.Len(), n.maxBreadth+1))
	for i := 0; i < v.Len(); i++ {
		if i >= n.maxBreadth {
			out = append(out, PlaceholderMaxProperties)
			break
		}
		out = append(out, n.visit(v.Index(i), depth-1))
	}
	return out
}

func (n *normalizer) visitStruct(v reflect.Value, depth int) any {
	if depth <= 0 {
		return PlaceholderObject
	}

	t := v.Type()
	out := make(map[string]any)
	added := 0
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonFieldName(field)
		if skip {
			continue
		}
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		if added >= n.maxBreadth {
			out[name] = PlaceholderMaxProperties
			break
		}
		out[name] = n.visit(fv, depth-1)
		added++
	}
	return out
}

func jsonFieldName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(opts, "omitempty"), false
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
			if text, err := tm.MarshalText(); err == nil {
				return string(text)
			}
		}
		return fmt.Sprint(k.Interface())
	}
	return k.String()
}
