package readiness

import (
	"reflect"
	"strings"
)

// Resolver is implemented by objects that answer nested lookups themselves,
// typically because their state is guarded by a lock reflection cannot see.
type Resolver interface {
	Lookup(path string) (any, bool)
}

// Resolve walks a dotted path ("client.page") from root and reports the value
// found. A nil value at any step counts as absent.
func Resolve(root any, path string) (any, bool) {
	if r, ok := root.(Resolver); ok {
		return r.Lookup(path)
	}
	if isNil(root) {
		return nil, false
	}
	if path == "" {
		return root, true
	}

	current := reflect.ValueOf(root)
	for _, key := range strings.Split(path, ".") {
		next, ok := step(current, key)
		if !ok {
			return nil, false
		}
		current = next
	}

	if !current.IsValid() || !current.CanInterface() {
		return nil, false
	}
	v := current.Interface()
	if isNil(v) {
		return nil, false
	}
	return v, true
}

func step(v reflect.Value, key string) (reflect.Value, bool) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, false
		}
		got := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
		if !got.IsValid() {
			return reflect.Value{}, false
		}
		return got, true

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || !strings.EqualFold(field.Name, key) {
				continue
			}
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
