package config

import (
	"fmt"
	"reflect"
	"sort"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// ReplaceKey lists, inside an override object, the child fields whose override
// value replaces the base value instead of being merged into it.
const ReplaceKey = "_replace"

// Merge combines a base document with an override document. Scalars in the
// override win, lists are concatenated with override entries after base
// entries and override entries equal to a base entry skipped, and objects are
// merged recursively. Fields tagged merge:"replace", or named in the
// override's _replace list, take the override value as is. A recognized field
// whose base and override shapes differ fails with a ShapeMismatchError.
//
// Merge never modifies its arguments and returns a fresh document.
func Merge(base, override map[string]any) (map[string]any, error) {
	out, err := mergeValue("", descriptionSchema(), normalize(base), normalize(override), false)
	if err != nil {
		return nil, err
	}
	doc, _ := out.(map[string]any)
	if doc == nil {
		doc = map[string]any{}
	}

	return doc, nil
}

func mergeValue(path string, schema *fieldSchema, base, override any, replace bool) (any, error) {
	if override == nil {
		return stripDirectives(cloneValue(base)), nil
	}
	if base == nil {
		return stripDirectives(cloneValue(override)), nil
	}

	bs, ovs := shapeOf(base), shapeOf(override)
	if bs != ovs {
		if schema != nil {
			return nil, &perrors.ShapeMismatchError{Path: path, Base: bs, Override: ovs}
		}

		return stripDirectives(cloneValue(override)), nil
	}
	if replace || (schema != nil && schema.replace) {
		return stripDirectives(cloneValue(override)), nil
	}

	switch b := base.(type) {
	case map[string]any:
		return mergeObject(path, schema, b, override.(map[string]any))
	case []any:
		return mergeList(b, override.([]any)), nil
	default:
		return override, nil
	}
}

func mergeObject(path string, schema *fieldSchema, base, override map[string]any) (any, error) {
	replaced, err := replaceSet(path, override)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(base)+len(override))
	seen := make(map[string]bool, len(base)+len(override))
	for _, m := range []map[string]any{base, override} {
		for k := range m {
			if k == ReplaceKey || seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := mergeValue(joinPath(path, k), schema.child(k), base[k], override[k], replaced[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}

	return out, nil
}

// mergeList appends override entries after base entries. Only entries equal
// to a base entry are skipped; repeats within the override are kept.
func mergeList(base, override []any) []any {
	out := make([]any, 0, len(base)+len(override))
	for _, v := range base {
		out = append(out, stripDirectives(cloneValue(v)))
	}
	baseEntries := out[:len(base):len(base)]
	for _, v := range override {
		v = stripDirectives(cloneValue(v))
		if containsEqual(baseEntries, v) {
			continue
		}
		out = append(out, v)
	}

	return out
}

func replaceSet(path string, obj map[string]any) (map[string]bool, error) {
	raw, ok := obj[ReplaceKey]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &perrors.ShapeMismatchError{Path: joinPath(path, ReplaceKey), Base: perrors.ShapeList, Override: shapeOf(raw)}
	}
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[fmt.Sprint(v)] = true
	}

	return set, nil
}

func containsEqual(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}

	return false
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}

	return parent + "." + key
}

// normalize converts decoder-specific container types (map[any]any,
// []string, map[string]string) into map[string]any and []any so shapes and
// equality are judged on plain values.
func normalize(v any) map[string]any {
	if v == nil {
		return nil
	}
	m, _ := normalizeValue(v).(map[string]any)

	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}

		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}

		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalizeValue(iter.Value().Interface())
		}

		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}

		return out
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}

		return out
	default:
		return v
	}
}

func stripDirectives(v any) any {
	switch t := v.(type) {
	case map[string]any:
		delete(t, ReplaceKey)
		for _, val := range t {
			stripDirectives(val)
		}
	case []any:
		for _, val := range t {
			stripDirectives(val)
		}
	}

	return v
}
