package config

import (
	"reflect"
	"strings"
	"sync"
	"time"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// fieldSchema is the shape of a recognized configuration field, derived from
// the mapstructure tags of BuildDescription.
type fieldSchema struct {
	shape   perrors.Shape
	replace bool
	fields  map[string]*fieldSchema
	elem    *fieldSchema
}

// child returns the schema for key, or nil when the key is not recognized.
func (s *fieldSchema) child(key string) *fieldSchema {
	if s == nil {
		return nil
	}
	if f, ok := s.fields[key]; ok {
		return f
	}

	return s.elem
}

var (
	schemaOnce sync.Once
	schema     *fieldSchema
)

func descriptionSchema() *fieldSchema {
	schemaOnce.Do(func() {
		schema = schemaFor(reflect.TypeOf(BuildDescription{}))
	})

	return schema
}

var durationType = reflect.TypeOf(time.Duration(0))

func schemaFor(t reflect.Type) *fieldSchema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == durationType {
		return &fieldSchema{shape: perrors.ShapeScalar}
	}

	switch t.Kind() {
	case reflect.Struct:
		s := &fieldSchema{shape: perrors.ShapeObject, fields: make(map[string]*fieldSchema)}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
			if name == "" || name == "-" {
				continue
			}
			fs := schemaFor(f.Type)
			fs.replace = f.Tag.Get("merge") == "replace"
			s.fields[name] = fs
		}

		return s
	case reflect.Map:
		s := &fieldSchema{shape: perrors.ShapeObject}
		if t.Elem().Kind() != reflect.Interface {
			s.elem = schemaFor(t.Elem())
		}

		return s
	case reflect.Slice, reflect.Array:
		return &fieldSchema{shape: perrors.ShapeList}
	case reflect.Interface:
		return nil
	default:
		return &fieldSchema{shape: perrors.ShapeScalar}
	}
}

func shapeOf(v any) perrors.Shape {
	switch v.(type) {
	case map[string]any:
		return perrors.ShapeObject
	case []any:
		return perrors.ShapeList
	default:
		return perrors.ShapeScalar
	}
}
