package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Shape is the structural kind of a configuration value.
type Shape string

const (
	ShapeScalar Shape = "scalar"
	ShapeList   Shape = "list"
	ShapeObject Shape = "object"
)

// ShapeMismatchError reports a recognized configuration field whose base and
// override values have incompatible shapes.
type ShapeMismatchError struct {
	Path     string
	Base     Shape
	Override Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("config shape mismatch at %s: base is %s, override is %s", e.Path, e.Base, e.Override)
}

// UnresolvedModuleError reports a specifier that maps to no file.
type UnresolvedModuleError struct {
	Specifier string
	Importer  string
	Tried     []string
}

func (e *UnresolvedModuleError) Error() string {
	msg := fmt.Sprintf("cannot resolve %q", e.Specifier)
	if e.Importer != "" {
		msg += " from " + e.Importer
	}
	if len(e.Tried) > 0 {
		msg += " (tried " + strings.Join(e.Tried, ", ") + ")"
	}

	return msg
}

// TransformError reports a transform step that rejected its input.
type TransformError struct {
	File  string
	Step  string
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s failed for %s: %v", e.Step, e.File, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// EmitError reports a naming, hashing or write failure.
type EmitError struct {
	Artifact string
	Op       string
	Cause    error
}

func (e *EmitError) Error() string {
	if e.Artifact == "" {
		return fmt.Sprintf("emit %s failed: %v", e.Op, e.Cause)
	}

	return fmt.Sprintf("emit %s failed for %s: %v", e.Op, e.Artifact, e.Cause)
}

func (e *EmitError) Unwrap() error { return e.Cause }

// PluginError reports a plugin failure at a lifecycle point.
type PluginError struct {
	Plugin string
	Point  string
	Cause  error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s failed at %s: %v", e.Plugin, e.Point, e.Cause)
}

func (e *PluginError) Unwrap() error { return e.Cause }

// Kind classifies err into an ErrorType. Unknown errors are internal.
func Kind(err error) ErrorType {
	var (
		shape     *ShapeMismatchError
		unres     *UnresolvedModuleError
		transform *TransformError
		emit      *EmitError
		plugin    *PluginError
		pe        *PipelineError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &plugin):
		return ErrorTypePlugin
	case errors.As(err, &shape):
		return ErrorTypeConfig
	case errors.As(err, &unres):
		return ErrorTypeResolve
	case errors.As(err, &transform):
		return ErrorTypeTransform
	case errors.As(err, &emit):
		return ErrorTypeEmit
	case errors.As(err, &pe):
		return pe.Type
	default:
		return ErrorTypeInternal
	}
}

// IsFatal reports whether err must stop the process. A transform failure in
// development is reported to connected clients while the last good artifacts
// keep being served.
func IsFatal(err error, development bool) bool {
	if err == nil {
		return false
	}
	if development && Kind(err) == ErrorTypeTransform {
		return false
	}

	return true
}

// Summarize renders err as a single line prefixed by its category.
func Summarize(err error) string {
	if err == nil {
		return ""
	}

	return fmt.Sprintf("%s error: %v", Kind(err), err)
}

// IsShapeMismatch checks if an error is a configuration shape mismatch.
func IsShapeMismatch(err error) bool {
	var e *ShapeMismatchError

	return errors.As(err, &e)
}

// IsUnresolved checks if an error is an unresolved module.
func IsUnresolved(err error) bool {
	var e *UnresolvedModuleError

	return errors.As(err, &e)
}
