package rules

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/validation"
)

// Step transforms a unit. Implementations must not modify in.Content.
type Step interface {
	Name() string
	Transform(ctx context.Context, in Unit, opts config.Options) (Unit, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, in Unit, opts config.Options) (Unit, error)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Transform(ctx context.Context, in Unit, opts config.Options) (Unit, error) {
	return s.Fn(ctx, in, opts)
}

// Registry holds the steps rules may name.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// DefaultExecCommands are the external compilers the exec step may run.
var DefaultExecCommands = []string{
	"babel", "lessc", "sass", "postcss", "tsc", "esbuild", "swc",
	"svgo", "terser", "cleancss", "html-minifier",
}

// DefaultRegistry returns a registry with the built-in steps. execAllow
// extends DefaultExecCommands.
func DefaultRegistry(execAllow ...string) *Registry {
	r := NewRegistry()
	allowed := append(append([]string(nil), DefaultExecCommands...), execAllow...)
	for _, s := range []Step{
		StepFunc{StepName: "raw", Fn: rawStep},
		StepFunc{StepName: "style", Fn: styleStep},
		StepFunc{StepName: "file", Fn: fileStep},
		StepFunc{StepName: "url", Fn: urlStep},
		NewExecStep(allowed...),
	} {
		_ = r.Register(s)
	}

	return r
}

// Register adds a step. Names must be unique.
func (r *Registry) Register(step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[step.Name()]; exists {
		return fmt.Errorf("step %s already registered", step.Name())
	}
	r.steps[step.Name()] = step

	return nil
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.steps[name]

	return s, ok
}

func rawStep(_ context.Context, in Unit, _ config.Options) (Unit, error) {
	return in, nil
}

func styleStep(_ context.Context, in Unit, _ config.Options) (Unit, error) {
	in.Kind = KindStyle

	return in, nil
}

// DefaultAssetName is the file name template used by the file and url steps.
const DefaultAssetName = "[name].[hash:10].[ext]"

func fileStep(_ context.Context, in Unit, opts config.Options) (Unit, error) {
	in.Kind = KindAsset
	in.Emit = &Emission{
		Name:       opts.String("name", DefaultAssetName),
		OutputPath: opts.String("output_path", ""),
	}

	return in, nil
}

// urlStep inlines files smaller than the limit option as data URIs and falls
// back to the file step otherwise.
func urlStep(ctx context.Context, in Unit, opts config.Options) (Unit, error) {
	limit := opts.Int("limit", 0)
	if limit > 0 && len(in.Content) < limit {
		mimeType := opts.String("mimetype", mime.TypeByExtension(filepath.Ext(in.Path)))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(in.Content)

		in.Kind = KindScript
		in.DataURI = uri
		in.Content = []byte("module.exports = " + strconv.Quote(uri) + ";\n")
		in.Emit = nil

		return in, nil
	}

	switch fallback := opts.String("fallback", "file"); fallback {
	case "file":
		return fileStep(ctx, in, opts)
	default:
		return Unit{}, fmt.Errorf("unsupported fallback %q", fallback)
	}
}

// ExecStep pipes the unit through an allow-listed external command using
// stdin and stdout.
type ExecStep struct {
	allowed map[string]bool
}

// NewExecStep creates an exec step permitting the named commands.
func NewExecStep(allowed ...string) *ExecStep {
	s := &ExecStep{allowed: make(map[string]bool, len(allowed))}
	for _, c := range allowed {
		s.allowed[c] = true
	}

	return s
}

func (s *ExecStep) Name() string { return "exec" }

// Transform runs command with args. The command sees the source path in
// ASSETPIPE_FILE and runs in the source's directory. The kind option
// ("script", "style", "asset") relabels the output.
func (s *ExecStep) Transform(ctx context.Context, in Unit, opts config.Options) (Unit, error) {
	command := opts.String("command", "")
	args := opts.Strings("args")

	if err := s.validateCommand(command, args); err != nil {
		return Unit{}, perrors.NewValidationError(perrors.ErrCodeCommandNotAllowed, err.Error())
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = filepath.Dir(in.Path)
	cmd.Env = append(os.Environ(), "ASSETPIPE_FILE="+in.Path)
	cmd.Stdin = bytes.NewReader(in.Content)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Unit{}, fmt.Errorf("%s timed out: %w", command, ctx.Err())
		}

		return Unit{}, fmt.Errorf("%s failed: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}

	out := in
	out.Content = stdout.Bytes()
	switch opts.String("kind", "") {
	case "script":
		out.Kind = KindScript
	case "style":
		out.Kind = KindStyle
	case "asset":
		out.Kind = KindAsset
	}

	return out, nil
}

func (s *ExecStep) validateCommand(command string, args []string) error {
	if err := validation.ValidateCommand(command, s.allowed); err != nil {
		return err
	}
	for _, arg := range args {
		if err := validation.ValidateArgument(arg); err != nil {
			return fmt.Errorf("invalid argument '%s': %w", arg, err)
		}
	}

	return nil
}
