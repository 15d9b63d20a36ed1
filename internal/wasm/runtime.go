// Package wasm runs WASI modules with a JSON-in, JSON-out contract on stdin and stdout.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const pageSize = 64 * 1024

// ErrEmptyOutput is returned when a module exits cleanly without writing anything.
var ErrEmptyOutput = errors.New("wasm module produced no output")

// Config configures a module.
type Config struct {
	// ModulePath is the path to the .wasm file.
	ModulePath string `yaml:"modulePath"`

	// MemoryLimit in bytes (0 = wazero default).
	MemoryLimit int64 `yaml:"memoryLimit"`

	// Timeout per invocation (0 = none).
	Timeout time.Duration `yaml:"timeout"`

	// Env is exposed to the module as environment variables.
	Env map[string]string `yaml:"env"`
}

// Runtime executes a module once per call.
type Runtime interface {
	Call(ctx context.Context, input []byte) ([]byte, error)
	Close() error
}

// ExitError reports a non-zero exit of the module, with whatever it wrote to stderr.
type ExitError struct {
	Code   uint32
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("wasm module exited with code %d", e.Code)
	}
	return fmt.Sprintf("wasm module exited with code %d: %s", e.Code, e.Stderr)
}

// Module is a compiled module. A fresh instance is created for every Call, so calls
// may run concurrently.
type Module struct {
	cfg    Config
	rt     wazero.Runtime
	module wazero.CompiledModule
}

// Load reads and compiles the module at cfg.ModulePath.
func Load(ctx context.Context, cfg Config) (*Module, error) {
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return Compile(ctx, wasmBytes, cfg)
}

// Compile compiles a module from raw bytes.
func Compile(ctx context.Context, wasmBytes []byte, cfg Config) (*Module, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimit > 0 {
		pages := uint32((cfg.MemoryLimit + pageSize - 1) / pageSize)
		rc = rc.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	// Instantiate WASI so the module can use stdin/stdout.
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	return &Module{cfg: cfg, rt: rt, module: compiled}, nil
}

// Call runs the module with input on stdin and returns its stdout.
func (m *Module) Call(ctx context.Context, input []byte) ([]byte, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	mc := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("") // anonymous module so concurrent calls don't collide
	for k, v := range m.cfg.Env {
		mc = mc.WithEnv(k, v)
	}

	mod, err := m.rt.InstantiateModule(ctx, m.module, mc)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			if exit.ExitCode() == 0 {
				return finish(stdout.Bytes())
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("wasm execution: %w", ctxErr)
			}
			return nil, &ExitError{Code: exit.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("wasm execution: %w", err)
	}
	return finish(stdout.Bytes())
}

func finish(out []byte) ([]byte, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, ErrEmptyOutput
	}
	return out, nil
}

// Close releases all wazero resources.
func (m *Module) Close() error {
	return m.rt.Close(context.Background())
}
