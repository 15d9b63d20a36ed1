// Package policy evaluates CEL expressions against a request: a guard that admits or
// denies it, and a transform that rewrites its JSON payload.
//
// Expressions see these variables:
//
//	request.method, request.path, request.endpoint, request.correlation_id
//	headers  map of first header values, keys in canonical form
//	body     the parsed JSON payload, or null
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

const (
	defaultTimeout        = time.Second
	defaultMaxOutputBytes = 1 << 20 // 1MB
)

var (
	// ErrDenied is the cause of the fault raised when the guard rejects a request.
	ErrDenied = errors.New("denied by policy")
	// ErrNotBool is returned when a guard expression does not yield a bool.
	ErrNotBool = errors.New("policy expression must evaluate to bool")
)

// Option configures a guard or transform.
type Option func(*settings)

type settings struct {
	timeout        time.Duration
	maxOutputBytes int
}

// WithTimeout sets the maximum evaluation time.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxOutputBytes sets the maximum size of a transform's output.
func WithMaxOutputBytes(n int) Option {
	return func(s *settings) { s.maxOutputBytes = n }
}

func newSettings(opts []Option) settings {
	s := settings{timeout: defaultTimeout, maxOutputBytes: defaultMaxOutputBytes}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("body", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return env, nil
}

func compile(expression string) (cel.Program, *cel.Ast, error) {
	env, err := newEnv()
	if err != nil {
		return nil, nil, err
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, nil, fmt.Errorf("cel program: %w", err)
	}
	return prg, ast, nil
}

func activation(msg *message.Message) (map[string]any, error) {
	h := msg.Headers()
	headers := make(map[string]string, len(h))
	for k := range h {
		headers[k] = h.Get(k)
	}
	endpoint, _ := msg.ContextualProperty(message.EndpointNameKey)
	corr, _ := msg.ContextualProperty(message.CorrelationIDKey)
	request := map[string]string{
		"method":         msg.GetString(message.HTTPMethodKey),
		"path":           msg.GetString(message.RequestURIKey),
		"endpoint":       fmt.Sprint(orEmpty(endpoint)),
		"correlation_id": fmt.Sprint(orEmpty(corr)),
	}

	payload, err := msg.ReadPayload()
	if err != nil {
		return nil, err
	}
	var body any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			// Non-JSON bodies are visible as a string.
			body = string(payload)
		}
	}
	return map[string]any{"request": request, "headers": headers, "body": body}, nil
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func eval(ctx context.Context, prg cel.Program, timeout time.Duration, vars map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cel eval timeout: %w", err)
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cel eval timeout: %w", ctx.Err())
		}
		return nil, fmt.Errorf("cel eval: %w", err)
	}
	return toNative(out), nil
}

// Guard denies requests for which its expression is false.
type Guard struct {
	interceptor.Base
	program  atomic.Pointer[cel.Program]
	settings settings
}

// NewGuard compiles expression into a pre-invoke step.
func NewGuard(expression string, opts ...Option) (*Guard, error) {
	g := &Guard{
		Base:     interceptor.NewBase(interceptor.TypeID((*Guard)(nil)), phase.PreInvoke),
		settings: newSettings(opts),
	}
	if err := g.SetExpression(expression); err != nil {
		return nil, err
	}
	return g, nil
}

// SetExpression replaces the guard expression. On error the old one stays active.
func (g *Guard) SetExpression(expression string) error {
	prg, ast, err := compile(expression)
	if err != nil {
		return err
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("%w, got %s", ErrNotBool, out)
	}
	g.program.Store(&prg)
	return nil
}

// Allow evaluates the guard for msg.
func (g *Guard) Allow(ctx context.Context, msg *message.Message) (bool, error) {
	vars, err := activation(msg)
	if err != nil {
		return false, err
	}
	v, err := eval(ctx, *g.program.Load(), g.settings.timeout, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w, got %T", ErrNotBool, v)
	}
	return b, nil
}

// HandleMessage implements interceptor.Interceptor.
func (g *Guard) HandleMessage(ctx context.Context, msg *message.Message) error {
	ok, err := g.Allow(ctx, msg)
	if err != nil {
		return message.NewFault(http.StatusInternalServerError, "policy_error", err)
	}
	if !ok {
		return message.NewFault(http.StatusForbidden, "policy_denied", ErrDenied)
	}
	return nil
}

// Transform replaces the payload with the JSON encoding of its expression's result.
type Transform struct {
	interceptor.Base
	program  cel.Program
	settings settings
}

// NewTransform compiles expression into a step running in phaseName.
func NewTransform(id, expression, phaseName string, opts ...Option) (*Transform, error) {
	prg, _, err := compile(expression)
	if err != nil {
		return nil, err
	}
	return &Transform{
		Base:     interceptor.NewBase(id, phaseName),
		program:  prg,
		settings: newSettings(opts),
	}, nil
}

// HandleMessage implements interceptor.Interceptor.
func (t *Transform) HandleMessage(ctx context.Context, msg *message.Message) error {
	vars, err := activation(msg)
	if err != nil {
		return err
	}
	v, err := eval(ctx, t.program, t.settings.timeout, vars)
	if err != nil {
		return message.NewFault(http.StatusUnprocessableEntity, "transform_failed", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if len(out) > t.settings.maxOutputBytes {
		return fmt.Errorf("output size %d exceeds max %d bytes", len(out), t.settings.maxOutputBytes)
	}
	msg.SetContent(message.ContentPayload, out)
	msg.Put(message.ContentTypeKey, "application/json")
	return nil
}

// toNative recursively converts CEL values to types json.Marshal handles.
func toNative(val any) any {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		list := []any{}
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	case types.Null:
		return nil
	case interface{ Value() any }:
		return toNative(v.Value())
	default:
		return val
	}
}
