// Package grpc hands messages to an external sidecar over a unary gRPC call. The sidecar
// receives {payload, headers, direction} as JSON and answers {payload, headers}.
package grpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/lsm/rpcflow/internal/interceptor"
	itracing "github.com/lsm/rpcflow/internal/interceptor/tracing"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/tracing"
)

// DefaultMethod is the full method name called on the sidecar.
const DefaultMethod = "/rpcflow.sidecar.v1.Interceptor/Process"

const defaultTimeout = 5 * time.Second

// Client abstracts the gRPC call for the interceptor sidecar service.
type Client interface {
	// Call invokes the sidecar with a JSON-encoded request and returns its JSON-encoded response.
	Call(ctx context.Context, data []byte, md metadata.MD) ([]byte, error)
	Close() error
}

// Config holds sidecar configuration.
type Config struct {
	Address string        `yaml:"address"`
	Method  string        `yaml:"method"`
	TLS     bool          `yaml:"tls"`
	Timeout time.Duration `yaml:"timeout"`
	Phase   string        `yaml:"phase"`
}

// ConnClient is a Client backed by a gRPC connection.
type ConnClient struct {
	conn   *grpc.ClientConn
	method string
}

// Dial creates a client for cfg.Address. Extra options are appended to the defaults.
func Dial(cfg Config, extra ...grpc.DialOption) (*ConnClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("sidecar address is required")
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}

	var opts []grpc.DialOption
	if cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &ConnClient{conn: conn, method: cfg.Method}, nil
}

// Call implements Client.
func (c *ConnClient) Call(ctx context.Context, data []byte, md metadata.MD) ([]byte, error) {
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	var resp []byte
	if err := c.conn.Invoke(ctx, c.method, data, &resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the connection.
func (c *ConnClient) Close() error {
	return c.conn.Close()
}

// requestPayload is the JSON structure sent to the sidecar.
type requestPayload struct {
	Payload   json.RawMessage   `json:"payload"`
	Headers   map[string]string `json:"headers"`
	Direction string            `json:"direction"`
}

// responsePayload is the JSON structure received from the sidecar.
type responsePayload struct {
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// Interceptor calls the sidecar and applies its answer to the message.
type Interceptor struct {
	interceptor.Base
	client  Client
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New creates a sidecar step with the given id in phase.
func New(id, phase string, client Client, timeout time.Duration, tracer trace.Tracer, logger *slog.Logger) *Interceptor {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		Base:    interceptor.NewBase(id, phase),
		client:  client,
		timeout: timeout,
		tracer:  tracer,
		logger:  logger,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (i *Interceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	payload, err := msg.ReadPayload()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("null")
	} else if !json.Valid(payload) {
		if payload, err = json.Marshal(string(payload)); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	direction := "inbound"
	if msg.IsOutbound() {
		direction = "outbound"
	}

	h := msg.Headers()
	headers := make(map[string]string, len(h))
	for k := range h {
		headers[k] = h.Get(k)
	}
	data, err := json.Marshal(requestPayload{Payload: payload, Headers: headers, Direction: direction})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx = itracing.ContextWithSpan(ctx, msg)
	ctx, span := tracing.StartSpan(ctx, i.tracer, tracing.SpanSidecarCall,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.GRPCMethodAttr(i.ID())),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	md := metadata.MD{}
	if v, ok := msg.ContextualProperty(message.CorrelationIDKey); ok {
		if id, ok := v.(string); ok && id != "" {
			md.Set("rpcflow-correlation-id", id)
		}
	}
	carrier := http.Header{}
	tracing.Inject(ctx, carrier)
	for k := range carrier {
		md.Set(k, carrier.Get(k))
	}

	respData, err := i.client.Call(ctx, data, md)
	if err != nil {
		tracing.SetSpanError(span, err)
		i.logger.Warn("sidecar call failed", "interceptor", i.ID(), "error", err)
		return message.NewFault(http.StatusBadGateway, "sidecar_failed", fmt.Errorf("grpc interceptor call: %w", err))
	}

	var resp responsePayload
	if err := json.Unmarshal(respData, &resp); err != nil {
		tracing.SetSpanError(span, err)
		return message.NewFault(http.StatusBadGateway, "sidecar_failed", fmt.Errorf("unmarshal response: %w", err))
	}
	tracing.SetSpanOK(span)

	msg.SetContent(message.ContentPayload, []byte(resp.Payload))
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	return nil
}

// Close closes the sidecar client.
func (i *Interceptor) Close() error {
	return i.client.Close()
}

// rawCodec is a gRPC codec that sends/receives raw bytes without protobuf.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	bp, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*bp = append((*bp)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }
