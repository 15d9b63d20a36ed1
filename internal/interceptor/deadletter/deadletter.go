// Package deadletter publishes the request of a faulted exchange to a dead letter topic.
package deadletter

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lsm/rpcflow/internal/dlq"
	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

// Recorder counts published dead letters.
type Recorder interface {
	IncDLQ(endpoint string)
}

// Interceptor runs in the setup phase of the out-fault chain. Faults with a status below
// the minimum are client errors and are not published.
type Interceptor struct {
	interceptor.Base
	handler   *dlq.Handler
	minStatus int
	recorder  Recorder
	logger    *slog.Logger
}

// Option configures the Interceptor.
type Option func(*Interceptor)

// WithMinStatus sets the lowest fault status that is published. The default is 500.
func WithMinStatus(status int) Option {
	return func(i *Interceptor) { i.minStatus = status }
}

// WithRecorder counts published records.
func WithRecorder(r Recorder) Option {
	return func(i *Interceptor) { i.recorder = r }
}

// WithLogger sets the logger for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates the step.
func New(handler *dlq.Handler, opts ...Option) *Interceptor {
	i := &Interceptor{
		Base:      interceptor.NewBase(interceptor.TypeID((*Interceptor)(nil)), phase.Setup),
		handler:   handler,
		minStatus: http.StatusInternalServerError,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleMessage implements interceptor.Interceptor. Publish failures are logged and never
// replace the fault response.
func (i *Interceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	cause := msg.Fault()
	if cause == nil {
		return nil
	}
	status := message.StatusOf(cause)
	if status < i.minStatus {
		return nil
	}
	ex := msg.Exchange()
	if ex == nil || ex.InMessage() == nil {
		return nil
	}
	in := ex.InMessage()

	body, err := requestBody(in)
	if err != nil {
		i.logger.Warn("dead letter: reading request body", "message_id", in.ID(), "error", err)
	}

	endpoint, _ := msg.ContextualProperty(message.EndpointNameKey)
	correlationID, _ := msg.ContextualProperty(message.CorrelationIDKey)
	info := dlq.FailureInfo{
		Status:       status,
		ErrorCode:    message.CodeOf(cause),
		ErrorMessage: cause.Error(),
		Method:       in.GetString(message.HTTPMethodKey),
		Path:         in.GetString(message.RequestURIKey),
	}
	info.Endpoint, _ = endpoint.(string)
	info.CorrelationID, _ = correlationID.(string)

	if err := i.handler.Send(ctx, []byte(info.CorrelationID), body, info); err != nil {
		i.logger.Error("dead letter publish failed",
			"endpoint", info.Endpoint,
			"correlation_id", info.CorrelationID,
			"error", err,
		)
		return nil
	}
	if i.recorder != nil {
		i.recorder.IncDLQ(info.Endpoint)
	}
	return nil
}

type byteSource interface {
	Bytes() ([]byte, error)
}

// requestBody prefers the bytes as received over a payload later steps may have rewritten.
func requestBody(in *message.Message) ([]byte, error) {
	if src, ok := in.Content(message.ContentCachedInput).(byteSource); ok {
		return src.Bytes()
	}
	return in.ReadPayload()
}
