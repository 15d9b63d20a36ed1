// Package ratelimit rejects requests of endpoints that exceed their configured rate.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
	"github.com/lsm/rpcflow/internal/ratelimit"
)

// ErrRateLimited is the cause of the fault raised for a rejected request.
var ErrRateLimited = errors.New("rate limit exceeded")

// Recorder counts rejected requests.
type Recorder interface {
	IncRateLimited(endpoint string)
}

// Interceptor admits a request only when the endpoint's token bucket has room.
type Interceptor struct {
	interceptor.Base
	limiter  *ratelimit.Limiter
	recorder Recorder
	logger   *slog.Logger
}

// New creates the step. recorder may be nil.
func New(limiter *ratelimit.Limiter, recorder Recorder, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Interceptor{
		Base:     interceptor.NewBase(interceptor.TypeID((*Interceptor)(nil)), phase.Receive),
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
	}
	i.AddBefore(interceptor.Wildcard)
	return i
}

// HandleMessage implements interceptor.Interceptor.
func (i *Interceptor) HandleMessage(_ context.Context, msg *message.Message) error {
	v, _ := msg.ContextualProperty(message.EndpointNameKey)
	endpoint, _ := v.(string)

	ok, wait := i.limiter.Reserve(endpoint)
	if ok {
		return nil
	}
	if i.recorder != nil {
		i.recorder.IncRateLimited(endpoint)
	}
	i.logger.Debug("request rate limited", "endpoint", endpoint, "retry_after", wait)

	fault := message.NewFault(http.StatusTooManyRequests, "rate_limited", ErrRateLimited)
	if wait > 0 {
		fault.WithHeader("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	return fault
}
