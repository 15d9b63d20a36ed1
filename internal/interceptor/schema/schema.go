// Package schema rejects requests whose JSON payload does not match the endpoint schema.
package schema

import (
	"context"
	"net/http"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
	"github.com/lsm/rpcflow/internal/schema"
)

// Interceptor validates the inbound payload in the unmarshal phase.
type Interceptor struct {
	interceptor.Base
	validator *schema.Validator
}

// New creates the step.
func New(v *schema.Validator) *Interceptor {
	return &Interceptor{
		Base:      interceptor.NewBase(interceptor.TypeID((*Interceptor)(nil)), phase.Unmarshal),
		validator: v,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (i *Interceptor) HandleMessage(_ context.Context, msg *message.Message) error {
	payload, err := msg.ReadPayload()
	if err != nil {
		return err
	}
	if err := i.validator.Validate(payload); err != nil {
		return message.NewFault(http.StatusBadRequest, "schema_violation", err)
	}
	return nil
}
