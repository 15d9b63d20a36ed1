// Package wasm runs a WASM module as a chain step or as an endpoint's invoker.
//
// Modules use a JSON-in/JSON-out ABI: they receive {payload, headers, direction} on stdin
// and answer {payload, headers} on stdout.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/wasm"
)

// Directions reported to the module.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
	Invoke   = "invoke"
)

type wasmInput struct {
	Payload   json.RawMessage   `json:"payload"`
	Headers   map[string]string `json:"headers"`
	Direction string            `json:"direction"`
}

type wasmOutput struct {
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers"`
}

func call(ctx context.Context, rt wasm.Runtime, name string, in wasmInput) (*wasmOutput, error) {
	if len(bytes.TrimSpace(in.Payload)) == 0 {
		in.Payload = json.RawMessage("null")
	} else if !json.Valid(in.Payload) {
		// Non-JSON bodies travel as a JSON string.
		quoted, err := json.Marshal(string(in.Payload))
		if err != nil {
			return nil, fmt.Errorf("wasm marshal payload: %w", err)
		}
		in.Payload = quoted
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("wasm marshal input: %w", err)
	}
	result, err := rt.Call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("wasm module %s: %w", name, err)
	}
	var out wasmOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("wasm unmarshal output from %s: %w", name, err)
	}
	return &out, nil
}

func flatten(msg *message.Message) map[string]string {
	h := msg.Headers()
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Interceptor replaces the message payload and merges headers with the module's answer.
type Interceptor struct {
	interceptor.Base
	runtime wasm.Runtime
	name    string
	logger  *slog.Logger
}

// New creates a step running the module in phase. The id is derived from the module name
// so several modules can share a phase.
func New(rt wasm.Runtime, name, phase string, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		Base:    interceptor.NewBase("wasm:"+name, phase),
		runtime: rt,
		name:    name,
		logger:  logger,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (i *Interceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	payload, err := msg.ReadPayload()
	if err != nil {
		return err
	}
	direction := Inbound
	if msg.IsOutbound() {
		direction = Outbound
	}
	out, err := call(ctx, i.runtime, i.name, wasmInput{Payload: payload, Headers: flatten(msg), Direction: direction})
	if err != nil {
		return message.NewFault(502, "wasm_failed", err)
	}

	msg.SetContent(message.ContentPayload, []byte(out.Payload))
	h := msg.Headers()
	for k, v := range out.Headers {
		h.Set(k, v)
	}
	i.logger.Debug("wasm step applied", "module", i.name, "direction", direction, "bytes", len(out.Payload))
	return nil
}

// Close releases the module.
func (i *Interceptor) Close() error {
	return i.runtime.Close()
}

// Invoker serves an endpoint with a module. The module sees the request payload and
// headers with direction "invoke"; its payload becomes the response body and its headers
// are copied to the out message.
type Invoker struct {
	runtime wasm.Runtime
	name    string
}

// NewInvoker creates an invoker around rt.
func NewInvoker(rt wasm.Runtime, name string) *Invoker {
	return &Invoker{runtime: rt, name: name}
}

// Invoke runs the module for the exchange's request.
func (v *Invoker) Invoke(ctx context.Context, ex *message.Exchange, payload []byte) ([]byte, error) {
	headers := map[string]string{}
	if in := ex.InMessage(); in != nil {
		headers = flatten(in)
	}
	out, err := call(ctx, v.runtime, v.name, wasmInput{Payload: payload, Headers: headers, Direction: Invoke})
	if err != nil {
		return nil, err
	}
	if om := ex.OutMessage(); om != nil {
		h := om.Headers()
		for k, val := range out.Headers {
			h.Set(k, val)
		}
	}
	return out.Payload, nil
}

// Close releases the module.
func (v *Invoker) Close() error {
	return v.runtime.Close()
}
