// Package cloudevents decodes CloudEvents requests and encodes responses as CloudEvents.
package cloudevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

// StructuredContentType is the media type of a structured-mode JSON event.
const StructuredContentType = event.ApplicationCloudEventsJSON

const headerPrefix = "Ce-"

// ErrNotAnEvent is the cause of the fault raised when an event is required but the
// request carries none.
var ErrNotAnEvent = errors.New("request is not a CloudEvent")

// Event returns the decoded request event of msg's exchange, if any.
func Event(msg *message.Message) (*event.Event, bool) {
	if e, ok := msg.Content(message.ContentEvent).(*event.Event); ok {
		return e, true
	}
	if ex := msg.Exchange(); ex != nil && ex.InMessage() != nil && ex.InMessage() != msg {
		e, ok := ex.InMessage().Content(message.ContentEvent).(*event.Event)
		return e, ok
	}
	return nil, false
}

// Decode reads a structured or binary mode event from the request. The event data
// becomes the payload.
type Decode struct {
	interceptor.Base
	required bool
}

// NewDecode creates the inbound step. When required is set, requests that are not
// events are rejected with 400.
func NewDecode(required bool) *Decode {
	return &Decode{
		Base:     interceptor.NewBase(interceptor.TypeID((*Decode)(nil)), phase.Unmarshal),
		required: required,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (d *Decode) HandleMessage(_ context.Context, msg *message.Message) error {
	ct := msg.ContentType()
	if ct == "" {
		ct = msg.Headers().Get("Content-Type")
	}
	mediaType, _, _ := mime.ParseMediaType(ct)

	var (
		e   *event.Event
		err error
	)
	switch {
	case mediaType == StructuredContentType:
		e, err = decodeStructured(msg)
	case msg.Headers().Get(headerPrefix+"Id") != "":
		e, err = decodeBinary(msg, ct)
	default:
		if d.required {
			return message.NewFault(http.StatusBadRequest, "invalid_event", ErrNotAnEvent)
		}
		return nil
	}
	if err != nil {
		return message.NewFault(http.StatusBadRequest, "invalid_event", err)
	}

	msg.SetContent(message.ContentEvent, e)
	msg.SetContent(message.ContentPayload, e.Data())
	msg.Put(message.ContentTypeKey, e.DataContentType())
	return nil
}

func decodeStructured(msg *message.Message) (*event.Event, error) {
	payload, err := msg.ReadPayload()
	if err != nil {
		return nil, err
	}
	e := event.New()
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode structured event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	return &e, nil
}

func decodeBinary(msg *message.Message, contentType string) (*event.Event, error) {
	h := msg.Headers()
	e := event.New()
	if v := h.Get(headerPrefix + "Specversion"); v != "" {
		e.SetSpecVersion(v)
	}
	e.SetID(h.Get(headerPrefix + "Id"))
	e.SetSource(h.Get(headerPrefix + "Source"))
	e.SetType(h.Get(headerPrefix + "Type"))
	if s := h.Get(headerPrefix + "Subject"); s != "" {
		e.SetSubject(s)
	}
	if s := h.Get(headerPrefix + "Dataschema"); s != "" {
		e.SetDataSchema(s)
	}
	if s := h.Get(headerPrefix + "Time"); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("parse ce-time: %w", err)
		}
		e.SetTime(ts)
	}
	for k := range h {
		if !strings.HasPrefix(k, headerPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, headerPrefix))
		switch name {
		case "specversion", "id", "source", "type", "subject", "dataschema", "time":
			continue
		}
		if !validExtensionName(name) {
			continue
		}
		e.SetExtension(name, h.Get(k))
	}

	payload, err := msg.ReadPayload()
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = event.ApplicationJSON
	}
	e.SetDataContentType(contentType)
	e.DataEncoded = payload
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	return &e, nil
}

// Encode wraps the response payload into a structured-mode event. Responses to requests
// that were not events pass through unless always is set.
type Encode struct {
	interceptor.Base
	eventType string
	source    string
	always    bool
}

// NewEncode creates the outbound step.
func NewEncode(eventType, source string, always bool) *Encode {
	if eventType == "" {
		eventType = "rpcflow.response"
	}
	if source == "" {
		source = "rpcflow"
	}
	return &Encode{
		Base:      interceptor.NewBase(interceptor.TypeID((*Encode)(nil)), phase.Marshal),
		eventType: eventType,
		source:    source,
		always:    always,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (en *Encode) HandleMessage(_ context.Context, msg *message.Message) error {
	req, isEvent := Event(msg)
	if !isEvent && !en.always {
		return nil
	}

	e := event.New()
	e.SetID(uuid.NewString())
	e.SetSource(en.source)
	e.SetType(en.eventType)
	e.SetTime(time.Now().UTC())
	if isEvent {
		if req.Subject() != "" {
			e.SetSubject(req.Subject())
		}
		e.SetExtension("causationid", req.ID())
	}

	ct := msg.ContentType()
	if ct == "" {
		ct = event.ApplicationJSON
	}
	payload := msg.Payload()
	if ct == event.ApplicationJSON && len(payload) > 0 && !json.Valid(payload) {
		ct = event.TextPlain
	}
	e.SetDataContentType(ct)
	e.DataEncoded = payload

	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg.SetContent(message.ContentPayload, out)
	msg.SetContent(message.ContentEvent, &e)
	msg.Put(message.ContentTypeKey, StructuredContentType)
	return nil
}

func validExtensionName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
