package correlation

import (
	"context"
	"testing"

	"github.com/lsm/rpcflow/internal/correlation"
	"github.com/lsm/rpcflow/internal/message"
)

func TestInOut_RoundTrip(t *testing.T) {
	in := message.New()
	in.Headers().Set("X-Request-Id", "req-7")
	ex := message.NewExchange(in)

	if err := NewIn().HandleMessage(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if got := ID(in); got != "req-7" {
		t.Fatalf("expected req-7, got %q", got)
	}
	if got := in.GetString(SourceKey); got != correlation.HeaderXRequestID {
		t.Errorf("unexpected source %q", got)
	}

	out := message.New()
	ex.SetOutMessage(out)
	if err := NewOut().HandleMessage(context.Background(), out); err != nil {
		t.Fatal(err)
	}
	if got := out.Headers().Get(correlation.HeaderCorrelationID); got != "req-7" {
		t.Errorf("expected response header req-7, got %q", got)
	}
}

func TestIn_Generates(t *testing.T) {
	msg := message.New()
	if err := NewIn().HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if ID(msg) == "" || msg.GetString(SourceKey) != correlation.SourceGenerated {
		t.Errorf("expected generated id, got %q from %q", ID(msg), msg.GetString(SourceKey))
	}
}

func TestOut_NoID(t *testing.T) {
	msg := message.New()
	if err := NewOut().HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Headers()) != 0 {
		t.Errorf("expected no headers, got %v", msg.Headers())
	}
}

func TestDistinctIDs(t *testing.T) {
	if NewIn().ID() == NewOut().ID() {
		t.Error("expected in and out steps to have distinct ids")
	}
}
