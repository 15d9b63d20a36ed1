package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

type recordingConduit struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	prepared    int
	closed      int
	status      int
	contentType string
	headers     http.Header
}

func (c *recordingConduit) Prepare(_ context.Context, msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared++
	c.buf.Reset()
	msg.SetContent(message.ContentOutputStream, &c.buf)
	return nil
}

func (c *recordingConduit) Close(msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if v, ok := msg.Get(message.ResponseCodeKey); ok {
		c.status, _ = v.(int)
	}
	c.contentType = msg.ContentType()
	c.headers = msg.Headers().Clone()
	return nil
}

func (c *recordingConduit) body() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type fakeMetrics struct {
	mu       sync.Mutex
	requests map[string][]int
}

func (m *fakeMetrics) ObserveInterceptor(string, float64) {}
func (m *fakeMetrics) IncFault(string)                    {}
func (m *fakeMetrics) IncExecution(string, string)        {}

func (m *fakeMetrics) IncRequest(endpoint string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requests == nil {
		m.requests = make(map[string][]int)
	}
	m.requests[endpoint] = append(m.requests[endpoint], status)
}

func send(t *testing.T, b *Bus, ep *Endpoint, body string) (*message.Exchange, *recordingConduit) {
	t.Helper()
	in := message.New()
	in.SetContent(message.ContentInputStream, strings.NewReader(body))
	in.Put(message.ContentTypeKey, "text/plain")
	ex := b.NewExchange(ep, in)
	c := &recordingConduit{}
	ex.SetConduit(c)
	b.Observer(ep).OnMessage(context.Background(), in)
	return ex, c
}

func isDone(ex *message.Exchange) bool {
	select {
	case <-Done(ex):
		return true
	default:
		return false
	}
}

func TestBus_EchoRoundTrip(t *testing.T) {
	m := &fakeMetrics{}
	b := New(WithMetrics(m))
	ep := NewEndpoint("echo", Echo{})
	if err := b.Register(ep); err != nil {
		t.Fatal(err)
	}

	ex, c := send(t, b, ep, "hello")

	if got := c.body(); got != "hello" {
		t.Errorf("body = %q, want hello", got)
	}
	if c.contentType != "text/plain" {
		t.Errorf("content type = %q", c.contentType)
	}
	if c.prepared != 1 || c.closed != 1 {
		t.Errorf("prepared=%d closed=%d, want 1/1", c.prepared, c.closed)
	}
	if !isDone(ex) {
		t.Error("exchange not done")
	}
	if !Responded(ex) {
		t.Error("exchange not marked responded")
	}
	if diff := cmp.Diff([]int{200}, m.requests["echo"]); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
}

func TestBus_InvokerFaultBecomesFaultResponse(t *testing.T) {
	m := &fakeMetrics{}
	b := New(WithMetrics(m))
	ep := NewEndpoint("teapot", InvokerFunc(func(context.Context, *message.Exchange, []byte) ([]byte, error) {
		return nil, message.NewFault(http.StatusTeapot, "teapot", errors.New("short and stout")).
			WithHeader("X-Reason", "brewing")
	}))
	_ = b.Register(ep)

	ex, c := send(t, b, ep, "tea?")

	if c.status != http.StatusTeapot {
		t.Errorf("status = %d, want 418", c.status)
	}
	if c.headers.Get("X-Reason") != "brewing" {
		t.Errorf("fault header missing: %v", c.headers)
	}
	if c.contentType != "application/json" {
		t.Errorf("content type = %q", c.contentType)
	}
	var body faultBody
	if err := json.Unmarshal([]byte(c.body()), &body); err != nil {
		t.Fatalf("fault body %q: %v", c.body(), err)
	}
	if body.Error != "teapot" || !strings.Contains(body.Message, "short and stout") {
		t.Errorf("unexpected fault body: %+v", body)
	}
	if ex.OutFaultMessage() == nil {
		t.Error("out-fault message not set")
	}
	if ex.InMessage().Fault() == nil {
		t.Error("in message fault not recorded")
	}
	if diff := cmp.Diff([]int{418}, m.requests["teapot"]); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
}

func TestBus_FaultBodyCarriesCorrelationID(t *testing.T) {
	b := New()
	setID := interceptor.NewFunc("set-id", phase.PreProtocol, func(_ context.Context, msg *message.Message) error {
		msg.Exchange().Put(message.CorrelationIDKey, "corr-42")
		return nil
	})
	ep := NewEndpoint("fails", InvokerFunc(func(context.Context, *message.Exchange, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}), WithIn(setID))
	_ = b.Register(ep)

	_, c := send(t, b, ep, "")

	var body faultBody
	if err := json.Unmarshal([]byte(c.body()), &body); err != nil {
		t.Fatal(err)
	}
	if body.CorrelationID != "corr-42" || body.Error != "internal" {
		t.Errorf("unexpected fault body: %+v", body)
	}
	if c.status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", c.status)
	}
}

func TestBus_OutChainFaultReplacesResponse(t *testing.T) {
	b := New()
	failing := interceptor.NewFunc("marshal-guard", phase.PreMarshal, func(context.Context, *message.Message) error {
		return message.NewFault(http.StatusServiceUnavailable, "unavailable", errors.New("down"))
	})
	ep := NewEndpoint("echo", Echo{}, WithOut(failing))
	_ = b.Register(ep)

	ex, c := send(t, b, ep, "original body")

	if strings.Contains(c.body(), "original body") {
		t.Errorf("original response leaked: %q", c.body())
	}
	if c.status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", c.status)
	}
	if c.prepared != 2 || c.closed != 1 {
		t.Errorf("prepared=%d closed=%d, want 2/1", c.prepared, c.closed)
	}
	if !isDone(ex) {
		t.Error("exchange not done")
	}
}

func TestBus_InterceptorOrder(t *testing.T) {
	var order []string
	record := func(id, ph string) interceptor.Interceptor {
		return interceptor.NewFunc(id, ph, func(context.Context, *message.Message) error {
			order = append(order, id)
			return nil
		})
	}

	b := New()
	b.AddIn(record("bus-receive", phase.Receive))
	b.AddOut(record("bus-out-setup", phase.Setup))
	ep := NewEndpoint("echo", Echo{},
		WithIn(record("ep-pre-invoke", phase.PreInvoke), record("ep-receive", phase.Receive)),
		WithOut(record("ep-marshal", phase.Marshal)),
	)
	_ = b.Register(ep)

	send(t, b, ep, "x")

	want := []string{"bus-receive", "ep-receive", "ep-pre-invoke", "bus-out-setup", "ep-marshal"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestBus_SuspendAndResume(t *testing.T) {
	calls := 0
	b := New()
	ep := NewEndpoint("async", InvokerFunc(func(_ context.Context, _ *message.Exchange, p []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, interceptor.Suspend(errors.New("waiting for backend"))
		}
		return append([]byte("late:"), p...), nil
	}))
	_ = b.Register(ep)

	ex, c := send(t, b, ep, "req")

	if isDone(ex) {
		t.Fatal("suspended exchange reported done")
	}
	if c.prepared != 0 {
		t.Fatalf("response sent while suspended")
	}

	if err := b.Resume(context.Background(), ex); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := c.body(); got != "late:req" {
		t.Errorf("body = %q, want late:req", got)
	}
	if calls != 2 {
		t.Errorf("invoker called %d times, want 2", calls)
	}
	if !isDone(ex) {
		t.Error("exchange not done after resume")
	}
	if err := b.Resume(context.Background(), ex); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("second Resume = %v, want ErrNotSuspended", err)
	}
}

func TestBus_ResumeBeforeSuspendReturns(t *testing.T) {
	m := &fakeMetrics{}
	b := New(WithMetrics(m))
	calls := 0
	resumeErr := make(chan error, 1)
	ep := NewEndpoint("async", InvokerFunc(func(ctx context.Context, ex *message.Exchange, p []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			done := make(chan struct{})
			go func() {
				defer close(done)
				resumeErr <- b.Resume(ctx, ex)
			}()
			<-done
			return nil, interceptor.Suspend(nil)
		}
		return append([]byte("late:"), p...), nil
	}))
	_ = b.Register(ep)

	ex, c := send(t, b, ep, "req")

	if err := <-resumeErr; err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !isDone(ex) {
		t.Fatal("exchange not done")
	}
	if got := c.body(); got != "late:req" {
		t.Errorf("body = %q, want late:req", got)
	}
	if calls != 2 {
		t.Errorf("invoker called %d times, want 2", calls)
	}
	if c.prepared != 1 {
		t.Errorf("prepared %d times, want 1", c.prepared)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if got := m.requests["async"]; len(got) != 1 {
		t.Errorf("exchange finished %d times, want 1", len(got))
	}
}

func TestBus_ChainCacheRebuildsOnChange(t *testing.T) {
	b := New()
	ep := NewEndpoint("echo", Echo{})
	_ = b.Register(ep)

	send(t, b, ep, "a")
	send(t, b, ep, "b")
	cc := b.chainCache("echo.in", b.phases.InPhases())
	if cc.Builds() != 1 {
		t.Fatalf("builds = %d after two requests, want 1", cc.Builds())
	}

	ep.SetIn(interceptor.NewFunc("added", phase.PreLogical, nil))
	send(t, b, ep, "c")
	if cc.Builds() != 2 {
		t.Errorf("builds = %d after endpoint change, want 2", cc.Builds())
	}
}

func TestBus_OneWaySkipsResponse(t *testing.T) {
	b := New()
	ep := NewEndpoint("sink", Echo{})
	_ = b.Register(ep)

	in := message.New()
	in.SetContent(message.ContentPayload, []byte("fire"))
	ex := b.NewExchange(ep, in)
	ex.SetOneWay(true)
	c := &recordingConduit{}
	ex.SetConduit(c)
	b.Observer(ep).OnMessage(context.Background(), in)

	if c.prepared != 0 {
		t.Error("one-way exchange sent a response")
	}
	if ex.OutMessage() != nil {
		t.Error("one-way exchange created an out message")
	}
	if !isDone(ex) {
		t.Error("exchange not done")
	}
}

func TestBus_NoConduitIsLoggedNotPanicked(t *testing.T) {
	b := New()
	ep := NewEndpoint("echo", Echo{})
	_ = b.Register(ep)

	in := message.New()
	in.SetContent(message.ContentPayload, []byte("x"))
	ex := b.NewExchange(ep, in)
	b.Observer(ep).OnMessage(context.Background(), in)

	if !isDone(ex) {
		t.Error("exchange not done")
	}
	if Responded(ex) {
		t.Error("exchange without conduit marked responded")
	}
}

func TestBus_RegisterDuplicate(t *testing.T) {
	b := New()
	if err := b.Register(NewEndpoint("a", Echo{})); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(NewEndpoint("a", Echo{})); !errors.Is(err, ErrDuplicateEndpoint) {
		t.Errorf("err = %v, want ErrDuplicateEndpoint", err)
	}
	_ = b.Register(NewEndpoint("0", Echo{}))
	var names []string
	for _, ep := range b.Endpoints() {
		names = append(names, ep.Name())
	}
	if diff := cmp.Diff([]string{"0", "a"}, names); diff != "" {
		t.Errorf("endpoints (-want +got):\n%s", diff)
	}
}

func TestExchange_ContextualLookupFallsBack(t *testing.T) {
	b := New(WithProperty("bus.only", "from-bus"))
	ep := NewEndpoint("orders", Echo{}, WithEndpointProperty("ep.only", "from-endpoint"))
	in := message.New()
	b.NewExchange(ep, in)

	tests := []struct {
		key  message.Key
		want any
	}{
		{message.EndpointNameKey, "orders"},
		{"ep.only", "from-endpoint"},
		{"bus.only", "from-bus"},
	}
	for _, tt := range tests {
		got, ok := in.ContextualProperty(tt.key)
		if !ok || got != tt.want {
			t.Errorf("ContextualProperty(%s) = %v, %v; want %v", tt.key, got, ok, tt.want)
		}
	}
}
