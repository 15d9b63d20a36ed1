package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/message"
)

var (
	errCommitted = errors.New("response already committed")
	errAbandoned = errors.New("request abandoned")
)

// responseConduit writes an outbound message to an http.ResponseWriter. Bodies up to the
// threshold are sent with Content-Length, larger ones chunked.
type responseConduit struct {
	w         http.ResponseWriter
	threshold int

	mu        sync.Mutex
	tw        *cachedio.ThresholdWriter
	committed bool
	abandoned bool
}

func newResponseConduit(w http.ResponseWriter, threshold int) *responseConduit {
	return &responseConduit{w: w, threshold: threshold}
}

// Prepare implements message.Conduit.
func (c *responseConduit) Prepare(_ context.Context, msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.abandoned:
		return errAbandoned
	case c.committed:
		return errCommitted
	}
	var tw *cachedio.ThresholdWriter
	tw = cachedio.NewThresholdWriter(&bodyWriter{c: c}, c.threshold, cachedio.ThresholdFuncs{
		Reached:    func() error { return c.writeHeader(msg, -1) },
		NotReached: func() error { return c.writeHeader(msg, tw.Buffered()) },
	})
	c.tw = tw
	msg.SetContent(message.ContentOutputStream, tw)
	return nil
}

// Close implements message.Conduit.
func (c *responseConduit) Close(_ *message.Message) error {
	c.mu.Lock()
	tw := c.tw
	c.mu.Unlock()
	if tw == nil {
		return errors.New("conduit was not prepared")
	}
	return tw.Close()
}

func (c *responseConduit) writeHeader(msg *message.Message, length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned {
		return errAbandoned
	}
	if c.committed {
		return errCommitted
	}
	h := c.w.Header()
	for k, vs := range msg.Headers() {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if ct := msg.ContentType(); ct != "" {
		h.Set("Content-Type", ct)
	}
	if length >= 0 {
		h.Set("Content-Length", strconv.Itoa(length))
	}
	status := http.StatusOK
	if v, ok := msg.Get(message.ResponseCodeKey); ok {
		if code, ok := v.(int); ok && code > 0 {
			status = code
		}
	}
	c.w.WriteHeader(status)
	c.committed = true
	return nil
}

// abandon fails the request with status unless a response was already started. A zero
// status only stops further writes.
func (c *responseConduit) abandon(status int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned || c.committed {
		c.abandoned = true
		return false
	}
	c.abandoned = true
	if status > 0 {
		http.Error(c.w, http.StatusText(status), status)
	}
	return true
}

type bodyWriter struct {
	c *responseConduit
}

func (b *bodyWriter) Write(p []byte) (int, error) {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	if b.c.abandoned {
		return 0, errAbandoned
	}
	return b.c.w.Write(p)
}

func (b *bodyWriter) Flush() {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	if f, ok := b.c.w.(http.Flusher); ok && !b.c.abandoned {
		f.Flush()
	}
}

func (b *bodyWriter) Close() error {
	b.Flush()
	return nil
}
