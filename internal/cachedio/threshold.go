package cachedio

import (
	"bytes"
	"io"
)

// ThresholdHandler is notified once per ThresholdWriter about whether the threshold was
// crossed. ThresholdReached runs before the downstream writer receives its first byte.
type ThresholdHandler interface {
	ThresholdReached() error
	ThresholdNotReached() error
}

// ThresholdFuncs adapts plain functions to ThresholdHandler. Nil funcs are skipped.
type ThresholdFuncs struct {
	Reached    func() error
	NotReached func() error
}

// ThresholdReached implements ThresholdHandler.
func (f ThresholdFuncs) ThresholdReached() error {
	if f.Reached == nil {
		return nil
	}
	return f.Reached()
}

// ThresholdNotReached implements ThresholdHandler.
func (f ThresholdFuncs) ThresholdNotReached() error {
	if f.NotReached == nil {
		return nil
	}
	return f.NotReached()
}

// ThresholdWriter holds written bytes back from the downstream writer until threshold
// bytes have accumulated, so a short body can still be discarded or have its headers
// rewritten. It is not safe for concurrent use.
type ThresholdWriter struct {
	w         io.WriteCloser
	threshold int
	handler   ThresholdHandler
	buf       *bytes.Buffer
	decided   bool
	reached   bool
	closed    bool
}

// NewThresholdWriter wraps w. A threshold <= 0 disables buffering.
func NewThresholdWriter(w io.WriteCloser, threshold int, h ThresholdHandler) *ThresholdWriter {
	if h == nil {
		h = ThresholdFuncs{}
	}
	tw := &ThresholdWriter{w: w, threshold: threshold, handler: h}
	if threshold > 0 {
		tw.buf = bytes.NewBuffer(make([]byte, 0, threshold))
	}
	return tw
}

// Write buffers p until the threshold is reached, then forwards everything downstream.
func (t *ThresholdWriter) Write(p []byte) (int, error) {
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	written := 0
	if t.buf != nil {
		space := t.threshold - t.buf.Len()
		if space > len(p) {
			space = len(p)
		}
		t.buf.Write(p[:space])
		written = space
		p = p[space:]
		if t.buf.Len() < t.threshold {
			return written, nil
		}
	}
	if err := t.reach(); err != nil {
		return written, err
	}
	if len(p) == 0 {
		return written, nil
	}
	n, err := t.w.Write(p)
	return written + n, err
}

// Buffered returns the number of bytes held back.
func (t *ThresholdWriter) Buffered() int {
	if t.buf == nil {
		return 0
	}
	return t.buf.Len()
}

// Reached reports whether ThresholdReached has fired.
func (t *ThresholdWriter) Reached() bool {
	return t.reached
}

// Unbuffer forces the threshold transition now, flushing anything held back.
func (t *ThresholdWriter) Unbuffer() error {
	return t.reach()
}

func (t *ThresholdWriter) reach() error {
	if t.decided {
		return nil
	}
	t.decided = true
	t.reached = true
	if err := t.handler.ThresholdReached(); err != nil {
		return err
	}
	return t.unbuffer()
}

func (t *ThresholdWriter) unbuffer() error {
	if t.buf == nil {
		return nil
	}
	pending := t.buf
	t.buf = nil
	if pending.Len() == 0 {
		return nil
	}
	_, err := t.w.Write(pending.Bytes())
	return err
}

// Flush pushes data downstream when the threshold was already reached.
func (t *ThresholdWriter) Flush() error {
	if !t.Reached() {
		return nil
	}
	return flushWriter(t.w)
}

// Close fires ThresholdNotReached when the threshold was never crossed, flushes what was
// held back and closes the downstream writer. Close is idempotent.
func (t *ThresholdWriter) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.decided {
		t.decided = true
		if err := t.handler.ThresholdNotReached(); err != nil {
			_ = t.w.Close()
			return err
		}
		if err := t.unbuffer(); err != nil {
			_ = t.w.Close()
			return err
		}
	}
	return t.w.Close()
}

type flusher interface {
	Flush() error
}

type plainFlusher interface {
	Flush()
}

func flushWriter(w io.Writer) error {
	switch f := w.(type) {
	case flusher:
		return f.Flush()
	case plainFlusher:
		f.Flush()
	}
	return nil
}
