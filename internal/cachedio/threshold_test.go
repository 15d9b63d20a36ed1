package cachedio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type recordingSink struct {
	bytes.Buffer
	closed  int
	flushed int
}

func (r *recordingSink) Close() error {
	r.closed++
	return nil
}

func (r *recordingSink) Flush() error {
	r.flushed++
	return nil
}

func TestThresholdWriter_NotReached(t *testing.T) {
	sink := &recordingSink{}
	var reached, notReached int
	tw := NewThresholdWriter(sink, 10, ThresholdFuncs{
		Reached:    func() error { reached++; return nil },
		NotReached: func() error { notReached++; return nil },
	})

	if _, err := tw.Write([]byte("short")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.Len() != 0 {
		t.Fatalf("expected nothing downstream before close, got %q", sink.String())
	}
	if tw.Buffered() != 5 {
		t.Errorf("expected 5 buffered bytes, got %d", tw.Buffered())
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if notReached != 1 || reached != 0 {
		t.Errorf("expected notReached=1 reached=0, got %d %d", notReached, reached)
	}
	if sink.String() != "short" {
		t.Errorf("expected buffered bytes flushed on close, got %q", sink.String())
	}
	if sink.closed != 1 {
		t.Errorf("expected downstream closed once, got %d", sink.closed)
	}
	if tw.Reached() {
		t.Error("expected Reached to be false")
	}
}

func TestThresholdWriter_ReachedBeforeDownstreamWrite(t *testing.T) {
	sink := &recordingSink{}
	var seenAtReach = -1
	var notReached int
	tw := NewThresholdWriter(sink, 4, ThresholdFuncs{
		Reached:    func() error { seenAtReach = sink.Len(); return nil },
		NotReached: func() error { notReached++; return nil },
	})

	n, err := tw.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 6 {
		t.Errorf("expected 6 bytes written, got %d", n)
	}
	if seenAtReach != 0 {
		t.Errorf("expected handler to run before downstream write, downstream had %d bytes", seenAtReach)
	}
	if sink.String() != "abcdef" {
		t.Errorf("expected abcdef downstream, got %q", sink.String())
	}
	if _, err := tw.Write([]byte("gh")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if notReached != 0 {
		t.Error("ThresholdNotReached must not fire after the threshold was reached")
	}
	if sink.String() != "abcdefgh" {
		t.Errorf("expected abcdefgh, got %q", sink.String())
	}
}

func TestThresholdWriter_ExactThresholdAcrossWrites(t *testing.T) {
	sink := &recordingSink{}
	var reached int
	tw := NewThresholdWriter(sink, 4, ThresholdFuncs{Reached: func() error { reached++; return nil }})

	for _, chunk := range []string{"a", "b", "c"} {
		if _, err := tw.Write([]byte(chunk)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if reached != 0 {
		t.Fatal("threshold must not be reached with 3 of 4 bytes")
	}
	if _, err := tw.Write([]byte("d")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reached != 1 {
		t.Fatalf("expected threshold reached once, got %d", reached)
	}
	if sink.String() != "abcd" {
		t.Errorf("expected abcd downstream, got %q", sink.String())
	}
}

func TestThresholdWriter_PassThrough(t *testing.T) {
	sink := &recordingSink{}
	var reached int
	tw := NewThresholdWriter(sink, 0, ThresholdFuncs{Reached: func() error { reached++; return nil }})

	if _, err := tw.Write(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reached != 0 {
		t.Error("empty write must not reach the threshold")
	}
	if _, err := tw.Write([]byte("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reached != 1 || sink.String() != "x" {
		t.Errorf("expected immediate pass-through, reached=%d sink=%q", reached, sink.String())
	}
	if err := tw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sink.flushed != 1 {
		t.Errorf("expected downstream flushed once, got %d", sink.flushed)
	}
}

func TestThresholdWriter_FlushBeforeThresholdIsNoop(t *testing.T) {
	sink := &recordingSink{}
	tw := NewThresholdWriter(sink, 8, nil)
	_, _ = tw.Write([]byte("abc"))
	if err := tw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sink.flushed != 0 || sink.Len() != 0 {
		t.Errorf("expected no downstream activity, flushed=%d len=%d", sink.flushed, sink.Len())
	}
}

func TestThresholdWriter_HandlerError(t *testing.T) {
	sink := &recordingSink{}
	boom := errors.New("headers already sent")
	tw := NewThresholdWriter(sink, 2, ThresholdFuncs{Reached: func() error { return boom }})

	_, err := tw.Write([]byte("abc"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if sink.Len() != 0 {
		t.Errorf("expected nothing downstream, got %q", sink.String())
	}
}

func TestThresholdWriter_WriteAfterClose(t *testing.T) {
	sink := &recordingSink{}
	tw := NewThresholdWriter(sink, 2, nil)
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sink.closed != 1 {
		t.Errorf("expected downstream closed once, got %d", sink.closed)
	}
	if _, err := tw.Write([]byte("a")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected io.ErrClosedPipe, got %v", err)
	}
}

func TestThresholdWriter_Unbuffer(t *testing.T) {
	sink := &recordingSink{}
	var reached int
	tw := NewThresholdWriter(sink, 100, ThresholdFuncs{Reached: func() error { reached++; return nil }})
	_, _ = tw.Write([]byte("early"))
	if err := tw.Unbuffer(); err != nil {
		t.Fatalf("unbuffer: %v", err)
	}
	if reached != 1 || sink.String() != "early" {
		t.Errorf("expected forced flush, reached=%d sink=%q", reached, sink.String())
	}
	_, _ = tw.Write([]byte("!"))
	if sink.String() != "early!" {
		t.Errorf("expected later writes to pass through, got %q", sink.String())
	}
}
