package cachedio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStream(t *testing.T, threshold int64, opts ...Option) *OutputStream {
	t.Helper()
	return New(Config{Threshold: threshold, OutputDir: t.TempDir()}, opts...)
}

func readAll(t *testing.T, s *OutputStream) string {
	t.Helper()
	r, err := s.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type spillCounter struct {
	mu       sync.Mutex
	spills   int
	failures int
}

func (c *spillCounter) OnSpill(int64) {
	c.mu.Lock()
	c.spills++
	c.mu.Unlock()
}

func (c *spillCounter) OnSpillFailure(error) {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func TestOutputStream_InMemory(t *testing.T) {
	s := newTestStream(t, 64)
	if _, err := s.WriteString("hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteByte('!'); err != nil {
		t.Fatalf("write byte: %v", err)
	}
	if !s.InMemory() {
		t.Fatal("expected stream to stay in memory")
	}
	if s.TempFile() != "" {
		t.Errorf("expected no temp file, got %q", s.TempFile())
	}
	if s.Size() != 6 {
		t.Errorf("expected size 6, got %d", s.Size())
	}
	b, err := s.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if string(b) != "hello!" {
		t.Errorf("expected hello!, got %q", b)
	}
	if got := readAll(t, s); got != "hello!" {
		t.Errorf("expected hello! from reader, got %q", got)
	}
}

func TestOutputStream_ThresholdBoundary(t *testing.T) {
	s := newTestStream(t, 8)
	_, _ = s.Write([]byte("12345678"))
	if !s.InMemory() {
		t.Fatal("exactly threshold bytes must stay in memory")
	}
	_, _ = s.Write([]byte("9"))
	if s.InMemory() {
		t.Fatal("expected spill once size exceeds threshold")
	}
	if got := readAll(t, s); got != "123456789" {
		t.Errorf("expected 123456789, got %q", got)
	}
}

func TestOutputStream_SpillToFile(t *testing.T) {
	dir := t.TempDir()
	obs := &spillCounter{}
	s := New(Config{Threshold: 4, OutputDir: dir}, WithSpillObserver(obs))

	if _, err := s.WriteString("spilled content"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s.InMemory() {
		t.Fatal("expected stream to spill")
	}
	path := s.TempFile()
	if path == "" {
		t.Fatal("expected temp file")
	}
	if filepath.Dir(path) != dir {
		t.Errorf("expected temp file in %s, got %s", dir, path)
	}
	if obs.spills != 1 {
		t.Errorf("expected one spill, got %d", obs.spills)
	}
	_, _ = s.WriteString(" and more")
	if got := readAll(t, s); got != "spilled content and more" {
		t.Errorf("unexpected content %q", got)
	}
	b, err := s.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if string(b) != "spilled content and more" {
		t.Errorf("unexpected bytes %q", b)
	}
}

func TestOutputStream_CloseDeletesTempFile(t *testing.T) {
	s := newTestStream(t, 2)
	_, _ = s.WriteString("abcdef")
	path := s.TempFile()
	if path == "" {
		t.Fatal("expected temp file")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fileExists(path) {
		t.Error("expected temp file to be deleted on close")
	}
	if !s.InMemory() {
		t.Error("expected stream to return to memory after deletion")
	}
	if s.TempFile() != "" {
		t.Errorf("expected no temp file, got %q", s.TempFile())
	}
}

func TestOutputStream_ReaderKeepsFileAlive(t *testing.T) {
	s := newTestStream(t, 2)
	_, _ = s.WriteString("payload")
	path := s.TempFile()

	r1, err := s.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	r2, err := s.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fileExists(path) {
		t.Fatal("temp file must survive while readers are open")
	}

	b, _ := io.ReadAll(r1)
	if string(b) != "payload" {
		t.Errorf("expected payload, got %q", b)
	}
	_ = r1.Close()
	if !fileExists(path) {
		t.Fatal("temp file must survive while the second reader is open")
	}
	b, _ = io.ReadAll(r2)
	if string(b) != "payload" {
		t.Errorf("expected payload from second reader, got %q", b)
	}
	_ = r2.Close()
	if fileExists(path) {
		t.Error("expected temp file deleted after the last reader closed")
	}
	if err := r2.Close(); err != nil {
		t.Errorf("second reader close should be a no-op, got %v", err)
	}
}

// deleteCounter counts temp file deletions reported through the stream logger.
type deleteCounter struct {
	mu sync.Mutex
	n  int
}

func (d *deleteCounter) Enabled(context.Context, slog.Level) bool { return true }

func (d *deleteCounter) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "deleted cached temp file" {
		d.mu.Lock()
		d.n++
		d.mu.Unlock()
	}
	return nil
}

func (d *deleteCounter) WithAttrs([]slog.Attr) slog.Handler { return d }
func (d *deleteCounter) WithGroup(string) slog.Handler      { return d }

func (d *deleteCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func TestOutputStream_ConcurrentReaderClose(t *testing.T) {
	const readers = 16
	const payload = "shared spilled payload"

	tests := []struct {
		name string
		hold bool
	}{
		{name: "last reader deletes"},
		{name: "hold outlives readers", hold: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deletes := &deleteCounter{}
			s := newTestStream(t, 4, WithLogger(slog.New(deletes)))
			if _, err := s.WriteString(payload); err != nil {
				t.Fatalf("write: %v", err)
			}
			path := s.TempFile()
			if path == "" {
				t.Fatal("expected spill to a temp file")
			}
			if tt.hold {
				s.HoldTempFile()
			}

			rs := make([]io.ReadCloser, readers)
			for i := range rs {
				r, err := s.InputStream()
				if err != nil {
					t.Fatalf("input stream %d: %v", i, err)
				}
				rs[i] = r
			}
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			// All but the last reader are consumed and closed concurrently, twice each.
			errc := make(chan error, readers)
			var wg sync.WaitGroup
			for _, r := range rs[:readers-1] {
				wg.Add(1)
				go func(r io.ReadCloser) {
					defer wg.Done()
					b, err := io.ReadAll(r)
					if err == nil && string(b) != payload {
						err = errors.New("unexpected content " + string(b))
					}
					if cerr := r.Close(); err == nil {
						err = cerr
					}
					if cerr := r.Close(); err == nil {
						err = cerr
					}
					errc <- err
				}(r)
			}
			wg.Wait()
			close(errc)
			for err := range errc {
				if err != nil {
					t.Errorf("reader: %v", err)
				}
			}

			if !fileExists(path) {
				t.Fatal("temp file must survive while one reader is open")
			}
			if got := deletes.count(); got != 0 {
				t.Fatalf("deleted %d times before the last close", got)
			}

			if err := rs[readers-1].Close(); err != nil {
				t.Fatalf("close last reader: %v", err)
			}
			if tt.hold {
				if !fileExists(path) {
					t.Fatal("held temp file must not be deleted")
				}
				if got := deletes.count(); got != 0 {
					t.Fatalf("deleted %d times under hold", got)
				}
				s.ReleaseTempFileHold()
			}
			if fileExists(path) {
				t.Error("expected temp file deleted after the last reference went away")
			}
			if got := deletes.count(); got != 1 {
				t.Errorf("deleted %d times, want 1", got)
			}
		})
	}
}

func TestOutputStream_HoldTempFile(t *testing.T) {
	s := newTestStream(t, 2)
	_, _ = s.WriteString("held bytes")
	path := s.TempFile()

	s.HoldTempFile()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fileExists(path) {
		t.Fatal("held temp file must not be deleted")
	}
	if got := readAll(t, s); got != "held bytes" {
		t.Errorf("expected held bytes, got %q", got)
	}
	s.ReleaseTempFileHold()
	if fileExists(path) {
		t.Error("expected temp file deleted on release")
	}
}

func TestOutputStream_MaxSize(t *testing.T) {
	s := New(Config{Threshold: 100, MaxSize: 5})
	if _, err := s.WriteString("abc"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.WriteString("def")
	if !errors.Is(err, ErrCacheSizeExceeded) {
		t.Fatalf("expected ErrCacheSizeExceeded, got %v", err)
	}
	if s.Size() != 3 {
		t.Errorf("rejected write must not count, size=%d", s.Size())
	}
	if _, err := s.WriteString("de"); err != nil {
		t.Errorf("write up to the limit should succeed: %v", err)
	}
}

func TestOutputStream_LockDiscardsWrites(t *testing.T) {
	s := newTestStream(t, 64)
	_, _ = s.WriteString("kept")
	if err := s.LockOutputStream(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	n, err := s.WriteString("dropped")
	if err != nil || n != len("dropped") {
		t.Fatalf("locked write should report success, n=%d err=%v", n, err)
	}
	if s.Size() != 4 {
		t.Errorf("expected size 4, got %d", s.Size())
	}
	if got := readAll(t, s); got != "kept" {
		t.Errorf("expected kept, got %q", got)
	}
	if !s.Locked() {
		t.Error("expected Locked to be true")
	}
}

func TestOutputStream_Callbacks(t *testing.T) {
	s := newTestStream(t, 64)
	var flushes, closes int
	cb := NewCallback(
		func(*OutputStream) { flushes++ },
		func(*OutputStream) { closes++ },
	)
	other := NewCallback(nil, func(*OutputStream) { closes += 10 })
	s.RegisterCallback(cb)
	s.RegisterCallback(other)
	s.DeregisterCallback(other)

	if got := len(s.Callbacks()); got != 1 {
		t.Fatalf("expected 1 callback, got %d", got)
	}
	_ = s.Flush()
	_ = s.Flush()
	if flushes != 2 {
		t.Errorf("expected 2 flushes, got %d", flushes)
	}
	_ = s.LockOutputStream()
	_ = s.Close()
	_ = s.Close()
	if closes != 1 {
		t.Errorf("expected OnClose exactly once, got %d", closes)
	}
}

func TestOutputStream_CallbackMayReadStream(t *testing.T) {
	s := newTestStream(t, 4)
	var seen string
	s.RegisterCallback(NewCallback(nil, func(cs *OutputStream) {
		b, err := cs.Bytes()
		if err == nil {
			seen = string(b)
		}
	}))
	_, _ = s.WriteString("visible on close")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if seen != "visible on close" {
		t.Errorf("expected callback to read content, got %q", seen)
	}
}

type recordingHooks struct {
	flush, close, postClose int
}

func (h *recordingHooks) DoFlush(*OutputStream) error   { h.flush++; return nil }
func (h *recordingHooks) DoClose(*OutputStream) error   { h.close++; return nil }
func (h *recordingHooks) PostClose(*OutputStream) error { h.postClose++; return nil }

func TestOutputStream_Hooks(t *testing.T) {
	h := &recordingHooks{}
	s := newTestStream(t, 2, WithHooks(h))
	_, _ = s.WriteString("abcdef")
	r, err := s.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = r.Close()
	if h.flush < 1 {
		t.Error("expected DoFlush to run")
	}
	if h.close != 1 || h.postClose != 1 {
		t.Errorf("expected DoClose and PostClose once, got %d %d", h.close, h.postClose)
	}
}

func TestOutputStream_WriteCacheToStringLimit(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
		content   string
		limit     int64
		want      string
	}{
		{"memory unlimited", 1024, "héllo", -1, "héllo"},
		{"memory under limit", 1024, "héllo", 100, "héllo"},
		{"memory splits rune", 1024, "héllo", 2, "h"},
		{"memory on rune boundary", 1024, "héllo", 3, "hé"},
		{"file ascii", 4, strings.Repeat("a", 3000), 1500, strings.Repeat("a", 1500)},
		{"file splits rune", 4, strings.Repeat("é", 1000), 1501, strings.Repeat("é", 750)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStream(t, tt.threshold)
			_, _ = s.WriteString(tt.content)
			var sb strings.Builder
			if err := s.WriteCacheToStringLimit(&sb, tt.limit); err != nil {
				t.Fatalf("write cache: %v", err)
			}
			if sb.String() != tt.want {
				t.Errorf("got %d bytes, want %d bytes", sb.Len(), len(tt.want))
			}
		})
	}
}

func TestOutputStream_ResetOut(t *testing.T) {
	s := newTestStream(t, 4)
	_, _ = s.WriteString("file backed")
	path := s.TempFile()

	var dst bytes.Buffer
	if err := s.ResetOut(&dst, true); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if dst.String() != "file backed" {
		t.Errorf("expected old content copied, got %q", dst.String())
	}
	if fileExists(path) {
		t.Error("expected old temp file to be deleted")
	}
	if s.Size() != 0 {
		t.Errorf("expected size reset to 0, got %d", s.Size())
	}
	if !s.InMemory() {
		t.Error("expected stream in memory after reset")
	}
	_, _ = s.WriteString("!")
	if dst.String() != "file backed!" {
		t.Errorf("expected writes to go to new store, got %q", dst.String())
	}
}

func TestOutputStream_ResetOutWithoutCopy(t *testing.T) {
	s := newTestStream(t, 64)
	_, _ = s.WriteString("old")
	_ = s.LockOutputStream()
	if err := s.ResetOut(nil, false); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.Locked() {
		t.Error("expected reset to unlock the stream")
	}
	_, _ = s.WriteString("new")
	if got := readAll(t, s); got != "new" {
		t.Errorf("expected new, got %q", got)
	}
}

func TestOutputStream_SpillFailureFallsBackToMemory(t *testing.T) {
	obs := &spillCounter{}
	s := New(Config{Threshold: 2}, WithSpillObserver(obs))
	s.SetOutputDir(filepath.Join(t.TempDir(), "missing"))

	_, err := s.WriteString("abcdef")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _ = s.WriteString("ghij")
	if !s.InMemory() {
		t.Fatal("expected memory fallback")
	}
	if obs.failures != 1 {
		t.Errorf("expected a single spill attempt, got %d failures", obs.failures)
	}
	if got := readAll(t, s); got != "abcdefghij" {
		t.Errorf("expected full content, got %q", got)
	}
}

func TestOutputStream_Cipher(t *testing.T) {
	s := New(Config{Threshold: 4, OutputDir: t.TempDir(), Cipher: true})
	const secret = "the quick brown fox"
	_, _ = s.WriteString(secret)
	_ = s.Flush()

	raw, err := os.ReadFile(s.TempFile())
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if len(raw) != len(secret) {
		t.Errorf("expected %d bytes on disk, got %d", len(secret), len(raw))
	}
	if bytes.Contains(raw, []byte("quick")) {
		t.Error("expected temp file content to be encrypted")
	}
	if got := readAll(t, s); got != secret {
		t.Errorf("expected decrypted content, got %q", got)
	}
	var sb strings.Builder
	if err := s.WriteCacheToString(&sb); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	if sb.String() != secret {
		t.Errorf("expected decrypted string, got %q", sb.String())
	}
}

func TestOutputStream_Piped(t *testing.T) {
	s := NewPiped()
	r, err := s.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	go func() {
		_, _ = s.WriteString("through ")
		_, _ = s.WriteString("the pipe")
		_ = s.Close()
	}()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "through the pipe" {
		t.Errorf("expected piped content, got %q", b)
	}
}

func TestOutputStream_TransferTo(t *testing.T) {
	s := newTestStream(t, 2)
	_, _ = s.WriteString("move me")
	r, err := s.InputStream()
	if err != nil {
		t.Fatalf("input stream: %v", err)
	}
	tr, ok := r.(Transferable)
	if !ok {
		t.Fatal("expected file-backed reader to be transferable")
	}
	dest := filepath.Join(t.TempDir(), "moved.bin")
	if err := tr.TransferTo(dest); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(b) != "move me" {
		t.Errorf("expected move me, got %q", b)
	}
	_ = r.Close()
	_ = s.Close()
}

func TestOutputStream_ZeroThresholdSpillsImmediately(t *testing.T) {
	s := NewWithThreshold(0)
	s.SetOutputDir(t.TempDir())
	_, _ = s.WriteString("x")
	if s.InMemory() {
		t.Error("expected first byte to spill with zero threshold")
	}
	if s.Threshold() != 0 {
		t.Errorf("expected threshold 0, got %d", s.Threshold())
	}
	_ = s.Close()
}

func TestOutputStream_String(t *testing.T) {
	s := newTestStream(t, 64)
	_, _ = s.WriteString("abc")
	if got := s.String(); got != "[cachedio.OutputStream Content: abc]" {
		t.Errorf("unexpected String: %q", got)
	}
}

func TestCopyStream(t *testing.T) {
	var dst bytes.Buffer
	src := io.NopCloser(strings.NewReader(strings.Repeat("z", 10000)))
	if err := CopyStream(&dst, src, 0); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if dst.Len() != 10000 {
		t.Errorf("expected 10000 bytes, got %d", dst.Len())
	}
}
