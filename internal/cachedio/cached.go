// Package cachedio provides write-once, read-many byte sinks that hold small bodies in
// memory and transparently spill large ones to temporary files.
package cachedio

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrCachedFileDeleted is returned when the temp file vanished before it could be read.
	ErrCachedFileDeleted = errors.New("cached file was deleted")
	// ErrUnknownStore is returned when the backing store cannot be read back as bytes.
	ErrUnknownStore = errors.New("unknown format of current stream")
	// ErrCacheSizeExceeded is returned when a write would exceed the configured MaxSize.
	ErrCacheSizeExceeded = errors.New("cache size exceeded")
)

const (
	tempFilePattern = "cos*.tmp"
	readChunkSize   = 1024
)

// Callback observes flush and close events of an OutputStream.
type Callback interface {
	OnFlush(s *OutputStream)
	OnClose(s *OutputStream)
}

type callbackFuncs struct {
	onFlush func(*OutputStream)
	onClose func(*OutputStream)
}

func (c *callbackFuncs) OnFlush(s *OutputStream) {
	if c.onFlush != nil {
		c.onFlush(s)
	}
}

func (c *callbackFuncs) OnClose(s *OutputStream) {
	if c.onClose != nil {
		c.onClose(s)
	}
}

// NewCallback builds a Callback from functions. Either may be nil.
func NewCallback(onFlush, onClose func(*OutputStream)) Callback {
	return &callbackFuncs{onFlush: onFlush, onClose: onClose}
}

// Hooks lets an owner of an OutputStream run extra work on flush and close, for example
// freezing headers on the first flush.
type Hooks interface {
	DoFlush(s *OutputStream) error
	DoClose(s *OutputStream) error
	PostClose(s *OutputStream) error
}

// SpillObserver is notified about spill attempts.
type SpillObserver interface {
	OnSpill(size int64)
	OnSpillFailure(err error)
}

// Option configures an OutputStream.
type Option func(*OutputStream)

// WithLogger sets the logger used for spill diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *OutputStream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHooks installs flush/close hooks.
func WithHooks(h Hooks) Option {
	return func(s *OutputStream) {
		s.hooks = h
	}
}

// WithSpillObserver installs a spill observer.
func WithSpillObserver(o SpillObserver) Option {
	return func(s *OutputStream) {
		s.observer = o
	}
}

// OutputStream buffers written bytes in memory up to a threshold, then spills them to a
// temp file. Content can be read back any number of times through InputStream, Bytes and
// WriteCacheTo regardless of the active store.
//
// Writes are expected from a single goroutine. Readers returned by InputStream may be
// consumed and closed from other goroutines; the temp file is removed once the stream and
// all of its readers are closed, unless a hold is active.
type OutputStream struct {
	mu sync.Mutex

	threshold int64
	maxSize   int64
	outputDir string
	useCipher bool

	current    io.Writer
	mem        *bytes.Buffer
	file       *fileWriter
	pipeReader *io.PipeReader

	totalLength    int64
	inmem          bool
	locked         bool
	closed         bool
	closeNotified  bool
	tempFileFailed bool
	tempFile       string
	allowDelete    bool
	live           map[io.Closer]struct{}

	block cipher.Block
	iv    []byte

	callbacks []Callback
	hooks     Hooks
	observer  SpillObserver
	logger    *slog.Logger
}

// New creates an in-memory OutputStream using cfg.
func New(cfg Config, opts ...Option) *OutputStream {
	cfg = cfg.Normalize()
	mem := bytes.NewBuffer(make([]byte, 0, 2048))
	s := &OutputStream{
		threshold:   cfg.Threshold,
		maxSize:     cfg.MaxSize,
		outputDir:   cfg.OutputDir,
		useCipher:   cfg.Cipher,
		current:     mem,
		mem:         mem,
		inmem:       true,
		allowDelete: true,
		live:        make(map[io.Closer]struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDefault creates an OutputStream with the process-wide DefaultConfig.
func NewDefault(opts ...Option) *OutputStream {
	return New(DefaultConfig(), opts...)
}

// NewWithThreshold creates an OutputStream with DefaultConfig and the given threshold.
func NewWithThreshold(threshold int64, opts ...Option) *OutputStream {
	s := New(DefaultConfig(), opts...)
	s.threshold = threshold
	return s
}

// NewPiped creates an OutputStream whose content is delivered through a pipe. The reader
// returned by InputStream must be consumed concurrently with writes.
func NewPiped(opts ...Option) *OutputStream {
	s := New(DefaultConfig(), opts...)
	pr, pw := io.Pipe()
	s.current = pw
	s.mem = nil
	s.pipeReader = pr
	return s
}

// Write appends p. Writes after LockOutputStream or Close are discarded.
func (s *OutputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return len(p), nil
	}
	if s.maxSize > 0 && s.totalLength+int64(len(p)) > s.maxSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrCacheSizeExceeded, s.totalLength+int64(len(p)), s.maxSize)
	}
	s.totalLength += int64(len(p))
	if s.inmem && s.mem != nil && s.current == io.Writer(s.mem) && s.totalLength > s.threshold {
		s.spillLocked()
	}
	return s.current.Write(p)
}

// WriteString appends str.
func (s *OutputStream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// WriteByte appends a single byte.
func (s *OutputStream) WriteByte(b byte) error {
	_, err := s.Write([]byte{b})
	return err
}

func (s *OutputStream) spillLocked() {
	if s.tempFileFailed {
		return
	}
	f, err := os.CreateTemp(s.outputDir, tempFilePattern)
	if err != nil {
		s.spillFailedLocked(err, nil)
		return
	}
	fw, err := s.newFileWriterLocked(f)
	if err != nil {
		_ = f.Close()
		s.spillFailedLocked(err, f)
		return
	}
	if _, err := fw.Write(s.mem.Bytes()); err != nil {
		_ = fw.Close()
		s.spillFailedLocked(err, f)
		return
	}
	s.file = fw
	s.current = fw
	s.tempFile = f.Name()
	s.mem = nil
	s.inmem = false
	s.live[fw] = struct{}{}
	s.logger.Debug("cached stream spilled to temp file",
		"path", s.tempFile,
		"threshold", s.threshold,
	)
	if s.observer != nil {
		s.observer.OnSpill(s.totalLength)
	}
}

func (s *OutputStream) spillFailedLocked(err error, f *os.File) {
	s.tempFileFailed = true
	if f != nil {
		_ = os.Remove(f.Name())
	}
	s.logger.Debug("cached stream staying in memory, temp file creation failed", "error", err)
	if s.observer != nil {
		s.observer.OnSpillFailure(err)
	}
}

func (s *OutputStream) newFileWriterLocked(f *os.File) (*fileWriter, error) {
	buf := bufio.NewWriter(f)
	fw := &fileWriter{f: f, buf: buf, w: buf}
	if s.useCipher {
		if err := s.initCipherLocked(); err != nil {
			return nil, err
		}
		fw.w = &cipher.StreamWriter{S: cipher.NewCTR(s.block, s.iv), W: buf}
	}
	return fw, nil
}

func (s *OutputStream) initCipherLocked() error {
	if s.block != nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate cache key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cache cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generate cache iv: %w", err)
	}
	s.block = block
	s.iv = iv
	return nil
}

// openFileLocked opens the temp file for reading without registering it.
func (s *OutputStream) openFileLocked() (*os.File, io.Reader, error) {
	if s.tempFile == "" {
		return nil, nil, ErrCachedFileDeleted
	}
	f, err := os.Open(s.tempFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %v", ErrCachedFileDeleted, err)
		}
		return nil, nil, fmt.Errorf("open cached file: %w", err)
	}
	var r io.Reader = f
	if s.block != nil {
		r = &cipher.StreamReader{S: cipher.NewCTR(s.block, s.iv), R: f}
	}
	return f, r, nil
}

// Flush flushes the backing store, then notifies callbacks and the DoFlush hook.
func (s *OutputStream) Flush() error {
	s.mu.Lock()
	err := flushWriter(s.current)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, cb := range s.callbackSnapshot() {
		cb.OnFlush(s)
	}
	if s.hooks != nil {
		return s.hooks.DoFlush(s)
	}
	return nil
}

// LockOutputStream blocks further writes while keeping the content readable.
func (s *OutputStream) LockOutputStream() error {
	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		return nil
	}
	err := flushWriter(s.current)
	s.locked = true
	s.mu.Unlock()

	if cerr := s.notifyClose(); err == nil {
		err = cerr
	}

	s.mu.Lock()
	if s.file != nil {
		delete(s.live, s.file)
	}
	s.mu.Unlock()
	return err
}

// Close flushes and closes the backing store. When file backed and no readers remain
// open, the temp file is deleted and the stream returns to an empty memory buffer.
func (s *OutputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var errs []error
	if err := flushWriter(s.current); err != nil {
		errs = append(errs, err)
	}
	s.locked = true
	s.closed = true
	s.mu.Unlock()

	if err := s.notifyClose(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	if c, ok := s.current.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	var stream io.Closer
	if s.file != nil {
		stream = s.file
	}
	s.maybeDeleteTempFileLocked(stream)
	s.mu.Unlock()

	if s.hooks != nil {
		if err := s.hooks.PostClose(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *OutputStream) notifyClose() error {
	s.mu.Lock()
	if s.closeNotified {
		s.mu.Unlock()
		return nil
	}
	s.closeNotified = true
	s.mu.Unlock()

	for _, cb := range s.callbackSnapshot() {
		cb.OnClose(s)
	}
	if s.hooks != nil {
		return s.hooks.DoClose(s)
	}
	return nil
}

// maybeDeleteTempFileLocked drops stream from the live set and, when nothing references
// the temp file any more, deletes it and installs a fresh memory buffer.
func (s *OutputStream) maybeDeleteTempFileLocked(stream io.Closer) bool {
	if stream != nil {
		delete(s.live, stream)
	}
	if s.inmem || s.tempFile == "" || len(s.live) > 0 || !s.allowDelete {
		return false
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.deleteTempFileLocked()
	s.mem = bytes.NewBuffer(make([]byte, 0, 1024))
	s.current = s.mem
	s.inmem = true
	return true
}

func (s *OutputStream) deleteTempFileLocked() {
	if s.tempFile == "" {
		return
	}
	path := s.tempFile
	s.tempFile = ""
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to delete cached temp file", "path", path, "error", err)
		return
	}
	s.logger.Debug("deleted cached temp file", "path", path)
}

func (s *OutputStream) readerClosed(r *fileReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeDeleteTempFileLocked(r)
}

// InputStream flushes and returns an independent reader positioned at the start of the
// content. File-backed readers keep the temp file alive until closed.
func (s *OutputStream) InputStream() (io.ReadCloser, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inmem {
		switch {
		case s.pipeReader != nil:
			return s.pipeReader, nil
		case s.mem != nil && s.current == io.Writer(s.mem):
			return io.NopCloser(bytes.NewReader(s.mem.Bytes())), nil
		default:
			return nil, ErrUnknownStore
		}
	}
	f, r, err := s.openFileLocked()
	if err != nil {
		return nil, err
	}
	fr := &fileReader{owner: s, f: f, r: r, path: s.tempFile}
	s.live[fr] = struct{}{}
	return fr, nil
}

// Bytes returns a copy of the whole content.
func (s *OutputStream) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.WriteCacheTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCacheTo copies the whole content into w.
func (s *OutputStream) WriteCacheTo(w io.Writer) error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.inmem {
		defer s.mu.Unlock()
		if s.mem == nil || s.current != io.Writer(s.mem) {
			return ErrUnknownStore
		}
		_, err := w.Write(s.mem.Bytes())
		return err
	}
	f, r, err := s.openFileLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, r)
	return err
}

// WriteCacheToString appends the whole content to sb.
func (s *OutputStream) WriteCacheToString(sb *strings.Builder) error {
	return s.WriteCacheToStringLimit(sb, -1)
}

// WriteCacheToStringLimit appends at most limit bytes of content to sb, never splitting a
// UTF-8 sequence. A limit of -1 appends everything. File-backed content is streamed in
// small chunks so no more than limit bytes are held in memory.
func (s *OutputStream) WriteCacheToStringLimit(sb *strings.Builder, limit int64) error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	if limit < 0 || s.totalLength < limit {
		s.mu.Unlock()
		return s.WriteCacheTo(sb)
	}
	if s.inmem {
		defer s.mu.Unlock()
		if s.mem == nil || s.current != io.Writer(s.mem) {
			return ErrUnknownStore
		}
		sb.Write(truncateUTF8(s.mem.Bytes(), limit))
		return nil
	}
	f, r, err := s.openFileLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer f.Close()

	chunk := make([]byte, readChunkSize)
	var count int64
	var carry []byte
	for count < limit {
		n, rerr := r.Read(chunk)
		if n > 0 {
			data := append(carry, chunk[:n]...)
			if count+int64(len(data)) > limit {
				data = truncateUTF8(data, limit-count)
				sb.Write(data)
				count += int64(len(data))
				break
			}
			// hold back a trailing partial rune for the next chunk
			cut := len(data)
			for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
				if utf8.RuneStart(data[i]) {
					if !utf8.FullRune(data[i:]) {
						cut = i
					}
					break
				}
			}
			sb.Write(data[:cut])
			count += int64(cut)
			carry = append([]byte(nil), data[cut:]...)
		}
		if rerr == io.EOF {
			sb.Write(carry)
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func truncateUTF8(b []byte, limit int64) []byte {
	if int64(len(b)) <= limit {
		return b
	}
	b = b[:limit]
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}

// ResetOut replaces the backing store with w, optionally copying the current content into
// it. A nil w installs a fresh memory buffer. The stream becomes writable again and its
// size restarts at zero.
func (s *OutputStream) ResetOut(w io.Writer, copyOld bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		w = bytes.NewBuffer(make([]byte, 0, 2048))
	}

	var err error
	switch cur := s.current.(type) {
	case *OutputStream:
		if copyOld {
			err = copyCached(cur, w)
		}
	default:
		if s.inmem {
			switch {
			case s.mem != nil && s.current == io.Writer(s.mem):
				if copyOld && s.mem.Len() > 0 {
					_, err = w.Write(s.mem.Bytes())
				}
			case copyOld:
				err = ErrUnknownStore
			}
		} else {
			err = s.resetFileLocked(w, copyOld)
		}
	}
	if err != nil {
		return err
	}

	s.setCurrentLocked(w)
	s.totalLength = 0
	s.locked = false
	s.closed = false
	s.closeNotified = false
	return nil
}

func (s *OutputStream) resetFileLocked(w io.Writer, copyOld bool) error {
	defer func() {
		if s.file != nil {
			delete(s.live, s.file)
			s.file = nil
		}
		s.deleteTempFileLocked()
		s.inmem = true
	}()
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}
	if !copyOld {
		return nil
	}
	f, r, err := s.openFileLocked()
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, r)
	return err
}

func (s *OutputStream) setCurrentLocked(w io.Writer) {
	s.current = w
	s.pipeReader = nil
	s.mem = nil
	if b, ok := w.(*bytes.Buffer); ok {
		s.mem = b
	}
}

func copyCached(src *OutputStream, w io.Writer) error {
	r, err := src.InputStream()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

// HoldTempFile suppresses temp file deletion until ReleaseTempFileHold.
func (s *OutputStream) HoldTempFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowDelete = false
}

// ReleaseTempFileHold re-enables deletion and deletes the temp file right away if nothing
// references it any more.
func (s *OutputStream) ReleaseTempFileHold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowDelete = true
	if s.locked {
		s.maybeDeleteTempFileLocked(nil)
	}
}

// RegisterCallback adds cb. Callbacks run in registration order.
func (s *OutputStream) RegisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// DeregisterCallback removes the first registration of cb.
func (s *OutputStream) DeregisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.callbacks {
		if c == cb {
			s.callbacks = append(s.callbacks[:i:i], s.callbacks[i+1:]...)
			return
		}
	}
}

// Callbacks returns a copy of the registered callbacks.
func (s *OutputStream) Callbacks() []Callback {
	return s.callbackSnapshot()
}

func (s *OutputStream) callbackSnapshot() []Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.callbacks) == 0 {
		return nil
	}
	out := make([]Callback, len(s.callbacks))
	copy(out, s.callbacks)
	return out
}

// SetHooks replaces the flush/close hooks.
func (s *OutputStream) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// Size returns the number of bytes written since creation or the last ResetOut.
func (s *OutputStream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLength
}

// Threshold returns the spill threshold.
func (s *OutputStream) Threshold() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// SetThreshold changes the spill threshold for subsequent writes.
func (s *OutputStream) SetThreshold(threshold int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// SetMaxSize caps the number of accepted bytes. Zero or negative disables the cap.
func (s *OutputStream) SetMaxSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = n
}

// SetOutputDir sets the directory for temp files created by later spills.
func (s *OutputStream) SetOutputDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputDir = dir
}

// TempFile returns the temp file path, or "" when there is none or it no longer exists.
func (s *OutputStream) TempFile() string {
	s.mu.Lock()
	path := s.tempFile
	s.mu.Unlock()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// InMemory reports whether content is held in memory.
func (s *OutputStream) InMemory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inmem
}

// Locked reports whether writes are currently discarded.
func (s *OutputStream) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Out returns the current backing store.
func (s *OutputStream) Out() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *OutputStream) String() string {
	var sb strings.Builder
	sb.WriteString("[cachedio.OutputStream Content: ")
	_ = s.WriteCacheToString(&sb)
	sb.WriteByte(']')
	return sb.String()
}

// CopyStream copies src into dst using a buffer of bufSize bytes and closes src.
func CopyStream(dst io.Writer, src io.ReadCloser, bufSize int) error {
	defer src.Close()
	if bufSize <= 0 {
		bufSize = 4096
	}
	_, err := io.CopyBuffer(dst, src, make([]byte, bufSize))
	return err
}

type fileWriter struct {
	f      *os.File
	buf    *bufio.Writer
	w      io.Writer
	closed bool
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	return fw.w.Write(p)
}

func (fw *fileWriter) Flush() error {
	if fw.closed {
		return nil
	}
	return fw.buf.Flush()
}

func (fw *fileWriter) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true
	ferr := fw.buf.Flush()
	cerr := fw.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

type fileReader struct {
	owner  *OutputStream
	f      *os.File
	r      io.Reader
	path   string
	once   sync.Once
	closed bool
}

func (r *fileReader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Close closes the file and releases this reader's reference on the temp file.
func (r *fileReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.f.Close()
		r.closed = true
		r.owner.readerClosed(r)
	})
	return err
}

// TransferTo moves the cached content to dest, renaming the temp file when possible and
// copying otherwise. The reader must not have been closed.
func (r *fileReader) TransferTo(dest string) error {
	if r.closed {
		return errors.New("stream closed")
	}
	if r.owner.block == nil {
		if err := os.Rename(r.path, dest); err == nil {
			return nil
		}
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	if err := r.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Transferable is implemented by readers whose content can be moved to a file path.
type Transferable interface {
	TransferTo(dest string) error
}
