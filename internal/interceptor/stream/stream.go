// Package stream replaces the transport's one-shot request body with a cached copy that
// can be read any number of times.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/interceptor"
	"github.com/lsm/rpcflow/internal/message"
	"github.com/lsm/rpcflow/internal/phase"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// CacheInput copies the message's input stream into a cached output stream, installs it
// as ContentCachedInput and replaces ContentInputStream with a reader over the cache.
// The cache is released when the exchange is closed. A message that is already cached is
// left as is.
func CacheInput(msg *message.Message, cfg cachedio.Config, opts ...cachedio.Option) (*cachedio.OutputStream, error) {
	if cos, ok := msg.Content(message.ContentCachedInput).(*cachedio.OutputStream); ok {
		return cos, nil
	}
	r, ok := msg.Content(message.ContentInputStream).(io.Reader)
	if !ok {
		return nil, nil
	}

	cos := cachedio.New(cfg, opts...)
	if _, err := io.Copy(cos, r); err != nil {
		_ = cos.Close()
		if errors.Is(err, cachedio.ErrCacheSizeExceeded) {
			return nil, message.NewFault(http.StatusRequestEntityTooLarge, "payload_too_large", err)
		}
		return nil, message.NewFault(http.StatusBadRequest, "read_failed", fmt.Errorf("read request body: %w", err))
	}
	in, err := cos.InputStream()
	if err != nil {
		_ = cos.Close()
		return nil, fmt.Errorf("open cached input: %w", err)
	}

	msg.SetContent(message.ContentCachedInput, cos)
	msg.SetContent(message.ContentInputStream, in)
	release := closerFunc(func() error {
		return errors.Join(in.Close(), cos.Close())
	})
	if ex := msg.Exchange(); ex != nil {
		ex.AddCloser(release)
	}
	return cos, nil
}

// Interceptor caches the request body in pre-stream.
type Interceptor struct {
	interceptor.Base
	cfg  cachedio.Config
	opts []cachedio.Option
}

// New creates the step. opts are applied to every cached stream it creates.
func New(cfg cachedio.Config, opts ...cachedio.Option) *Interceptor {
	return &Interceptor{
		Base: interceptor.NewBase(interceptor.TypeID((*Interceptor)(nil)), phase.PreStream),
		cfg:  cfg,
		opts: opts,
	}
}

// HandleMessage implements interceptor.Interceptor.
func (i *Interceptor) HandleMessage(_ context.Context, msg *message.Message) error {
	_, err := CacheInput(msg, i.cfg, i.opts...)
	return err
}
