package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lsm/rpcflow/internal/bus"
	"github.com/lsm/rpcflow/internal/message"
)

const conduitKey message.Key = "rpcflow.http.conduit"

// ErrNoBackChannel is returned for a message that did not arrive over HTTP.
var ErrNoBackChannel = errors.New("no http back channel for message")

// Destination turns HTTP requests into inbound messages for one endpoint.
type Destination struct {
	address   string
	bus       *bus.Bus
	observer  *bus.ChainInitiationObserver
	logger    *slog.Logger
	threshold int
	suspend   time.Duration
}

// Address implements message.Destination.
func (d *Destination) Address() string { return d.address }

// BackChannel implements message.Destination. It returns the conduit writing to the
// response of the request msg belongs to.
func (d *Destination) BackChannel(msg *message.Message) (message.Conduit, error) {
	ex := msg.Exchange()
	if ex == nil {
		return nil, ErrNoBackChannel
	}
	v, ok := ex.Get(conduitKey)
	if !ok {
		return nil, ErrNoBackChannel
	}
	c, ok := v.(*responseConduit)
	if !ok {
		return nil, ErrNoBackChannel
	}
	return c, nil
}

// ServeHTTP runs the exchange and waits for its response. A suspended exchange is given
// the suspend timeout to be resumed before the request fails with 504.
func (d *Destination) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in := message.New()
	in.SetContent(message.ContentInputStream, r.Body)
	in.Put(message.HTTPMethodKey, r.Method)
	in.Put(message.RequestURIKey, r.URL.RequestURI())
	in.Put(message.ProtocolHeadersKey, r.Header.Clone())
	if ct := r.Header.Get("Content-Type"); ct != "" {
		in.Put(message.ContentTypeKey, ct)
	}

	ex := d.bus.NewExchange(d.observer.Endpoint(), in)
	ex.SetDestination(d)
	conduit := newResponseConduit(w, d.threshold)
	ex.Put(conduitKey, conduit)

	ctx := r.Context()
	d.observer.OnMessage(ctx, in)

	select {
	case <-bus.Done(ex):
		return
	default:
	}

	timer := time.NewTimer(d.suspend)
	defer timer.Stop()
	select {
	case <-bus.Done(ex):
	case <-ctx.Done():
		conduit.abandon(0)
		d.logger.Debug("client went away during suspended exchange", "message_id", in.ID())
	case <-timer.C:
		if conduit.abandon(http.StatusGatewayTimeout) {
			d.logger.Warn("suspended exchange timed out", "message_id", in.ID(), "timeout", d.suspend)
		}
	}
}
