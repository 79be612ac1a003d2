package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// ErrStalled is the cause of an attempt cancelled for making no progress
// within the request timeout.
var ErrStalled = errors.New("no progress within request timeout")

// stallTransport cancels an attempt once it has gone timeout without
// progress. Progress is the request body being read, response headers
// arriving, or the response body being read, so long transfers survive as
// long as bytes keep moving.
type stallTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *stallTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	timer := time.AfterFunc(t.timeout, func() { cancel(ErrStalled) })
	stop := func() {
		timer.Stop()
		cancel(nil)
	}

	out := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		out.Body = &progressBody{ReadCloser: req.Body, timer: timer, timeout: t.timeout}
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		stalled := errors.Is(context.Cause(ctx), ErrStalled)
		stop()
		if stalled {
			return nil, ErrStalled
		}
		return nil, err
	}

	timer.Reset(t.timeout)
	resp.Body = &stallBody{
		body:    resp.Body,
		ctx:     ctx,
		timer:   timer,
		timeout: t.timeout,
		stop:    stop,
		method:  req.Method,
		uri:     req.URL.String(),
	}
	return resp, nil
}

// progressBody pushes the stall deadline back as the transport reads a
// request body.
type progressBody struct {
	io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
}

func (b *progressBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

// stallBody pushes the stall deadline back on every read and reports a
// cancelled read as a transient Error.
type stallBody struct {
	body    io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
	stop    func()
	method  string
	uri     string
}

func (b *stallBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), ErrStalled) {
		err = &Error{Kind: Transient, Method: b.method, URI: b.uri, Err: ErrStalled}
	}
	return n, err
}

func (b *stallBody) Close() error {
	err := b.body.Close()
	b.stop()
	return err
}
