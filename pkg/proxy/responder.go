package proxy

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// responder owns the reply path of one request. Handlers complete
// asynchronously on storage callback goroutines, so the responder
// carries a latch the serving goroutine waits on; only the first reply
// wins and later ones are dropped.
type responder struct {
	w      http.ResponseWriter
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

func newResponder(w http.ResponseWriter, logger *zap.Logger) *responder {
	return &responder{w: w, logger: logger, done: make(chan struct{})}
}

// header exposes the response headers for values that must be set
// before the reply, such as Last-Modified or an auth challenge.
func (r *responder) header() http.Header { return r.w.Header() }

// reply sends a status-only response.
func (r *responder) reply(code int) {
	r.replyBody(code, "", nil)
}

func (r *responder) replyBody(code int, contentType string, body []byte) {
	r.once.Do(func() {
		defer close(r.done)
		if contentType != "" {
			r.w.Header().Set("Content-Type", contentType)
		}
		r.w.WriteHeader(code)
		if len(body) > 0 {
			if _, err := r.w.Write(body); err != nil {
				r.logger.Warn("failed to write response body", zap.Error(err))
			}
		}
	})
}

// wait blocks until a reply has been written.
func (r *responder) wait() { <-r.done }

// safely runs fn and converts a panic into a bare 500. Both the request
// entry point and every completion callback run under it, so a broken
// handler can never wedge a client connection open.
func (p *Proxy) safely(rsp *responder, op string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			rsp.logger.Error("handler panic",
				zap.String("op", op),
				zap.Any("panic", rec))
			rsp.reply(http.StatusInternalServerError)
		}
	}()
	fn()
}
