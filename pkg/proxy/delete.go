package proxy

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"mediastorage-proxy/pkg/storage"
)

func (p *Proxy) handleDelete(rsp *responder, req *http.Request, op string) {
	rsp.logger.Info("handling delete request")

	session, key, ok := p.keyedSession(rsp, req, op)
	if !ok {
		return
	}

	// A delete must be attempted on every replica, not just the
	// preferred selection, so a hard failure on any group fails the
	// whole request rather than leaving a live copy behind.
	session.SetFilterAll(true)

	rsp.logger.Debug("removing data")
	session.Remove(key).Connect(func(err error) {
		p.safely(rsp, "delete", func() {
			switch {
			case err == nil:
				rsp.logger.Debug("sending delete reply")
				rsp.reply(http.StatusOK)
			case errors.Is(err, storage.ErrNotFound):
				rsp.logger.Info("object not found")
				rsp.reply(http.StatusNotFound)
			default:
				rsp.logger.Error("delete failed", zap.Error(err))
				rsp.reply(http.StatusInternalServerError)
			}
		})
	})
}
