package proxy

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"mediastorage-proxy/pkg/container"
	"mediastorage-proxy/pkg/storage"
)

func (p *Proxy) handleGet(rsp *responder, req *http.Request, op string) {
	rsp.logger.Info("handling get request")

	session, key, ok := p.keyedSession(rsp, req, op)
	if !ok {
		return
	}

	q := req.URL.Query()
	offset, err := queryUint(q, "offset", 0)
	if err != nil {
		rsp.logger.Info("bad get query", zap.Error(err))
		rsp.reply(http.StatusBadRequest)
		return
	}
	size, err := queryUint(q, "size", 0)
	if err != nil {
		rsp.logger.Info("bad get query", zap.Error(err))
		rsp.reply(http.StatusBadRequest)
		return
	}

	embed := q.Has("embed") || q.Has("embed_timestamp")
	ifModifiedSince := req.Header.Get("If-Modified-Since")

	rsp.logger.Debug("reading data")
	session.ReadData(key, offset, size).Connect(func(result storage.ReadResult, err error) {
		p.safely(rsp, "get", func() {
			p.finishGet(rsp, result, err, embed, ifModifiedSince)
		})
	})
}

func (p *Proxy) finishGet(rsp *responder, result storage.ReadResult, err error, embed bool, ifModifiedSince string) {
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			rsp.logger.Info("object not found")
			rsp.reply(http.StatusNotFound)
			return
		}
		rsp.logger.Error("get failed", zap.Error(err))
		rsp.reply(http.StatusInternalServerError)
		return
	}

	embedded := embed || result.UserFlags&storage.UserFlagEmbedded != 0
	dc, err := container.Unpack(result.Data, embedded)
	if err != nil {
		rsp.logger.Error("failed to unpack stored container", zap.Error(err))
		rsp.reply(http.StatusInternalServerError)
		return
	}

	if ts, ok := dc.Timestamp(); ok {
		formatted := ts.UTC().Format(http.TimeFormat)
		// The compatibility contract is exact string equality of the
		// formatted date, not a semantic comparison.
		if ifModifiedSince != "" && ifModifiedSince == formatted {
			rsp.reply(http.StatusNotModified)
			return
		}
		rsp.header().Set("Last-Modified", formatted)
	}

	rsp.replyBody(http.StatusOK, "text/plain", dc.Data)
}
