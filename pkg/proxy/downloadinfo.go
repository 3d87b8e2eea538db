package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"mediastorage-proxy/pkg/lookup"
	"mediastorage-proxy/pkg/storage"
)

// downloadRegion is a fixed placeholder; regional routing never made
// it into the protocol but readers still expect the element.
const downloadRegion = "-1"

func (p *Proxy) handleDownloadInfo(rsp *responder, req *http.Request, op string) {
	rsp.logger.Info("handling download info request")

	session, key, ok := p.keyedSession(rsp, req, op)
	if !ok {
		return
	}

	rsp.logger.Debug("looking up")
	session.Lookup(key).Connect(func(records []*lookup.Record, err error) {
		p.safely(rsp, "download info", func() {
			p.finishDownloadInfo(rsp, records, err)
		})
	})
}

func (p *Proxy) finishDownloadInfo(rsp *responder, records []*lookup.Record, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rsp.logger.Info("object not found")
		rsp.reply(http.StatusNotFound)
		return
	case err != nil:
		// Replicas hold the key but none answered cleanly.
		rsp.logger.Error("no replica answered lookup", zap.Error(err))
		rsp.reply(http.StatusServiceUnavailable)
		return
	}

	rec := records[0]
	host, err := rec.Host()
	if err != nil {
		rsp.logger.Error("download info failed", zap.Error(err))
		rsp.reply(http.StatusInternalServerError)
		return
	}

	body := fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"utf-8\"?>"+
			"<download-info><host>%s</host><path>%s</path><region>%s</region></download-info>",
		host, rec.Path(), downloadRegion)

	rsp.logger.Debug("sending download info response")
	rsp.replyBody(http.StatusOK, "text/xml", []byte(body))
}
