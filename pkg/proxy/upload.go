package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mediastorage-proxy/pkg/container"
	"mediastorage-proxy/pkg/lookup"
	"mediastorage-proxy/pkg/storage"
)

// uploadParams are the recognized upload query options. Mode selection
// is first-match: prepare, then commit, then plain write, then the
// default full write.
type uploadParams struct {
	offset     uint64
	prepare    uint64
	hasPrepare bool
	commit     uint64
	hasCommit  bool
	plain      bool
	embed      bool
	timestamp  uint64
}

func parseUploadParams(q url.Values) (uploadParams, error) {
	var p uploadParams
	var err error

	if p.offset, err = queryUint(q, "offset", 0); err != nil {
		return p, err
	}
	if p.hasPrepare = q.Has("prepare"); p.hasPrepare {
		if p.prepare, err = queryUint(q, "prepare", 0); err != nil {
			return p, err
		}
	}
	if p.hasCommit = q.Has("commit"); p.hasCommit {
		if p.commit, err = queryUint(q, "commit", 0); err != nil {
			return p, err
		}
	}
	p.plain = q.Has("plain_write") || q.Has("plain-write")
	p.embed = q.Has("embed") || q.Has("embed_timestamp")
	if p.timestamp, err = queryUint(q, "timestamp", 0); err != nil {
		return p, err
	}
	return p, nil
}

func queryUint(q url.Values, name string, def uint64) (uint64, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s value %q", name, v)
	}
	return n, nil
}

func (p *Proxy) handleUpload(rsp *responder, req *http.Request, op string) {
	start := time.Now()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		rsp.logger.Error("failed to read upload body", zap.Error(err))
		rsp.reply(http.StatusInternalServerError)
		return
	}
	rsp.logger.Info("handling upload request", zap.Int("body_size", len(body)))
	if ce := rsp.logger.Check(zap.DebugLevel, "upload request headers"); ce != nil {
		ce.Write(zap.Any("headers", req.Header))
	}

	params, err := parseUploadParams(req.URL.Query())
	if err != nil {
		rsp.logger.Info("bad upload query", zap.Error(err))
		rsp.reply(http.StatusBadRequest)
		return
	}

	session, key, ok := p.uploadSession(rsp, req, op)
	if !ok {
		return
	}

	dc := container.New(body)
	if params.embed {
		dc.SetTimestamp(time.Unix(int64(params.timestamp), 0))
	}
	if dc.Embedded() {
		session.SetUserFlags(session.UserFlags() | storage.UserFlagEmbedded)
	}
	content := dc.Pack()

	rsp.logger.Info("writing content",
		zap.String("key", key.Remote()),
		zap.Ints("groups", session.Groups()))

	session.SetRemoveOnFail(true)

	var result *storage.AsyncWriteResult
	switch {
	case params.hasPrepare:
		result = session.WritePrepare(key, content, params.offset, params.prepare)
	case params.hasCommit:
		result = session.WriteCommit(key, content, params.offset, params.commit)
	case params.plain:
		result = session.WritePlain(key, content, params.offset)
	default:
		result = session.WriteData(key, content, params.offset)
	}

	result.Connect(func(records []*lookup.Record, err error) {
		p.safely(rsp, "upload", func() {
			p.finishUpload(rsp, session, key, uint64(len(content)), records, err, start)
		})
	})
}

func (p *Proxy) finishUpload(rsp *responder, session *storage.Session, key storage.Key, size uint64, records []*lookup.Record, err error, start time.Time) {
	if err != nil {
		var cerr *storage.ConsistencyError
		if errors.As(err, &cerr) {
			rsp.logger.Error("upload failed",
				zap.String("key", key.Remote()),
				zap.Ints("good_groups", cerr.Good),
				zap.Ints("bad_groups", cerr.Bad),
				zap.Error(err))
		} else {
			rsp.logger.Error("upload failed",
				zap.String("key", key.Remote()),
				zap.Error(err))
		}
		rsp.reply(http.StatusInternalServerError)
		return
	}

	body := uploadReport(key, session.Groups(), records, size)
	rsp.replyBody(http.StatusOK, "text/plain", []byte(body))

	good := make([]int, 0, len(records))
	for _, rec := range records {
		good = append(good, rec.Group())
	}
	rsp.logger.Info("upload done",
		zap.Duration("spent", time.Since(start)),
		zap.Ints("groups", good))
}

// uploadReport renders the XML body of a successful upload. The key
// attribute hands the client a ready-made read URL pointing at the
// smallest group of the selected couple.
func uploadReport(key storage.Key, groups []int, records []*lookup.Record, size uint64) string {
	minGroup := groups[0]
	for _, g := range groups[1:] {
		if g < minGroup {
			minGroup = g
		}
	}

	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	fmt.Fprintf(&b, "<post obj=\"%s\" id=\"%s\" groups=\"%d\" size=\"%d\" key=\"/%d/%s\">\n",
		key.Filename, key.IDHex(), len(records), size, minGroup, key.Filename)

	written := 0
	for _, rec := range records {
		if rec.Status() == 0 {
			written++
		}
		fmt.Fprintf(&b, "<complete addr=\"%s\" path=\"%s\" group=\"%d\" status=\"%d\"/>\n",
			rec.Addr(), rec.FullPath(), rec.Group(), rec.Status())
	}
	fmt.Fprintf(&b, "<written>%d</written>\n</post>", written)
	return b.String()
}
