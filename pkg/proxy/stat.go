package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"mediastorage-proxy/pkg/storage"
)

func (p *Proxy) handlePing(rsp *responder, req *http.Request) {
	rsp.logger.Info("handling ping request")

	if p.dieLimited(rsp, p.transport.StateNum()) {
		return
	}
	rsp.reply(http.StatusOK)
}

// cacheSections lists the balancer snapshot sections /cache can serve,
// in response order.
var cacheSections = []string{
	"group-weights",
	"symmetric-groups",
	"bad-groups",
	"cache-groups",
}

func (p *Proxy) handleCache(rsp *responder, req *http.Request) {
	rsp.logger.Info("handling cache request")
	q := req.URL.Query()

	var b strings.Builder
	b.WriteString("{\n")
	first := true
	for _, section := range cacheSections {
		if !q.Has(section) {
			continue
		}
		if !first {
			b.WriteString(",\n")
		}
		first = false
		fmt.Fprintf(&b, "%q : ", section)
		if raw, ok := p.balancer.RawSection(section); ok {
			b.Write(raw)
		} else {
			b.WriteString("null")
		}
	}
	if !first {
		b.WriteString("\n")
	}
	b.WriteString("}\n")

	rsp.logger.Debug("sending cache response")
	rsp.replyBody(http.StatusOK, "text/plain", []byte(b.String()))
}

func (p *Proxy) handleStatLog(rsp *responder, req *http.Request) {
	rsp.logger.Info("handling stat log request")

	if p.dieLimited(rsp, p.transport.StateNum()) {
		return
	}

	session := p.baseSession.Clone()
	session.Stat().Connect(func(stats []storage.NodeStat) {
		p.safely(rsp, "stat log", func() {
			rsp.logger.Debug("sending stat log response")
			rsp.replyBody(http.StatusOK, "text/xml", []byte(statReport(stats)))
		})
	})
}

// statReport renders the per-node statistics XML. Load averages arrive
// scaled by 100; storage sizes are reported in megabytes.
func statReport(stats []storage.NodeStat) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>")
	b.WriteString("<data>\n")
	for _, st := range stats {
		fmt.Fprintf(&b, "<stat addr=\"%s\" id=\"%s\">", st.Addr, st.ID)
		fmt.Fprintf(&b, "<la>%.2f %.2f %.2f</la>",
			float64(st.LA[0])/100, float64(st.LA[1])/100, float64(st.LA[2])/100)
		fmt.Fprintf(&b, "<memtotal>%d</memtotal>", st.VMTotal)
		fmt.Fprintf(&b, "<memfree>%d</memfree>", st.VMFree)
		fmt.Fprintf(&b, "<memcached>%d</memcached>", st.VMCached)
		fmt.Fprintf(&b, "<storage_size>%d</storage_size>", st.FrSize*st.Blocks/1024/1024)
		fmt.Fprintf(&b, "<available_size>%d</available_size>", st.BAvail*st.BSize/1024/1024)
		fmt.Fprintf(&b, "<files>%d</files>", st.Files)
		fmt.Fprintf(&b, "<fsid>%x</fsid>", st.FSID)
		b.WriteString("</stat>")
	}
	b.WriteString("</data>")
	return b.String()
}
