// Package proxy is the HTTP gateway in front of the storage cluster.
// It resolves namespaces and keys out of request URLs and drives
// replicated storage operations through per-request sessions,
// rendering the XML and JSON response bodies existing mediastorage
// clients expect.
package proxy

import (
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"mediastorage-proxy/pkg/balancer"
	"mediastorage-proxy/pkg/config"
	"mediastorage-proxy/pkg/lookup"
	"mediastorage-proxy/pkg/storage"
)

// nsDefault is the namespace served when the URL carries no dash
// suffix.
const nsDefault = "default"

// namespacePolicy is the per-namespace slice of the configuration,
// with the consistency checker built once at startup. The table is
// read-only after New and safe for concurrent use.
type namespacePolicy struct {
	name        string
	authKey     string
	groupsCount int
	checker     storage.Checker
}

// Proxy ties the gateway together: the route table, the namespace
// table, the balancer view of the cluster, and the node transport the
// sessions operate on.
type Proxy struct {
	cfg         *config.Config
	logger      *zap.Logger
	balancer    *balancer.Balancer
	transport   *storage.Transport
	baseSession *storage.Session
	namespaces  map[string]*namespacePolicy
	node        *snowflake.Node
	router      *router
}

func New(cfg *config.Config, logger *zap.Logger) (*Proxy, error) {
	namespaces := make(map[string]*namespacePolicy, len(cfg.Namespaces))
	for name, ns := range cfg.Namespaces {
		checker, err := storage.CheckerFor(ns.SuccessCopiesNum)
		if err != nil {
			return nil, fmt.Errorf("namespace %q: %w", name, err)
		}
		namespaces[name] = &namespacePolicy{
			name:        name,
			authKey:     ns.AuthKey,
			groupsCount: ns.GroupsCount,
			checker:     checker,
		}
	}

	endpoints := make([]string, 0, len(cfg.Mastermind.Nodes))
	for _, n := range cfg.Mastermind.Nodes {
		endpoints = append(endpoints, fmt.Sprintf("http://%s:%d", n.Host, n.Port))
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create request id generator: %w", err)
	}

	transport := storage.NewTransport(cfg.Remotes, cfg.WaitTimeout(), cfg.CheckTimeout(), logger)
	opts := lookup.Options{
		EblobStylePath:  cfg.Proxy.EblobStylePath,
		BasePort:        cfg.Proxy.BasePort,
		DirectionBitNum: cfg.Proxy.DirectionBitNum,
	}

	p := &Proxy{
		cfg:         cfg,
		logger:      logger,
		balancer:    balancer.New(endpoints, cfg.GroupInfoUpdatePeriod(), logger),
		transport:   transport,
		baseSession: storage.NewSession(transport, opts, cfg.WaitTimeout(), logger),
		namespaces:  namespaces,
		node:        node,
	}

	r := &router{}
	r.prefix("/upload", p.handleUpload)
	r.prefix("/get/", p.handleGet)
	r.prefix("/delete/", p.handleDelete)
	r.prefix("/download_info/", p.handleDownloadInfo)
	r.prefix("/download-info/", p.handleDownloadInfo)
	r.exact("/stat-log", p.handleStatLog)
	r.exact("/stat_log", p.handleStatLog)
	r.exact("/ping", p.handlePing)
	r.exact("/stat", p.handlePing)
	r.exact("/cache", p.handleCache)
	p.router = r

	return p, nil
}

// Start brings up the node probe loop and the balancer refresh loop.
// The proxy serves requests immediately; until the first balancer
// snapshot lands, file requests degrade to 404.
func (p *Proxy) Start() {
	p.transport.Start()
	p.balancer.Start()
}

// Stop shuts the background loops down and waits for them.
func (p *Proxy) Stop() {
	p.balancer.Stop()
	p.transport.Stop()
}

// ServeHTTP dispatches one request and blocks until its handler has
// replied, which may happen on a storage completion goroutine.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handle := p.router.match(req.URL.Path)
	if handle == nil {
		http.NotFound(w, req)
		return
	}

	logger := p.logger.With(
		zap.String("request_id", p.node.Generate().String()),
		zap.String("url", req.URL.String()))

	rsp := newResponder(w, logger)
	p.safely(rsp, req.URL.Path, func() { handle(rsp, req) })
	rsp.wait()
}

// dieLimited applies the cluster liveness gate shared by every
// operation-issuing endpoint: too few live storage connections fail
// the request up front instead of letting a doomed operation time out.
func (p *Proxy) dieLimited(rsp *responder, stateNum int) bool {
	if stateNum >= p.cfg.Proxy.DieLimit {
		return false
	}
	rsp.logger.Error("too low number of existing states",
		zap.Int("state_num", stateNum),
		zap.Int("die_limit", p.cfg.Proxy.DieLimit))
	rsp.reply(http.StatusInternalServerError)
	return true
}
