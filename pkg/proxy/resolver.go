package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mediastorage-proxy/pkg/auth"
	"mediastorage-proxy/pkg/storage"
)

// splitPath separates the namespace suffix and the remainder of a path
// whose first segment is the given operation. The dash scan is
// confined to that segment, so dashes later in the path never leak
// into the namespace name.
func splitPath(path, op string) (ns, rest string, ok bool) {
	p := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(p, op) {
		return "", "", false
	}
	p = p[len(op):]

	ns = nsDefault
	switch {
	case p == "":
	case p[0] == '/':
		rest = p[1:]
	case p[0] == '-':
		seg := p[1:]
		if slash := strings.IndexByte(seg, '/'); slash >= 0 {
			ns = seg[:slash]
			rest = seg[slash+1:]
		} else {
			ns = seg
		}
		if ns == "" {
			return "", "", false
		}
	default:
		return "", "", false
	}
	return ns, rest, true
}

// resolveNamespace extracts the namespace from the request path and
// enforces its auth policy. On failure the response has already been
// sent; rest is the path remainder after the operation segment.
func (p *Proxy) resolveNamespace(rsp *responder, req *http.Request, op string) (*namespacePolicy, string, bool) {
	nsName, rest, ok := splitPath(req.URL.Path, op)
	if !ok {
		rsp.logger.Info("cannot determine a namespace")
		rsp.reply(http.StatusBadRequest)
		return nil, "", false
	}

	policy, known := p.namespaces[nsName]
	if !known {
		rsp.logger.Info("unknown namespace", zap.String("namespace", nsName))
		rsp.reply(http.StatusBadRequest)
		return nil, "", false
	}

	if !auth.Verify(policy.name, policy.authKey, req.Header.Get("Authorization")) {
		rsp.logger.Info("rejecting unauthorized request",
			zap.String("namespace", policy.name))
		rsp.header().Set("WWW-Authenticate", auth.Challenge(policy.name))
		rsp.reply(http.StatusUnauthorized)
		return nil, "", false
	}

	return policy, rest, true
}

// keyedSession resolves everything a get, delete, or download-info
// request needs: the namespace, the key behind the positional
// group/filename remainder, and a session carrying the resolved group
// set. On failure the response has already been sent.
func (p *Proxy) keyedSession(rsp *responder, req *http.Request, op string) (*storage.Session, storage.Key, bool) {
	policy, rest, ok := p.resolveNamespace(rsp, req, op)
	if !ok {
		return nil, storage.Key{}, false
	}

	groupStr, filename, found := strings.Cut(rest, "/")
	if !found || groupStr == "" || filename == "" {
		rsp.logger.Info("cannot determine a group from key", zap.String("key", rest))
		rsp.reply(http.StatusBadRequest)
		return nil, storage.Key{}, false
	}

	// An unparseable group hint yields no candidate groups rather than
	// a malformed-request error, matching how an unknown group behaves.
	var groups []int
	if group, err := strconv.Atoi(groupStr); err == nil {
		groups = p.balancer.SymmetricGroups(group)
		groups = append(groups, p.balancer.CacheGroups(filename)...)
	} else {
		rsp.logger.Error("cannot determine groups", zap.String("group", groupStr))
	}

	rsp.logger.Info("fetched groups for request",
		zap.Ints("groups", groups),
		zap.String("filename", filename))

	if len(groups) == 0 {
		rsp.reply(http.StatusNotFound)
		return nil, storage.Key{}, false
	}

	session := p.baseSession.Clone()
	session.SetGroups(groups)
	session.SetChecker(policy.checker)

	if p.dieLimited(rsp, session.StateNum()) {
		return nil, storage.Key{}, false
	}

	return session, storage.NewKey(policy.name, filename), true
}

// uploadSession resolves an upload request: the namespace names both
// the key prefix and the policy, and the group set comes from the
// balancer's weighted couple selection rather than a URL hint.
func (p *Proxy) uploadSession(rsp *responder, req *http.Request, op string) (*storage.Session, storage.Key, bool) {
	policy, filename, ok := p.resolveNamespace(rsp, req, op)
	if !ok {
		return nil, storage.Key{}, false
	}
	if filename == "" {
		rsp.logger.Info("cannot determine a filename")
		rsp.reply(http.StatusBadRequest)
		return nil, storage.Key{}, false
	}

	groups := p.balancer.MetabalancerGroups(policy.groupsCount, policy.name)
	if len(groups) == 0 {
		rsp.logger.Error("no couple available for upload",
			zap.String("namespace", policy.name),
			zap.Int("groups_count", policy.groupsCount))
		rsp.reply(http.StatusNotFound)
		return nil, storage.Key{}, false
	}

	session := p.baseSession.Clone()
	session.SetGroups(groups)
	session.SetChecker(policy.checker)

	if p.dieLimited(rsp, session.StateNum()) {
		return nil, storage.Key{}, false
	}

	return session, storage.NewKey(policy.name, filename), true
}
