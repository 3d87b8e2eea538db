package proxy

import (
	"net/http"
	"strings"
)

// handlerFunc is one verb handler. It must arrange for exactly one
// reply on rsp, directly or from a completion callback.
type handlerFunc func(rsp *responder, req *http.Request)

// keyedFunc is a handler on a namespaced prefix route. It receives the
// operation segment it was registered under, which the resolver needs
// to split a namespace suffix off the first path segment: the
// download-info operation itself contains a dash.
type keyedFunc func(rsp *responder, req *http.Request, op string)

type route struct {
	pattern string
	exact   bool
	handle  handlerFunc
}

// router dispatches requests in registration order, mirroring the
// original handler table: first match wins.
type router struct {
	routes []route
}

func (r *router) prefix(pattern string, h keyedFunc) {
	op := strings.Trim(pattern, "/")
	r.routes = append(r.routes, route{
		pattern: pattern,
		handle: func(rsp *responder, req *http.Request) {
			h(rsp, req, op)
		},
	})
}

func (r *router) exact(pattern string, h handlerFunc) {
	r.routes = append(r.routes, route{pattern: pattern, exact: true, handle: h})
}

func (r *router) match(path string) handlerFunc {
	for _, rt := range r.routes {
		if rt.exact {
			if path == rt.pattern {
				return rt.handle
			}
			continue
		}
		if matchPrefix(path, rt.pattern) {
			return rt.handle
		}
	}
	return nil
}

// matchPrefix reports whether the path's first segment, with any
// namespace dash suffix removed, matches the pattern. A trailing slash
// on the pattern demands the path continue past the first segment.
func matchPrefix(path, pattern string) bool {
	wantRest := strings.HasSuffix(pattern, "/")
	op := strings.TrimSuffix(pattern, "/")

	if !strings.HasPrefix(path, op) {
		return false
	}
	rest := path[len(op):]
	if rest == "" {
		return !wantRest
	}
	switch rest[0] {
	case '/':
		return true
	case '-':
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return !wantRest
		}
		return true
	default:
		return false
	}
}
