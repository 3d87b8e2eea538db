package storage

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mediastorage-proxy/pkg/lookup"
)

// fakeNode is an in-process storage node backing transport tests.
type fakeNode struct {
	t      *testing.T
	srv    *httptest.Server
	groups []int

	mu         sync.Mutex
	objects    map[string][]byte
	uflags     map[string]uint64
	failWrites bool
	failReads  bool
	failAll    bool
}

func newFakeNode(t *testing.T, groups ...int) *fakeNode {
	n := &fakeNode{
		t:       t,
		groups:  groups,
		objects: make(map[string][]byte),
		uflags:  make(map[string]uint64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/io/route", n.handleRoute)
	mux.HandleFunc("/io/write", n.handleWrite)
	mux.HandleFunc("/io/read", n.handleRead)
	mux.HandleFunc("/io/remove", n.handleRemove)
	mux.HandleFunc("/io/lookup", n.handleLookup)
	mux.HandleFunc("/io/stat", n.handleStat)
	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

// remote is the host:port form the transport is configured with
func (n *fakeNode) remote() string {
	return n.srv.Listener.Addr().String()
}

func (n *fakeNode) port() uint16 {
	_, portStr, err := net.SplitHostPort(n.remote())
	require.NoError(n.t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(n.t, err)
	return uint16(p)
}

func (n *fakeNode) setFailWrites(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failWrites = fail
}

func (n *fakeNode) setFailReads(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failReads = fail
}

func (n *fakeNode) setFailAll(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAll = fail
}

func (n *fakeNode) has(idHex string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.objects[idHex]
	return ok
}

func (n *fakeNode) put(idHex string, data []byte, uflags uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.objects[idHex] = data
	n.uflags[idHex] = uflags
}

func (n *fakeNode) record(idHex string, size uint64) []byte {
	var id [20]byte
	copy(id[:], idHex)

	raw, err := lookup.Info{
		ID:       id,
		Group:    uint32(n.groups[0]),
		IP:       net.ParseIP("127.0.0.1"),
		Port:     n.port(),
		Size:     size,
		Path:     "/srv/storage/data-0.0",
		FullPath: "/srv/storage/data-0.0",
	}.Marshal()
	require.NoError(n.t, err)
	return raw
}

func (n *fakeNode) handleRoute(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failAll
	n.mu.Unlock()
	if fail {
		http.Error(w, "down", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(routeInfo{Groups: n.groups})
}

func (n *fakeNode) handleWrite(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failWrites || n.failAll
	n.mu.Unlock()
	if fail {
		http.Error(w, "write refused", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	require.NoError(n.t, err)

	idHex := r.URL.Query().Get("id")
	uflags, _ := strconv.ParseUint(r.URL.Query().Get("uflags"), 10, 64)
	n.put(idHex, body, uflags)
	w.Write(n.record(idHex, uint64(len(body))))
}

func (n *fakeNode) handleRead(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failReads || n.failAll
	idHex := r.URL.Query().Get("id")
	data, ok := n.objects[idHex]
	uflags := n.uflags[idHex]
	n.mu.Unlock()

	if fail {
		http.Error(w, "read refused", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set(userFlagsHeader, strconv.FormatUint(uflags, 10))
	w.Write(data)
}

func (n *fakeNode) handleRemove(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failAll {
		http.Error(w, "remove refused", http.StatusInternalServerError)
		return
	}
	idHex := r.URL.Query().Get("id")
	if _, ok := n.objects[idHex]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(n.objects, idHex)
	delete(n.uflags, idHex)
}

func (n *fakeNode) handleLookup(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failAll
	idHex := r.URL.Query().Get("id")
	data, ok := n.objects[idHex]
	n.mu.Unlock()

	if fail {
		http.Error(w, "lookup refused", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(n.record(idHex, uint64(len(data))))
}

func (n *fakeNode) handleStat(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(NodeStat{
		ID:       "feed" + strconv.Itoa(n.groups[0]),
		LA:       [3]int{5, 10, 15},
		VMTotal:  8192,
		VMFree:   4096,
		VMCached: 1024,
		FrSize:   4096,
		BSize:    4096,
		Blocks:   1 << 20,
		BAvail:   1 << 19,
		Files:    12345,
		FSID:     0xdeadbeef,
	})
}
