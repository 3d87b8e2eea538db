package proxy

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
	"mediastorage-proxy/pkg/storage"
)

// storageNode is an in-process storage node double speaking the io
// wire protocol the node transport expects.
type storageNode struct {
	t      *testing.T
	srv    *httptest.Server
	groups []int

	mu         sync.Mutex
	objects    map[string][]byte
	uflags     map[string]uint64
	modes      map[string]string
	failWrites bool
	failAll    bool
}

func newStorageNode(t *testing.T, groups ...int) *storageNode {
	n := &storageNode{
		t:       t,
		groups:  groups,
		objects: make(map[string][]byte),
		uflags:  make(map[string]uint64),
		modes:   make(map[string]string),
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

func (n *storageNode) remote() string {
	return n.srv.Listener.Addr().String()
}

func (n *storageNode) port() uint16 {
	_, portStr, err := net.SplitHostPort(n.remote())
	require.NoError(n.t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(n.t, err)
	return uint16(p)
}

func (n *storageNode) setFailWrites(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failWrites = fail
}

func (n *storageNode) setFailAll(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAll = fail
}

func (n *storageNode) put(idHex string, data []byte, uflags uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.objects[idHex] = data
	n.uflags[idHex] = uflags
}

func (n *storageNode) has(idHex string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.objects[idHex]
	return ok
}

func (n *storageNode) data(idHex string) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.objects[idHex]
}

func (n *storageNode) flags(idHex string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uflags[idHex]
}

func (n *storageNode) mode(idHex string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.modes[idHex]
}

func (n *storageNode) record(idHex string, size uint64) []byte {
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

func (n *storageNode) handleRoute(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failAll
	n.mu.Unlock()
	if fail {
		http.Error(w, "down", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string][]int{"groups": n.groups})
}

func (n *storageNode) handleWrite(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failWrites || n.failAll
	n.mu.Unlock()
	if fail {
		http.Error(w, "write refused", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	require.NoError(n.t, err)

	q := r.URL.Query()
	idHex := q.Get("id")
	uflags, _ := strconv.ParseUint(q.Get("uflags"), 10, 64)

	n.mu.Lock()
	n.objects[idHex] = body
	n.uflags[idHex] = uflags
	n.modes[idHex] = q.Get("mode")
	n.mu.Unlock()

	w.Write(n.record(idHex, uint64(len(body))))
}

func (n *storageNode) handleRead(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	fail := n.failAll
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
	w.Header().Set("X-Storage-User-Flags", strconv.FormatUint(uflags, 10))
	w.Write(data)
}

func (n *storageNode) handleRemove(w http.ResponseWriter, r *http.Request) {
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
	delete(n.modes, idHex)
}

func (n *storageNode) handleLookup(w http.ResponseWriter, r *http.Request) {
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

func (n *storageNode) handleStat(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(storage.NodeStat{
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
