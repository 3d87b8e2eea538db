package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Write modes accepted by a storage node.
const (
	ModeWrite   = "write"
	ModePrepare = "prepare"
	ModeCommit  = "commit"
	ModePlain   = "plain"
)

// userFlagsHeader carries the stored user flags of a blob back to the
// reader.
const userFlagsHeader = "X-Storage-User-Flags"

// NodeStat is one node's statistics snapshot as served by its stat
// endpoint.
type NodeStat struct {
	Addr     string `json:"-"`
	ID       string `json:"id"`
	LA       [3]int `json:"la"`
	VMTotal  uint64 `json:"vm_total"`
	VMFree   uint64 `json:"vm_free"`
	VMCached uint64 `json:"vm_cached"`
	FrSize   uint64 `json:"frsize"`
	BSize    uint64 `json:"bsize"`
	Blocks   uint64 `json:"blocks"`
	BAvail   uint64 `json:"bavail"`
	Files    uint64 `json:"files"`
	FSID     uint64 `json:"fsid"`
}

type routeInfo struct {
	Groups []int `json:"groups"`
}

type nodeState struct {
	remote string
	alive  bool
	groups []int
}

// Transport multiplexes operations over the configured storage nodes.
// A background loop probes every node's route endpoint; the live count
// it maintains is the input to the proxy's liveness gate.
type Transport struct {
	remotes     []string
	logger      *zap.Logger
	client      *http.Client
	checkPeriod time.Duration

	mu    sync.RWMutex
	nodes map[string]*nodeState

	live atomic.Int32

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewTransport(remotes []string, waitTimeout, checkPeriod time.Duration, logger *zap.Logger) *Transport {
	t := &Transport{
		remotes:     remotes,
		logger:      logger,
		client:      &http.Client{Timeout: waitTimeout},
		checkPeriod: checkPeriod,
		nodes:       make(map[string]*nodeState, len(remotes)),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, r := range remotes {
		t.nodes[r] = &nodeState{remote: r}
	}
	return t
}

// Start probes every remote once so the live count is meaningful
// before the first request, then keeps probing in the background.
func (t *Transport) Start() {
	t.probeAll()
	go t.checkLoop()
}

// Stop terminates the probe loop and waits for it to exit.
func (t *Transport) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Transport) checkLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.probeAll()
		}
	}
}

func (t *Transport) probeAll() {
	var wg sync.WaitGroup
	for _, remote := range t.remotes {
		wg.Add(1)
		go func(remote string) {
			defer wg.Done()
			t.probe(remote)
		}(remote)
	}
	wg.Wait()

	t.mu.RLock()
	live := 0
	for _, n := range t.nodes {
		if n.alive {
			live++
		}
	}
	t.mu.RUnlock()
	t.live.Store(int32(live))
}

// probeAttempts bounds the retries absorbing a transient blip before a
// node is declared down.
const probeAttempts = 2

func (t *Transport) probe(remote string) {
	var route routeInfo
	fetch := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), t.client.Timeout)
		defer cancel()
		return t.getJSON(ctx, "http://"+remote+"/io/route", &route)
	}
	notify := func(err error, next time.Duration) {
		t.logger.Debug("probe retry",
			zap.String("remote", remote),
			zap.Duration("in", next),
			zap.Error(err))
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 100 * time.Millisecond
	err := backoff.RetryNotify(fetch, backoff.WithMaxRetries(ebo, probeAttempts), notify)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.nodes[remote]
	wasAlive := n.alive
	if err != nil {
		n.alive = false
		if wasAlive {
			t.logger.Warn("storage node down",
				zap.String("remote", remote),
				zap.Error(err))
		}
		return
	}

	n.alive = true
	n.groups = route.Groups
	if !wasAlive {
		t.logger.Info("storage node up",
			zap.String("remote", remote),
			zap.Ints("groups", route.Groups))
	}
}

// StateNum is the number of live node connections.
func (t *Transport) StateNum() int {
	return int(t.live.Load())
}

// nodeFor picks the first live node serving group, in configured
// order.
func (t *Transport) nodeFor(group int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, remote := range t.remotes {
		n := t.nodes[remote]
		if n.alive && slices.Contains(n.groups, group) {
			return remote, nil
		}
	}
	return "", fmt.Errorf("no live node serves group %d", group)
}

// Write stores body for id in group and returns the raw placement
// record the node answered with.
func (t *Transport) Write(ctx context.Context, group int, idHex, mode string, offset, size, uflags uint64, body []byte) ([]byte, error) {
	remote, err := t.nodeFor(group)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("id", idHex)
	q.Set("group", strconv.Itoa(group))
	q.Set("mode", mode)
	q.Set("offset", strconv.FormatUint(offset, 10))
	q.Set("size", strconv.FormatUint(size, 10))
	q.Set("uflags", strconv.FormatUint(uflags, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+remote+"/io/write?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Read fetches id from group, returning the stored bytes and the user
// flags recorded at write time.
func (t *Transport) Read(ctx context.Context, group int, idHex string, offset, size uint64) ([]byte, uint64, error) {
	remote, err := t.nodeFor(group)
	if err != nil {
		return nil, 0, err
	}

	q := url.Values{}
	q.Set("id", idHex)
	q.Set("group", strconv.Itoa(group))
	q.Set("offset", strconv.FormatUint(offset, 10))
	q.Set("size", strconv.FormatUint(size, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+remote+"/io/read?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, 0, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	var uflags uint64
	if h := resp.Header.Get(userFlagsHeader); h != "" {
		uflags, err = strconv.ParseUint(h, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad %s header %q: %w", userFlagsHeader, h, err)
		}
	}
	return data, uflags, nil
}

// Remove deletes id from group.
func (t *Transport) Remove(ctx context.Context, group int, idHex string) error {
	remote, err := t.nodeFor(group)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("id", idHex)
	q.Set("group", strconv.Itoa(group))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+remote+"/io/remove?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Lookup asks group where id lives and returns the raw placement
// record.
func (t *Transport) Lookup(ctx context.Context, group int, idHex string) ([]byte, error) {
	remote, err := t.nodeFor(group)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("id", idHex)
	q.Set("group", strconv.Itoa(group))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+remote+"/io/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Stats collects statistics from every live node. Nodes that fail to
// answer are logged and skipped rather than failing the sweep.
func (t *Transport) Stats(ctx context.Context) []NodeStat {
	t.mu.RLock()
	var alive []string
	for _, remote := range t.remotes {
		if t.nodes[remote].alive {
			alive = append(alive, remote)
		}
	}
	t.mu.RUnlock()

	var (
		mu    sync.Mutex
		stats []NodeStat
		wg    sync.WaitGroup
	)
	for _, remote := range alive {
		wg.Add(1)
		go func(remote string) {
			defer wg.Done()

			var st NodeStat
			if err := t.getJSON(ctx, "http://"+remote+"/io/stat", &st); err != nil {
				t.logger.Warn("stat fetch failed",
					zap.String("remote", remote),
					zap.Error(err))
				return
			}
			st.Addr = remote

			mu.Lock()
			stats = append(stats, st)
			mu.Unlock()
		}(remote)
	}
	wg.Wait()

	slices.SortFunc(stats, func(a, b NodeStat) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return stats
}

func (t *Transport) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("http %s: %d", resp.Request.URL, resp.StatusCode)
	}
	return nil
}
