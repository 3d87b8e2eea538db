// Package balancer keeps a cached view of the cluster metadata served
// by the external balancer: which groups form couples, which are bad,
// which cache groups shadow hot keys, and the weighted couples used to
// place new uploads.
package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Topology is one snapshot of balancer metadata. Section names match
// the balancer's JSON document.
type Topology struct {
	GroupWeights    map[string]map[string][]WeightedCouple `json:"group-weights"`
	SymmetricGroups map[string][]int                       `json:"symmetric-groups"`
	BadGroups       []int                                  `json:"bad-groups"`
	CacheGroups     map[string][]int                       `json:"cache-groups"`
}

// WeightedCouple is a candidate replica set for new uploads.
type WeightedCouple struct {
	Groups []int `json:"groups"`
	Weight int   `json:"weight"`
}

// Balancer polls the configured balancer nodes and answers group
// queries from the last good snapshot. Queries never block on the
// network; an empty snapshot answers every query with nothing.
type Balancer struct {
	endpoints []string
	period    time.Duration
	logger    *zap.Logger
	client    *http.Client

	mu      sync.RWMutex
	topo    Topology
	raw     map[string]json.RawMessage
	fetched time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a balancer client polling the given endpoints, tried in
// order on every refresh.
func New(endpoints []string, period time.Duration, logger *zap.Logger) *Balancer {
	return &Balancer{
		endpoints: endpoints,
		period:    period,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the refresh loop. The first snapshot is fetched with
// exponential backoff; until it lands, queries see an empty topology
// and requests degrade to "no candidate groups". A dead balancer must
// not keep the proxy from booting.
func (b *Balancer) Start() {
	go b.run()
}

func (b *Balancer) run() {
	defer close(b.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = b.period

	retryable := func() error {
		return b.Refresh(context.Background())
	}
	notify := func(err error, t time.Duration) {
		b.logger.Warn("group info fetch failed",
			zap.Error(err),
			zap.Duration("retry_in", t))
	}

	if err := backoff.RetryNotify(retryable, bo, notify); err != nil {
		b.logger.Error("no group info snapshot yet", zap.Error(err))
	}

	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.Refresh(context.Background()); err != nil {
				b.logger.Error("group info refresh failed", zap.Error(err))
			}
		}
	}
}

// Stop terminates the refresh loop and waits for it to exit.
func (b *Balancer) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// Refresh fetches a fresh snapshot from the first answering endpoint.
func (b *Balancer) Refresh(ctx context.Context) error {
	var lastErr error
	for _, ep := range b.endpoints {
		body, err := b.fetch(ctx, ep)
		if err != nil {
			lastErr = err
			b.logger.Debug("balancer endpoint failed",
				zap.String("endpoint", ep),
				zap.Error(err))
			continue
		}

		var topo Topology
		if err := json.Unmarshal(body, &topo); err != nil {
			lastErr = fmt.Errorf("parse group info from %s: %w", ep, err)
			continue
		}
		raw := make(map[string]json.RawMessage)
		if err := json.Unmarshal(body, &raw); err != nil {
			lastErr = fmt.Errorf("parse group info from %s: %w", ep, err)
			continue
		}

		b.mu.Lock()
		b.topo = topo
		b.raw = raw
		b.fetched = time.Now()
		b.mu.Unlock()

		b.logger.Info("group info updated",
			zap.String("endpoint", ep),
			zap.Int("symmetric_groups", len(topo.SymmetricGroups)),
			zap.Int("bad_groups", len(topo.BadGroups)))
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no balancer endpoints configured")
	}
	return lastErr
}

func (b *Balancer) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/topology", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %d", req.URL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SymmetricGroups returns the couple containing group, with bad groups
// filtered out. A group the balancer does not know is its own couple.
func (b *Balancer) SymmetricGroups(group int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	couple, ok := b.topo.SymmetricGroups[strconv.Itoa(group)]
	if !ok {
		couple = []int{group}
	}

	out := make([]int, 0, len(couple))
	for _, g := range couple {
		if !slices.Contains(b.topo.BadGroups, g) {
			out = append(out, g)
		}
	}
	return out
}

// CacheGroups returns the cache groups shadowing key, empty when none.
func (b *Balancer) CacheGroups(key string) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return slices.Clone(b.topo.CacheGroups[key])
}

// MetabalancerGroups picks a weighted random couple of the given size
// for the namespace. Empty when the balancer has no couples to offer.
func (b *Balancer) MetabalancerGroups(count int, namespace string) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	couples := b.topo.GroupWeights[namespace][strconv.Itoa(count)]
	total := 0
	for _, c := range couples {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return nil
	}

	r := rand.Intn(total)
	for _, c := range couples {
		if c.Weight <= 0 {
			continue
		}
		if r < c.Weight {
			return slices.Clone(c.Groups)
		}
		r -= c.Weight
	}
	return nil
}

// RawSection returns the verbatim JSON of one snapshot section for
// diagnostics, reporting whether the section exists.
func (b *Balancer) RawSection(name string) (json.RawMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sec, ok := b.raw[name]
	return sec, ok
}

// LastUpdate returns when the current snapshot was fetched, zero when
// none has landed yet.
func (b *Balancer) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.fetched
}
