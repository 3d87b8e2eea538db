// Package storage is the client side of the storage cluster: a
// session carries the per-request operation parameters (groups,
// consistency checker, user flags) and issues asynchronous operations
// over the node transport.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"mediastorage-proxy/pkg/lookup"
)

// UserFlagEmbedded marks a blob whose bytes are a packed container
// rather than raw content.
const UserFlagEmbedded uint64 = 1

// Session is a per-request view of the cluster. A base session is
// built once at startup; request handlers Clone it and set the group
// set and policy before issuing operations. A session is owned by one
// request and is not safe for concurrent mutation.
type Session struct {
	transport  *Transport
	logger     *zap.Logger
	lookupOpts lookup.Options
	wait       time.Duration

	groups       []int
	checker      Checker
	userFlags    uint64
	filterAll    bool
	removeOnFail bool
}

func NewSession(transport *Transport, lookupOpts lookup.Options, wait time.Duration, logger *zap.Logger) *Session {
	return &Session{
		transport:  transport,
		logger:     logger,
		lookupOpts: lookupOpts,
		wait:       wait,
		checker:    checkerQuorum{},
	}
}

// Clone returns an independent session sharing the transport.
func (s *Session) Clone() *Session {
	c := *s
	c.groups = slices.Clone(s.groups)
	return &c
}

func (s *Session) SetGroups(groups []int) { s.groups = slices.Clone(groups) }
func (s *Session) Groups() []int          { return s.groups }

func (s *Session) SetChecker(c Checker) { s.checker = c }

func (s *Session) SetUserFlags(flags uint64) { s.userFlags = flags }
func (s *Session) UserFlags() uint64         { return s.userFlags }

// SetFilterAll targets every group rather than the preferred replica
// selection. Deletes set this: a remove must reach all copies.
func (s *Session) SetFilterAll(all bool) { s.filterAll = all }

// SetRemoveOnFail arranges compensating removes of the replicas a
// failed write did manage to store.
func (s *Session) SetRemoveOnFail(on bool) { s.removeOnFail = on }

// StateNum is the number of live node connections underneath this
// session.
func (s *Session) StateNum() int { return s.transport.StateNum() }

func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	// Operations run on their own clock: a client hanging up must not
	// cancel an in-flight write or its compensating removes.
	return context.WithTimeout(context.Background(), s.wait)
}

// AsyncWriteResult delivers the outcome of a replicated write.
type AsyncWriteResult struct{ ch chan writeOutcome }

type writeOutcome struct {
	records []*lookup.Record
	err     error
}

// Connect invokes cb once the write completes, on its own goroutine.
func (r *AsyncWriteResult) Connect(cb func(records []*lookup.Record, err error)) {
	go func() {
		o := <-r.ch
		cb(o.records, o.err)
	}()
}

// WriteData stores data as a complete object.
func (s *Session) WriteData(key Key, data []byte, offset uint64) *AsyncWriteResult {
	return s.write(key, data, ModeWrite, offset, uint64(len(data)))
}

// WritePrepare reserves size bytes and stores the first chunk.
func (s *Session) WritePrepare(key Key, data []byte, offset, size uint64) *AsyncWriteResult {
	return s.write(key, data, ModePrepare, offset, size)
}

// WriteCommit stores the final chunk and seals the object at size.
func (s *Session) WriteCommit(key Key, data []byte, offset, size uint64) *AsyncWriteResult {
	return s.write(key, data, ModeCommit, offset, size)
}

// WritePlain overwrites a region of an existing object.
func (s *Session) WritePlain(key Key, data []byte, offset uint64) *AsyncWriteResult {
	return s.write(key, data, ModePlain, offset, uint64(len(data)))
}

func (s *Session) write(key Key, data []byte, mode string, offset, size uint64) *AsyncWriteResult {
	res := &AsyncWriteResult{ch: make(chan writeOutcome, 1)}
	groups := slices.Clone(s.groups)

	go func() {
		type groupResult struct {
			group int
			rec   *lookup.Record
			err   error
		}
		results := make(chan groupResult, len(groups))

		for _, g := range groups {
			go func(g int) {
				ctx, cancel := s.opCtx()
				defer cancel()

				raw, err := s.transport.Write(ctx, g, key.IDHex(), mode, offset, size, s.userFlags, data)
				if err != nil {
					results <- groupResult{group: g, err: err}
					return
				}
				rec, err := lookup.Parse(raw, s.lookupOpts)
				if err != nil {
					results <- groupResult{group: g, err: err}
					return
				}
				results <- groupResult{group: g, rec: rec}
			}(g)
		}

		var (
			records []*lookup.Record
			good    []int
			errs    error
		)
		for range groups {
			r := <-results
			switch {
			case r.err != nil:
				errs = multierr.Append(errs, fmt.Errorf("group %d: %w", r.group, r.err))
			case r.rec.Status() != 0:
				errs = multierr.Append(errs, fmt.Errorf("group %d: write status %d", r.group, r.rec.Status()))
			default:
				records = append(records, r.rec)
				good = append(good, r.group)
			}
		}

		slices.Sort(good)
		slices.SortFunc(records, func(a, b *lookup.Record) int { return a.Group() - b.Group() })

		if !s.checker.Satisfied(len(good), len(groups)) {
			var bad []int
			for _, g := range groups {
				if !slices.Contains(good, g) {
					bad = append(bad, g)
				}
			}
			s.logger.Error("write did not meet consistency policy",
				zap.String("key", key.Remote()),
				zap.String("checker", s.checker.String()),
				zap.Ints("good_groups", good),
				zap.Ints("bad_groups", bad),
				zap.Error(errs))
			if s.removeOnFail && len(good) > 0 {
				s.removeOrphans(key, good)
			}
			res.ch <- writeOutcome{err: &ConsistencyError{Good: good, Bad: bad, Errs: errs}}
			return
		}

		if len(good) < len(groups) {
			s.logger.Warn("write accepted with failed groups",
				zap.String("key", key.Remote()),
				zap.Ints("good_groups", good),
				zap.Error(errs))
		}
		res.ch <- writeOutcome{records: records}
	}()
	return res
}

// removeOrphans deletes the copies a failed write left behind so a
// partially written object is never visible.
func (s *Session) removeOrphans(key Key, groups []int) {
	for _, g := range groups {
		ctx, cancel := s.opCtx()
		err := s.transport.Remove(ctx, g, key.IDHex())
		cancel()
		if err != nil {
			s.logger.Error("orphan remove failed",
				zap.String("key", key.Remote()),
				zap.Int("group", g),
				zap.Error(err))
			continue
		}
		s.logger.Info("orphan removed",
			zap.String("key", key.Remote()),
			zap.Int("group", g))
	}
}

// ReadResult is a successful read: the stored bytes, the user flags
// recorded at write time, and the group that answered.
type ReadResult struct {
	Data      []byte
	UserFlags uint64
	Group     int
}

// AsyncReadResult delivers the outcome of a read.
type AsyncReadResult struct{ ch chan readOutcome }

type readOutcome struct {
	result ReadResult
	err    error
}

func (r *AsyncReadResult) Connect(cb func(result ReadResult, err error)) {
	go func() {
		o := <-r.ch
		cb(o.result, o.err)
	}()
}

// ReadData reads the key, trying groups in order until one answers.
// Every group reporting a missing key maps to ErrNotFound; any harder
// failure wins over ErrNotFound in the final classification.
func (s *Session) ReadData(key Key, offset, size uint64) *AsyncReadResult {
	res := &AsyncReadResult{ch: make(chan readOutcome, 1)}
	groups := slices.Clone(s.groups)

	go func() {
		var lastHard error
		for _, g := range groups {
			ctx, cancel := s.opCtx()
			data, uflags, err := s.transport.Read(ctx, g, key.IDHex(), offset, size)
			cancel()
			if err == nil {
				res.ch <- readOutcome{result: ReadResult{Data: data, UserFlags: uflags, Group: g}}
				return
			}
			if !errors.Is(err, ErrNotFound) {
				lastHard = fmt.Errorf("group %d: %w", g, err)
			}
			s.logger.Debug("read miss",
				zap.String("key", key.Remote()),
				zap.Int("group", g),
				zap.Error(err))
		}
		if lastHard != nil {
			res.ch <- readOutcome{err: lastHard}
			return
		}
		res.ch <- readOutcome{err: ErrNotFound}
	}()
	return res
}

// AsyncRemoveResult delivers the outcome of a remove.
type AsyncRemoveResult struct{ ch chan error }

func (r *AsyncRemoveResult) Connect(cb func(err error)) {
	go func() {
		cb(<-r.ch)
	}()
}

// Remove deletes the key from every group in the set. With the
// all-replicas filter set, every per-group failure is visible: a
// single hard failure fails the whole operation, and a key absent
// everywhere is ErrNotFound. Without it only positive replies count,
// so the remove succeeds iff at least one copy was deleted.
func (s *Session) Remove(key Key) *AsyncRemoveResult {
	res := &AsyncRemoveResult{ch: make(chan error, 1)}
	groups := slices.Clone(s.groups)

	go func() {
		results := make(chan error, len(groups))
		for _, g := range groups {
			go func(g int) {
				ctx, cancel := s.opCtx()
				defer cancel()

				err := s.transport.Remove(ctx, g, key.IDHex())
				if err != nil && !errors.Is(err, ErrNotFound) {
					err = fmt.Errorf("group %d: %w", g, err)
				}
				results <- err
			}(g)
		}

		var hard error
		removed := 0
		for range groups {
			err := <-results
			switch {
			case err == nil:
				removed++
			case errors.Is(err, ErrNotFound):
			default:
				hard = multierr.Append(hard, err)
			}
		}

		switch {
		case s.filterAll && hard != nil:
			res.ch <- hard
		case removed == 0:
			res.ch <- ErrNotFound
		default:
			res.ch <- nil
		}
	}()
	return res
}

// AsyncLookupResult delivers placement records for a key.
type AsyncLookupResult struct{ ch chan lookupOutcome }

type lookupOutcome struct {
	records []*lookup.Record
	err     error
}

func (r *AsyncLookupResult) Connect(cb func(records []*lookup.Record, err error)) {
	go func() {
		o := <-r.ch
		cb(o.records, o.err)
	}()
}

// Lookup queries every group for the key's placement. The records of
// the groups that answered cleanly are returned even when others
// failed; the error is non-nil only when no group answered, and is
// ErrNotFound only when every group reported the key missing.
func (s *Session) Lookup(key Key) *AsyncLookupResult {
	res := &AsyncLookupResult{ch: make(chan lookupOutcome, 1)}
	groups := slices.Clone(s.groups)

	go func() {
		type groupResult struct {
			rec *lookup.Record
			err error
		}
		results := make(chan groupResult, len(groups))

		for _, g := range groups {
			go func(g int) {
				ctx, cancel := s.opCtx()
				defer cancel()

				raw, err := s.transport.Lookup(ctx, g, key.IDHex())
				if err != nil {
					results <- groupResult{err: fmt.Errorf("group %d: %w", g, err)}
					return
				}
				rec, err := lookup.Parse(raw, s.lookupOpts)
				if err != nil {
					results <- groupResult{err: fmt.Errorf("group %d: %w", g, err)}
					return
				}
				if rec.Status() != 0 {
					results <- groupResult{err: fmt.Errorf("group %d: lookup status %d", g, rec.Status())}
					return
				}
				results <- groupResult{rec: rec}
			}(g)
		}

		var (
			records []*lookup.Record
			hard    error
			missing int
		)
		for range groups {
			r := <-results
			switch {
			case r.err == nil:
				records = append(records, r.rec)
			case errors.Is(r.err, ErrNotFound):
				missing++
			default:
				hard = multierr.Append(hard, r.err)
			}
		}

		if len(records) > 0 {
			slices.SortFunc(records, func(a, b *lookup.Record) int { return a.Group() - b.Group() })
			res.ch <- lookupOutcome{records: records}
			return
		}
		if hard == nil {
			res.ch <- lookupOutcome{err: ErrNotFound}
			return
		}
		res.ch <- lookupOutcome{err: hard}
	}()
	return res
}

// AsyncStatResult delivers a cluster statistics sweep.
type AsyncStatResult struct{ ch chan []NodeStat }

func (r *AsyncStatResult) Connect(cb func(stats []NodeStat)) {
	go func() {
		cb(<-r.ch)
	}()
}

// Stat collects statistics from every live node.
func (s *Session) Stat() *AsyncStatResult {
	res := &AsyncStatResult{ch: make(chan []NodeStat, 1)}

	go func() {
		ctx, cancel := s.opCtx()
		defer cancel()
		res.ch <- s.transport.Stats(ctx)
	}()
	return res
}
