package jwks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/puxu-msft/caddy-jwt-auth/jwk"
	"github.com/puxu-msft/caddy-jwt-auth/metrics"
	"github.com/puxu-msft/caddy-jwt-auth/tracing"
)

// ErrThrottled is returned by RefreshMiss when no refresh was attempted.
var ErrThrottled = errors.New("jwks refresh throttled")

// Defaults for Options.
const (
	DefaultRefreshInterval    = 10 * time.Minute
	DefaultMinRefreshInterval = 10 * time.Second
)

// refreshRetryBase is the first retry delay of the refresh loop after a
// failed refresh. It doubles per consecutive failure up to RefreshInterval.
var refreshRetryBase = time.Second

// Watcher is implemented by sources that can report changes themselves.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Options configures a Fetcher. Zero durations select the defaults; negative
// durations disable the corresponding behaviour.
type Options struct {
	// RefreshInterval is the period of the background refresh loop.
	RefreshInterval time.Duration
	// MinRefreshInterval is the minimum spacing between refreshes triggered
	// by unknown key ids.
	MinRefreshInterval time.Duration
	// NegativeTTL is how long a key id that stayed unknown after a refresh
	// is remembered.
	NegativeTTL       time.Duration
	NegativeCacheSize int

	Logger *zap.Logger
	Tracer *tracing.Tracer
	// OnRefresh is called after every refresh attempt.
	OnRefresh func(RefreshResult)
	// Now overrides the clock.
	Now func() time.Time
}

// RefreshResult describes one refresh attempt.
type RefreshResult struct {
	Source   string
	Keys     int
	Duration time.Duration
	Err      error
}

// Status is a point-in-time view of a Fetcher for the Admin API.
type Status struct {
	Source          string    `json:"source"`
	KeyIDs          []string  `json:"key_ids"`
	LastFetch       time.Time `json:"last_fetch,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Refreshes       uint64    `json:"refreshes"`
	Failures        uint64    `json:"failures"`
	NegativeEntries int       `json:"negative_entries"`
}

type snapshot struct {
	store     *jwk.Store
	fetchedAt time.Time
}

// Fetcher owns the current key set snapshot of one source. Readers call
// Current, which never blocks; refreshes build a new snapshot and swap it in.
// A failed refresh keeps the previous snapshot.
type Fetcher struct {
	source Source
	opts   Options
	logger *zap.Logger
	tracer *tracing.Tracer
	now    func() time.Time

	snap     atomic.Pointer[snapshot]
	sfGroup  singleflight.Group
	negative *negativeCache

	missMu      sync.Mutex
	lastMiss    time.Time
	lastRecover time.Time

	lastError atomic.Value // string
	refreshes atomic.Uint64
	failures  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFetcher creates a Fetcher. No fetch happens until Refresh or Start.
func NewFetcher(source Source, opts Options) *Fetcher {
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.MinRefreshInterval == 0 {
		opts.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if opts.NegativeTTL == 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	f := &Fetcher{
		source: source,
		opts:   opts,
		logger: opts.Logger,
		tracer: opts.Tracer,
		now:    opts.Now,
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.tracer == nil {
		f.tracer = tracing.NewTracer(false)
	}
	if f.now == nil {
		f.now = time.Now
	}
	f.negative = newNegativeCache(opts.NegativeCacheSize, opts.NegativeTTL, f.now)
	f.lastError.Store("")
	return f
}

// Source returns the underlying source.
func (f *Fetcher) Source() Source { return f.source }

// Current returns the current snapshot, or ErrUnavailable when no refresh
// has succeeded yet.
func (f *Fetcher) Current() (*jwk.Store, error) {
	s := f.snap.Load()
	if s == nil {
		if msg, _ := f.lastError.Load().(string); msg != "" {
			return nil, errors.Join(ErrUnavailable, errors.New(msg))
		}
		return nil, ErrUnavailable
	}
	return s.store, nil
}

// Refresh loads the source and swaps in the result. Concurrent calls share
// one load. The load is detached from ctx cancellation so that one caller
// giving up does not fail the others; the source's own timeout bounds it.
func (f *Fetcher) Refresh(ctx context.Context) (*jwk.Store, error) {
	v, err, _ := f.sfGroup.Do("refresh", func() (interface{}, error) {
		return f.doRefresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*jwk.Store), nil
}

func (f *Fetcher) doRefresh(ctx context.Context) (*jwk.Store, error) {
	ctx, span := f.tracer.StartJWKSRefresh(ctx, f.source.Kind())
	defer f.tracer.EndSpan(span)

	start := time.Now()
	store, err := f.source.Load(ctx)
	result := RefreshResult{Source: f.source.Kind(), Duration: time.Since(start), Err: err}
	f.refreshes.Add(1)

	if err != nil {
		f.failures.Add(1)
		f.lastError.Store(err.Error())
		f.tracer.RecordError(span, err)
		metrics.RecordJWKSRefresh(result.Source, result.Duration, 0, err)
		f.logger.Warn("jwks refresh failed",
			zap.String("source", result.Source),
			zap.Bool("serving_previous", f.snap.Load() != nil),
			zap.Error(err),
		)
		f.notify(result)
		return nil, err
	}

	recovered := f.lastError.Load().(string) != ""
	f.snap.Store(&snapshot{store: store, fetchedAt: f.now()})
	f.negative.Purge()
	f.lastError.Store("")

	result.Keys = store.Len()
	f.tracer.RecordKeyCount(span, result.Keys)
	metrics.RecordJWKSRefresh(result.Source, result.Duration, result.Keys, nil)
	if recovered {
		f.logger.Info("jwks refresh recovered", zap.String("source", result.Source), zap.Int("keys", result.Keys))
	} else {
		f.logger.Debug("jwks refreshed", zap.String("source", result.Source), zap.Int("keys", result.Keys))
	}
	f.notify(result)
	return store, nil
}

func (f *Fetcher) notify(r RefreshResult) {
	if f.opts.OnRefresh != nil {
		f.opts.OnRefresh(r)
	}
}

// RefreshMiss refreshes on behalf of a token naming kid, which is absent
// from the current snapshot. It returns ErrThrottled without fetching when
// kid was recently confirmed unknown or another miss refreshed within
// MinRefreshInterval. A kid still absent after the refresh is remembered.
func (f *Fetcher) RefreshMiss(ctx context.Context, kid string) (*jwk.Store, error) {
	if f.negative.Contains(kid) {
		metrics.RecordUnknownKey(metrics.MissOutcomeNegativeHit)
		return nil, ErrThrottled
	}

	f.missMu.Lock()
	now := f.now()
	if f.opts.MinRefreshInterval > 0 && !f.lastMiss.IsZero() && now.Sub(f.lastMiss) < f.opts.MinRefreshInterval {
		f.missMu.Unlock()
		metrics.RecordUnknownKey(metrics.MissOutcomeThrottled)
		return nil, ErrThrottled
	}
	f.lastMiss = now
	f.missMu.Unlock()

	store, err := f.Refresh(ctx)
	if err != nil {
		metrics.RecordUnknownKey(metrics.MissOutcomeError)
		return nil, err
	}
	metrics.RecordUnknownKey(metrics.MissOutcomeRefreshed)
	if _, ok := store.Lookup(kid); !ok {
		f.negative.Add(kid)
	}
	return store, nil
}

// RefreshUnavailable refreshes on behalf of a request that found no
// snapshot, so a key set that failed to load at startup recovers as soon as
// its source does. Attempts are spaced by MinRefreshInterval; a declined
// attempt returns ErrThrottled. With a snapshot in place it returns the
// snapshot without fetching.
func (f *Fetcher) RefreshUnavailable(ctx context.Context) (*jwk.Store, error) {
	if s := f.snap.Load(); s != nil {
		return s.store, nil
	}

	f.missMu.Lock()
	now := f.now()
	if f.opts.MinRefreshInterval > 0 && !f.lastRecover.IsZero() && now.Sub(f.lastRecover) < f.opts.MinRefreshInterval {
		f.missMu.Unlock()
		return nil, ErrThrottled
	}
	f.lastRecover = now
	f.missMu.Unlock()

	return f.Refresh(ctx)
}

// Start performs the initial refresh and launches the background refresh
// loop and, for sources implementing Watcher, the change watcher. A failed
// initial refresh is returned but the loops are started regardless.
func (f *Fetcher) Start(ctx context.Context) error {
	_, err := f.Refresh(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	if f.opts.RefreshInterval > 0 {
		f.wg.Add(1)
		go f.refreshLoop(loopCtx)
	}
	if w, ok := f.source.(Watcher); ok {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			werr := w.Watch(loopCtx, func() {
				if _, err := f.Refresh(loopCtx); err == nil {
					f.logger.Info("jwks reloaded after change", zap.String("source", f.source.Kind()))
				}
			})
			if werr != nil {
				f.logger.Warn("jwks watch unavailable, relying on refresh interval", zap.Error(werr))
			}
		}()
	}
	return err
}

// Stop ends the background loops and waits for them.
func (f *Fetcher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// refreshLoop refreshes every RefreshInterval. After a failure, including
// a failed initial refresh, it retries with exponential backoff starting at
// refreshRetryBase until a refresh succeeds.
func (f *Fetcher) refreshLoop(ctx context.Context) {
	defer f.wg.Done()

	failures := 0
	if f.snap.Load() == nil {
		failures = 1
	}

	f.logger.Debug("jwks background refresh started", zap.Duration("interval", f.opts.RefreshInterval))

	timer := time.NewTimer(f.nextRefresh(failures))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// Errors are logged by doRefresh; the previous snapshot stays in place.
			if _, err := f.Refresh(ctx); err != nil {
				failures++
			} else {
				failures = 0
			}
			timer.Reset(f.nextRefresh(failures))
		}
	}
}

// nextRefresh returns the loop delay after the given number of consecutive
// failures.
func (f *Fetcher) nextRefresh(failures int) time.Duration {
	if failures == 0 {
		return f.opts.RefreshInterval
	}
	delay := refreshRetryBase
	for i := 1; i < failures && delay < f.opts.RefreshInterval; i++ {
		delay *= 2
	}
	if delay > f.opts.RefreshInterval {
		delay = f.opts.RefreshInterval
	}
	return delay
}

// Status reports the fetcher state.
func (f *Fetcher) Status() Status {
	st := Status{
		Source:          f.source.Kind(),
		Refreshes:       f.refreshes.Load(),
		Failures:        f.failures.Load(),
		NegativeEntries: f.negative.Len(),
	}
	st.LastError, _ = f.lastError.Load().(string)
	if s := f.snap.Load(); s != nil {
		st.KeyIDs = s.store.KeyIDs()
		st.LastFetch = s.fetchedAt
	}
	if st.KeyIDs == nil {
		st.KeyIDs = []string{}
	}
	return st
}
