// Package session owns the dashboard state for the active selection.
//
// A Controller runs one event loop. Transports, snapshot fetches and
// reconnect timers run on their own goroutines and only post events tagged
// with the selection key and generation they were started for; the loop
// drops anything that no longer matches. Readers get immutable views.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync/atomic"
	"time"

	"marketdash/internal/bus"
	"marketdash/internal/indicator"
	"marketdash/internal/logger"
	"marketdash/internal/marketdata/reconciler"
	"marketdash/internal/marketdata/stream"
	"marketdash/internal/model"
	"marketdash/internal/snapshot"
	"marketdash/internal/supervisor"
	"marketdash/internal/tradefeed"
)

// ErrStopped is returned by Select after Run has returned.
var ErrStopped = errors.New("session stopped")

// Snapshot sources reported to OnSnapshot.
const (
	SourceCache = "cache"
	SourceFetch = "fetch"
)

const (
	barQueueSize     = 256
	tradeQueueSize   = 256
	controlQueueSize = 16
	updatesQueueSize = 64
)

// Config holds controller settings.
type Config struct {
	Limit          int              // bars kept per selection; <= 0 means model.DefaultSeriesLimit
	ReconnectDelay time.Duration    // <= 0 means supervisor.DefaultReconnectDelay
	Indicators     []indicator.Spec // nil means indicator.DefaultSpecs()
}

// Controller is the single owner of series, indicators, live price and
// connection state.
type Controller struct {
	loader *snapshot.Loader
	source stream.Source
	cache  snapshot.Cache
	specs  []indicator.Spec
	limit  int
	sched  *supervisor.Scheduler
	now    func() time.Time

	bars    chan barEvent
	trades  chan tradeEvent
	control chan controlEvent
	updates chan *model.View
	stopped chan struct{}
	running atomic.Bool

	view atomic.Pointer[model.View]

	// Hooks (optional). Called on the loop goroutine; must not block.
	OnOutcome   func(key model.SelectionKey, o reconciler.Outcome)
	OnReconnect func(key model.SelectionKey, s supervisor.Stream)
	OnMalformed func(s supervisor.Stream, err error)
	OnConnState func(s supervisor.Stream, from, to model.ConnState)
	OnSnapshot  func(key model.SelectionKey, source string, elapsed time.Duration, err error)

	// Loop-owned state below.
	runCtx      context.Context
	selCtx      context.Context
	cancelSel   context.CancelFunc
	key         model.SelectionKey
	gen         uint64
	load        uint64
	series      model.Series
	indicators  indicator.Set
	feed        *tradefeed.Feed
	barLink     *supervisor.Link
	tradeLink   *supervisor.Link
	loading     bool
	seeded      bool // series came from a snapshot or the cache; gates write-through
	unavailable bool
	errMsg      string
	pending     model.Series // live bars received while loading
	seq         int64
}

// New creates a controller. cache may be nil, in which case an in-memory
// cache private to this controller is used. Indicator specs are validated
// here; an invalid one fails with indicator.ErrInvalidArgument.
func New(cfg Config, loader *snapshot.Loader, source stream.Source, cache snapshot.Cache) (*Controller, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = model.DefaultSeriesLimit
	}
	if cfg.Indicators == nil {
		cfg.Indicators = indicator.DefaultSpecs()
	}
	for _, sp := range cfg.Indicators {
		if err := indicator.Validate(sp); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	if cache == nil {
		cache = snapshot.NewMemoryCache()
	}

	c := &Controller{
		loader:    loader,
		source:    source,
		cache:     cache,
		specs:     cfg.Indicators,
		limit:     cfg.Limit,
		now:       time.Now,
		bars:      make(chan barEvent, barQueueSize),
		trades:    make(chan tradeEvent, tradeQueueSize),
		control:   make(chan controlEvent, controlQueueSize),
		updates:   make(chan *model.View, updatesQueueSize),
		stopped:   make(chan struct{}),
		feed:      tradefeed.New(),
		barLink:   supervisor.NewLink(supervisor.StreamBars),
		tradeLink: supervisor.NewLink(supervisor.StreamTrades),
	}
	c.sched = supervisor.NewScheduler(cfg.ReconnectDelay, c.postTicket)

	onChange := func(s supervisor.Stream, from, to model.ConnState) {
		if c.OnConnState != nil {
			c.OnConnState(s, from, to)
		}
	}
	c.barLink.OnChange = onChange
	c.tradeLink.OnChange = onChange

	c.view.Store(&model.View{
		ConnectionState: model.ConnConnecting,
		TradeState:      model.ConnConnecting,
		Indicators:      map[string][]*float64{},
		Headline:        map[string]*float64{},
	})
	return c, nil
}

// Limit returns the series capacity.
func (c *Controller) Limit() int { return c.limit }

// ReconnectDelay returns the wait before a lost stream is redialed.
func (c *Controller) ReconnectDelay() time.Duration { return c.sched.Delay() }

// View returns the latest published view. The returned value shares
// immutable slices with the published snapshot; callers must not modify them.
func (c *Controller) View() model.View {
	return *c.view.Load()
}

// Updates returns the channel every published view is offered on. A slow
// reader loses intermediate views, never the latest one. Closed when Run returns.
func (c *Controller) Updates() <-chan *model.View {
	return c.updates
}

// Select makes (symbol, interval) the active selection. It validates and
// enqueues the request; the switch itself happens on the event loop.
// Selecting the active pair is a no-op.
func (c *Controller) Select(symbol, interval string) error {
	key, err := model.NewSelectionKey(symbol, interval)
	if err != nil {
		return err
	}
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	select {
	case c.control <- controlEvent{kind: ctlSelect, key: key}:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// Run processes events until ctx is cancelled. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: Run called twice")
	}
	c.runCtx = ctx
	defer func() {
		if c.cancelSel != nil {
			c.cancelSel()
		}
		c.sched.CancelAll()
		close(c.stopped)
		close(c.updates)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.control:
			c.handleControl(ev)
		case ev := <-c.bars:
			c.handleBar(ev)
		case ev := <-c.trades:
			c.handleTrade(ev)
		}
	}
}

func (c *Controller) handleControl(ev controlEvent) {
	switch ev.kind {
	case ctlSelect:
		c.switchTo(ev.key)
	case ctlSnapshot:
		c.applySnapshot(ev)
	case ctlTicket:
		c.fireTicket(ev.ticket)
	}
}

func (c *Controller) current(key model.SelectionKey, gen uint64) bool {
	return key == c.key && gen == c.gen
}

// switchTo tears down the previous selection and starts the new one.
func (c *Controller) switchTo(key model.SelectionKey) {
	if c.gen > 0 && key == c.key {
		return
	}
	if c.cancelSel != nil {
		c.cancelSel()
	}
	if n := c.sched.CancelAll(); n > 0 {
		log.Printf("[session] cancelled %d pending reconnects for %s", n, c.key)
	}

	c.gen++
	c.key = key
	c.selCtx, c.cancelSel = context.WithCancel(logger.WithSelection(c.runCtx, key, c.gen))
	c.series = nil
	c.indicators = nil
	c.pending = nil
	c.loading = false
	c.seeded = false
	c.unavailable = false
	c.errMsg = ""
	c.feed.Reset()
	c.barLink.Reset()
	c.tradeLink.Reset()

	slog.Info("selection changed", logger.LogWithSelection(c.selCtx)...)

	if cached, ok := c.cache.Get(key); ok {
		c.series = cached
		c.seeded = true
		c.indicators = indicator.Compute(c.series, c.specs)
		if c.OnSnapshot != nil {
			c.OnSnapshot(key, SourceCache, 0, nil)
		}
	} else {
		c.startLoad()
	}

	c.openBars()
	c.openTrades()
	c.publish()
}

// startLoad fetches a snapshot for the active selection in the background.
// The cache is not consulted; reseeds must see the upstream's state.
func (c *Controller) startLoad() {
	c.loading = true
	c.load++
	key, gen, load, ctx := c.key, c.gen, c.load, c.selCtx
	if len(c.series) > 0 {
		// Archived rows are older than what is on screen.
		ctx = snapshot.WithoutFallback(ctx)
	}
	start := c.now()

	go func() {
		series, err := c.loader.Load(ctx, key)
		ev := controlEvent{
			kind:    ctlSnapshot,
			key:     key,
			gen:     gen,
			load:    load,
			series:  series,
			err:     err,
			elapsed: time.Since(start),
		}
		select {
		case c.control <- ev:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) applySnapshot(ev controlEvent) {
	if !c.current(ev.key, ev.gen) || ev.load != c.load {
		return
	}
	if c.OnSnapshot != nil {
		c.OnSnapshot(ev.key, SourceFetch, ev.elapsed, ev.err)
	}
	c.loading = false

	switch {
	case ev.err == nil:
		c.series = ev.series
		c.seeded = true
		c.errMsg = ""
		replayed := c.replayPending()
		c.indicators = indicator.Compute(c.series, c.specs)
		c.cache.Put(c.key, c.series)
		slog.Info("snapshot seeded",
			append(logger.LogWithSelection(c.selCtx),
				slog.Int("bars", len(c.series)),
				slog.Int("replayed", replayed),
				slog.Duration("elapsed", ev.elapsed))...)

	case errors.Is(ev.err, snapshot.ErrDataUnavailable):
		c.unavailable = true
		c.series = nil
		c.indicators = nil
		c.pending = nil
		c.errMsg = ev.err.Error()
		slog.Warn("snapshot unavailable",
			append(logger.LogWithSelection(c.selCtx), slog.String("error", ev.err.Error()))...)

	default:
		// Keep whatever is displayed, with the bars that arrived meanwhile;
		// retry after the reconnect delay.
		if c.replayPending() > 0 {
			c.indicators = indicator.Compute(c.series, c.specs)
			if c.seeded {
				c.cache.Put(c.key, c.series)
			}
		}
		slog.Error("snapshot failed",
			append(logger.LogWithSelection(c.selCtx), slog.String("error", ev.err.Error()))...)
		c.sched.Schedule(supervisor.Ticket{Stream: supervisor.StreamSnapshot, Key: c.key, Generation: c.gen})
	}
	c.publish()
}

func (c *Controller) handleBar(ev barEvent) {
	if !c.current(ev.key, ev.gen) {
		return
	}
	switch ev.kind {
	case evOpen:
		if c.barLink.Opened() {
			c.publish()
		}
	case evMalformed:
		c.reportMalformed(supervisor.StreamBars, ev.err)
	case evClosed:
		c.streamLost(c.barLink, ev.err)
	case evData:
		c.applyBar(ev)
	}
}

func (c *Controller) applyBar(ev barEvent) {
	if c.unavailable {
		return
	}
	if !ev.payload.IsZero() && ev.payload != c.key {
		log.Printf("[session] dropping kline for %s on %s stream", ev.payload, c.key)
		return
	}

	if c.loading {
		c.buffer(ev.bar)
		return
	}

	var o reconciler.Outcome
	c.series, o = reconciler.Apply(c.series, ev.bar, c.limit)
	c.reportOutcome(o)
	if !o.Changed() {
		return
	}
	c.indicators = indicator.Compute(c.series, c.specs)
	if c.seeded {
		c.cache.Put(c.key, c.series)
	}
	c.publish()
}

// replayPending applies buffered live bars to the series and returns how
// many changed it.
func (c *Controller) replayPending() int {
	changed := 0
	for _, b := range c.pending {
		var o reconciler.Outcome
		c.series, o = reconciler.Apply(c.series, b, c.limit)
		c.reportOutcome(o)
		if o.Changed() {
			changed++
		}
	}
	c.pending = nil
	return changed
}

// buffer holds a live bar until the snapshot lands. Updates to the same
// period collapse; the oldest period is dropped beyond the series limit.
func (c *Controller) buffer(b model.Bar) {
	if n := len(c.pending); n > 0 && c.pending[n-1].OpenTime == b.OpenTime {
		c.pending[n-1] = b
		return
	}
	c.pending = append(c.pending, b)
	if len(c.pending) > c.limit {
		c.pending = c.pending[len(c.pending)-c.limit:]
	}
}

func (c *Controller) handleTrade(ev tradeEvent) {
	if !c.current(ev.key, ev.gen) {
		return
	}
	switch ev.kind {
	case evOpen:
		if c.tradeLink.Opened() {
			c.publish()
		}
	case evMalformed:
		c.reportMalformed(supervisor.StreamTrades, ev.err)
	case evClosed:
		c.streamLost(c.tradeLink, ev.err)
	case evData:
		if err := c.feed.Apply(ev.trade); err != nil {
			c.reportMalformed(supervisor.StreamTrades, err)
			return
		}
		c.publish()
	}
}

// streamLost marks a link lost and arms its reconnect. An unavailable
// selection has nothing to reseed, so its kline stream is left down.
func (c *Controller) streamLost(l *supervisor.Link, cause error) {
	if !l.Lost() {
		return
	}
	slog.Warn("stream lost",
		append(logger.LogWithSelection(c.selCtx),
			slog.String("stream", string(l.Stream())),
			slog.Any("error", cause),
			slog.Duration("retry_in", c.sched.Delay()))...)

	if !(l.Stream() == supervisor.StreamBars && c.unavailable) {
		c.sched.Schedule(supervisor.Ticket{Stream: l.Stream(), Key: c.key, Generation: c.gen})
	}
	c.publish()
}

func (c *Controller) postTicket(t supervisor.Ticket) {
	select {
	case c.control <- controlEvent{kind: ctlTicket, ticket: t}:
	case <-c.stopped:
	}
}

func (c *Controller) fireTicket(t supervisor.Ticket) {
	if !t.Matches(c.key, c.gen) {
		return
	}
	if c.OnReconnect != nil {
		c.OnReconnect(c.key, t.Stream)
	}

	switch t.Stream {
	case supervisor.StreamBars:
		if !c.barLink.Reconnecting() {
			return
		}
		// Bars missed while down are only recoverable from a fresh snapshot.
		c.startLoad()
		c.openBars()
	case supervisor.StreamTrades:
		if !c.tradeLink.Reconnecting() {
			return
		}
		c.openTrades()
	case supervisor.StreamSnapshot:
		if c.loading || c.unavailable {
			return
		}
		c.startLoad()
	}
	c.publish()
}

func (c *Controller) openBars() {
	key, gen, ctx := c.key, c.gen, c.selCtx
	send := func(ev barEvent) {
		ev.key, ev.gen = key, gen
		select {
		case c.bars <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		err := c.source.Bars(ctx, key, stream.Handlers{
			OnOpen: func() { send(barEvent{kind: evOpen}) },
			OnKline: func(k stream.KlineEvent) {
				send(barEvent{kind: evData, bar: k.Bar, payload: k.Key})
			},
			OnMalformed: func(err error) { send(barEvent{kind: evMalformed, err: err}) },
		})
		if ctx.Err() != nil {
			return
		}
		send(barEvent{kind: evClosed, err: err})
	}()
}

func (c *Controller) openTrades() {
	key, gen, ctx := c.key, c.gen, c.selCtx
	send := func(ev tradeEvent) {
		ev.key, ev.gen = key, gen
		select {
		case c.trades <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		err := c.source.Trades(ctx, key.Symbol, stream.Handlers{
			OnOpen:      func() { send(tradeEvent{kind: evOpen}) },
			OnTrade:     func(t model.Trade) { send(tradeEvent{kind: evData, trade: t}) },
			OnMalformed: func(err error) { send(tradeEvent{kind: evMalformed, err: err}) },
		})
		if ctx.Err() != nil {
			return
		}
		send(tradeEvent{kind: evClosed, err: err})
	}()
}

func (c *Controller) reportOutcome(o reconciler.Outcome) {
	if c.OnOutcome != nil {
		c.OnOutcome(c.key, o)
	}
}

func (c *Controller) reportMalformed(s supervisor.Stream, err error) {
	log.Printf("[session] malformed %s event on %s: %v", s, c.key, err)
	if c.OnMalformed != nil {
		c.OnMalformed(s, err)
	}
}

// publish stores a fresh immutable view and offers it to Updates.
func (c *Controller) publish() {
	c.seq++
	v := &model.View{
		Symbol:          c.key.Symbol,
		Interval:        c.key.Interval,
		Bars:            c.series.Clone(),
		Indicators:      c.indicators,
		LatestClose:     c.series.LatestClose(),
		Headline:        indicator.Headline(c.indicators),
		LivePrice:       c.feed.Price(),
		ConnectionState: c.barLink.State(),
		TradeState:      c.tradeLink.State(),
		IsLoading:       c.loading,
		Error:           c.errMsg,
		Seq:             c.seq,
		UpdatedAt:       c.now(),
	}
	if v.Bars == nil {
		v.Bars = model.Series{}
	}
	if v.Indicators == nil {
		v.Indicators = map[string][]*float64{}
	}
	c.view.Store(v)
	bus.Offer(c.updates, v)
}
