package crawler

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"landwatch/cache"
	"landwatch/config"
	"landwatch/models"
	"landwatch/storage"
	"landwatch/tracker"
	"landwatch/utils"
)

// RunParams are one run's inputs, supplied by the consumer.
type RunParams struct {
	Targets     []models.CrawlTarget
	TradeTypes  []models.TradeType
	AreaFilter  models.AreaFilter
	PriceFilter models.PriceFilter
}

// Options are the orchestrator's collaborators. Fetcher and Sampler are
// injectable for tests; Mirror is optional.
type Options struct {
	Store   *storage.Store
	Tracker *tracker.Tracker
	Cache   *cache.Cache
	Driver  DriverControl
	Fetcher PageFetcher
	Sampler MemorySampler
	Mirror  storage.ListingSink
}

// Orchestrator runs the crawl state machine on a dedicated worker
// goroutine and reports to its consumer over the event channel. Per cell:
// CacheLookup → [hit: Filter] | [miss: Navigate → Wait → Scroll →
// Extract] → Filter → Enrich → Persist → CacheWrite → Emit.
type Orchestrator struct {
	cfg    *config.Config
	logger *utils.Logger

	store     *storage.Store
	tracker   *tracker.Tracker
	cache     *cache.Cache
	driver    DriverControl
	fetcher   PageFetcher
	sampler   MemorySampler
	mirror    storage.ListingSink
	retry     *utils.RetryConfig
	extractor Extractor

	events  chan Event
	running atomic.Bool
	done    chan struct{}

	// stop is closed by Stop so a worker parked on a reliable send to an
	// unread events channel still unblocks. Recreated per run.
	stopMu sync.Mutex
	stop   chan struct{}

	stats   *models.CrawlStats
	results []models.ListingRecord
}

// New wires an Orchestrator. When opts.Fetcher is nil the chromedp Page
// fetcher is used.
func New(cfg *config.Config, logger *utils.Logger, opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		store:   opts.Store,
		tracker: opts.Tracker,
		cache:   opts.Cache,
		driver:  opts.Driver,
		fetcher: opts.Fetcher,
		sampler: opts.Sampler,
		mirror:  opts.Mirror,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Logger:      logger,
		},
		events: make(chan Event, 256),
	}
	if o.fetcher == nil {
		o.fetcher = NewPage(cfg, logger, &o.running)
	}
	return o
}

// Events returns the worker→consumer channel.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Start launches the crawl worker. It fails if a run is already active.
func (o *Orchestrator) Start(params RunParams) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: run already active")
	}

	o.stats = models.NewCrawlStats()
	o.results = nil
	o.done = make(chan struct{})
	o.stopMu.Lock()
	o.stop = make(chan struct{})
	o.stopMu.Unlock()

	go o.run(params)
	return nil
}

// Stop requests a cooperative stop and returns immediately. The worker
// exits at the next loop checkpoint; nothing in flight is hard-killed,
// but a worker blocked sending to an unread events channel is released.
func (o *Orchestrator) Stop() {
	o.running.Store(false)
	o.stopMu.Lock()
	defer o.stopMu.Unlock()
	if o.stop == nil {
		return
	}
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
}

func (o *Orchestrator) stopCh() <-chan struct{} {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()
	return o.stop
}

// Shutdown stops the run and waits up to timeout for the worker to exit,
// reporting whether it did.
func (o *Orchestrator) Shutdown(timeout time.Duration) bool {
	o.Stop()
	if o.done == nil {
		return true
	}
	select {
	case <-o.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (o *Orchestrator) run(params RunParams) {
	started := time.Now()
	runID, err := o.store.RecordRun(started.Format(time.RFC3339))
	if err != nil {
		o.logger.Error("[crawl] could not record run: %v", err)
	}

	status := "completed"
	var runErr string

	defer func() {
		if r := recover(); r != nil {
			status = "error"
			runErr = fmt.Sprintf("%v", r)
			o.logger.Error("[crawl] run aborted: %v", r)
			o.emitReliable(ErrorEvent{Message: runErr})
		}

		o.driver.Stop()
		if o.cache != nil {
			if err := o.cache.Flush(); err != nil {
				o.logger.Error("[crawl] cache flush: %v", err)
			}
		}
		if runID > 0 {
			if err := o.store.FinishRun(runID, time.Now().Format(time.RFC3339),
				status, o.stats.TotalFound, runErr); err != nil {
				o.logger.Error("[crawl] could not finish run record: %v", err)
			}
		}
		// The terminal event is the very last action: once a consumer sees
		// it, the worker is gone and a new run may start.
		fin := FinishedEvent{Items: o.results}
		o.running.Store(false)
		close(o.done)
		o.emitReliable(fin)
	}()

	if err := o.driver.Start(); err != nil {
		panic(fmt.Sprintf("driver start: %v", err))
	}

	o.emitLog("info", "Crawl started: %d targets × %d trade types",
		len(params.Targets), len(params.TradeTypes))

	cells := len(params.Targets) * len(params.TradeTypes)
	processed := 0
	ttCSV := tradeTypesCSV(params.TradeTypes)

	for ti := range params.Targets {
		target := params.Targets[ti]
		if !o.running.Load() {
			o.emitLog("info", "Stop requested — ending run early")
			break
		}

		o.maybeRestartDriver(ti)

		targetCount := 0
		for _, tt := range params.TradeTypes {
			if !o.running.Load() {
				break
			}

			o.emitProgress(processed, cells, started,
				fmt.Sprintf("%s (%s)", target.Name, tt))

			items, err := o.processCell(target, tt, params)
			if err != nil && isSessionFatal(err) && o.running.Load() {
				o.logger.Warn("[crawl] session-fatal on %s/%s — reinitializing driver", target.Name, tt)
				if rerr := o.driver.Restart("session lost: " + err.Error()); rerr == nil {
					items, err = o.processCell(target, tt, params)
				} else {
					err = fmt.Errorf("driver restart failed: %w (after %v)", rerr, err)
				}
			}
			if err != nil {
				// Cell-local: logged, counted as zero results, run continues.
				o.logger.Error("[crawl] cell %s/%s failed: %v", target.Name, tt, err)
				o.emitLog("error", "%s (%s) failed: %v", target.Name, tt, err)
			} else {
				targetCount += len(items)
				o.results = append(o.results, items...)
			}

			processed++
			o.interCellDelay()
		}

		o.emitReliable(ComplexFinishedEvent{
			Name:          target.Name,
			ComplexID:     target.ComplexID,
			TradeTypesCSV: ttCSV,
			Count:         targetCount,
		})
	}

	o.emitProgress(cells, cells, started, "done")
	o.emitLog("info", "Crawl finished: %d listings (%d filtered out, %d cache hits)",
		o.stats.TotalFound, o.stats.FilteredOut, o.stats.CacheHits)
}

// processCell handles one (target, tradeType) cell end to end and returns
// its enriched listings.
func (o *Orchestrator) processCell(target models.CrawlTarget, tt models.TradeType, params RunParams) ([]models.ListingRecord, error) {
	key := cache.Key(target.ComplexID, tt)
	today := time.Now().Format("2006-01-02")

	var raw []models.ListingRecord
	fromCache := false

	if o.cfg.CacheEnabled && o.cache != nil {
		if items, ok := o.cache.Get(key); ok {
			raw = items
			fromCache = true
			o.stats.CacheHits++
			o.logger.Info("[crawl] cache hit for %s (%d items)", key, len(items))
		}
	}

	if !fromCache {
		url := o.buildURL(target, tt)
		var htmls []string
		err := o.retry.Do(o.driver.Context(), "fetch "+key, func() error {
			var ferr error
			htmls, ferr = o.fetcher.FetchItems(o.driver.Context(), url)
			return ferr
		})
		if err != nil {
			return nil, err
		}

		now := time.Now()
		for _, h := range htmls {
			rec, perr := o.extractor.ParseItem(h, target, tt, now)
			if perr != nil {
				switch {
				case errors.Is(perr, ErrOtherTradeType):
					o.logger.Debug("[crawl] %s: skipped — other trade type", key)
				case errors.Is(perr, ErrNoArea), errors.Is(perr, ErrNoListing):
					o.logger.Debug("[crawl] %s: skipped — %v", key, perr)
				default:
					o.logger.Warn("[crawl] %s: item parse failed: %v", key, perr)
				}
				continue
			}
			if rec.ListingID == "" {
				rec.ListingID = synthListingID(rec)
			}
			raw = append(raw, *rec)
		}
	}

	o.stats.TotalFound += len(raw)
	o.stats.ByTradeType[tt.String()] += len(raw)

	filtered := make([]models.ListingRecord, 0, len(raw))
	for i := range raw {
		if params.AreaFilter.Allows(raw[i].AreaM2) && params.PriceFilter.Allows(raw[i].Price) {
			filtered = append(filtered, raw[i])
		} else {
			o.stats.FilteredOut++
		}
	}

	enriched, err := o.tracker.Enrich(target.ComplexID, tt, filtered, today)
	if err != nil {
		return nil, err
	}

	if err := o.store.SaveSnapshots(today, enriched); err != nil {
		o.logger.Error("[crawl] snapshot write failed for %s: %v", key, err)
		o.emitLog("error", "snapshot write failed for %s: %v", key, err)
	}

	// The fetch succeeded (possibly with zero items), so the sweep is safe:
	// zero results here means the listings are genuinely gone.
	if o.cfg.TrackDisappeared {
		if _, err := o.tracker.Reconcile(target.ComplexID, tt, today); err != nil {
			o.logger.Error("[crawl] reconcile failed for %s: %v", key, err)
		}
	}

	matches, err := o.tracker.MatchAlerts(target.ComplexID, tt, enriched)
	if err != nil {
		o.logger.Error("[crawl] alert matching failed for %s: %v", key, err)
	}
	for _, m := range matches {
		o.emitReliable(AlertTriggeredEvent{
			ComplexName: target.Name,
			TradeType:   tt,
			PriceText:   FormatPrice(m.Listing.Price),
			AreaM2:      m.Listing.AreaM2,
			RuleID:      m.Rule.ID,
		})
	}

	if o.mirror != nil {
		if err := o.mirror.Write(enriched); err != nil {
			o.logger.Error("[crawl] mirror write failed for %s: %v", key, err)
		}
	}

	// Persistence writes above always precede the cache write.
	if o.cfg.CacheEnabled && o.cache != nil && !fromCache && len(raw) > 0 {
		o.cache.Set(key, raw)
	}

	o.emitReliable(ItemsBatchEvent{Items: enriched})
	o.emit(StatsEvent{Stats: o.statsSnapshot()})
	return enriched, nil
}

func (o *Orchestrator) buildURL(target models.CrawlTarget, tt models.TradeType) string {
	return fmt.Sprintf("%s/complexes/%s?a=APT&e=RETAIL&tradeTypes=%s",
		o.cfg.BaseURL, target.ComplexID, tt.Code())
}

// maybeRestartDriver restarts the browser before a target when its memory
// exceeds the threshold, falling back to restart-every-N when memory
// introspection is unavailable.
func (o *Orchestrator) maybeRestartDriver(targetIdx int) {
	if o.sampler != nil {
		rss, err := o.sampler.RSS()
		if err == nil {
			threshold := int64(o.cfg.MemoryThresholdMB) * 1024 * 1024
			if rss > threshold {
				if rerr := o.driver.Restart(fmt.Sprintf("memory %dMB over %dMB threshold",
					rss>>20, o.cfg.MemoryThresholdMB)); rerr != nil {
					o.logger.Error("[crawl] driver restart failed: %v", rerr)
				}
			}
			return
		}
		o.logger.Debug("[crawl] memory sampling unavailable (%v) — using periodic restarts", err)
	}

	if o.cfg.RestartEveryN > 0 && targetIdx > 0 && targetIdx%o.cfg.RestartEveryN == 0 {
		if err := o.driver.Restart(fmt.Sprintf("periodic restart after %d targets", targetIdx)); err != nil {
			o.logger.Error("[crawl] driver restart failed: %v", err)
		}
	}
}

func (o *Orchestrator) interCellDelay() {
	if !o.running.Load() {
		return
	}
	min, max := o.cfg.SpeedPreset.MinDelay, o.cfg.SpeedPreset.MaxDelay
	delay := min
	if max > min {
		delay += time.Duration(rand.Int63n(int64(max - min)))
	}
	time.Sleep(delay)
}

func (o *Orchestrator) statsSnapshot() models.CrawlStats {
	snap := models.CrawlStats{
		TotalFound:  o.stats.TotalFound,
		FilteredOut: o.stats.FilteredOut,
		CacheHits:   o.stats.CacheHits,
		ByTradeType: make(map[string]int, len(o.stats.ByTradeType)),
	}
	for k, v := range o.stats.ByTradeType {
		snap.ByTradeType[k] = v
	}
	return snap
}

// emit sends progress-class events best-effort; a full channel drops them
// rather than blocking the worker.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}

// emitReliable delivers item batches and terminal signals, waiting for
// the consumer unless the run has been stopped. A stopped run drops the
// event instead of wedging the worker on an unread channel; results stay
// reachable through the run's accumulated state.
func (o *Orchestrator) emitReliable(ev Event) {
	select {
	case o.events <- ev:
	case <-o.stopCh():
	}
}

func (o *Orchestrator) emitLog(severity, format string, args ...any) {
	o.emit(LogEvent{Message: fmt.Sprintf(format, args...), Severity: severity})
}

func (o *Orchestrator) emitProgress(processed, cells int, started time.Time, label string) {
	if cells == 0 {
		return
	}
	eta := 0
	if processed > 0 {
		perCell := time.Since(started) / time.Duration(processed)
		eta = int((perCell * time.Duration(cells-processed)).Seconds())
	}
	o.emit(ProgressEvent{
		Percent:    float64(processed) / float64(cells) * 100,
		Label:      label,
		ETASeconds: eta,
	})
}

var sessionFatalPatterns = []string{
	"invalid session",
	"session not created",
	"no such window",
	"target closed",
	"browser closed",
	"websocket: close",
	"context canceled",
}

// isSessionFatal reports whether the error means the browser session is
// gone and only a driver reinit can help.
func isSessionFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range sessionFatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// synthListingID derives a stable fallback ID for items whose listing ID
// could not be extracted, so re-sightings diff against the same row. The
// price is deliberately excluded: it is the one field the diff tracks, and
// hashing it would mint a new row on every price change.
func synthListingID(rec *models.ListingRecord) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%.1f|%s", rec.ComplexID, rec.TradeType, rec.AreaM2, rec.FloorInfo)
	return fmt.Sprintf("gen-%x", h.Sum64())
}

func tradeTypesCSV(tts []models.TradeType) string {
	parts := make([]string, len(tts))
	for i, tt := range tts {
		parts[i] = tt.String()
	}
	return strings.Join(parts, ",")
}

// FormatPrice renders a 만원 amount the way the source shows it,
// e.g. 102000 → "10억 2,000".
func FormatPrice(man int) string {
	if man <= 0 {
		return "0"
	}
	eok := man / 10000
	rest := man % 10000
	switch {
	case eok > 0 && rest > 0:
		return fmt.Sprintf("%d억 %s", eok, comma(rest))
	case eok > 0:
		return fmt.Sprintf("%d억", eok)
	default:
		return comma(rest)
	}
}

func comma(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
