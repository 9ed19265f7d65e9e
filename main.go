package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"landwatch/cache"
	"landwatch/config"
	"landwatch/crawler"
	"landwatch/models"
	"landwatch/storage"
	"landwatch/tracker"
	"landwatch/utils"
)

func main() {
	logger := utils.NewLogger(os.Getenv("VERBOSE") != "")
	cfg := config.Load()

	logger.Info("=== landwatch starting ===")
	logger.Info("Config — db: %s | cache: %s (ttl %v) | retries: %d | preset: %s",
		cfg.DBPath, cfg.CachePath, cfg.CacheTTL, cfg.MaxRetries, cfg.SpeedPreset.Name)

	pool, err := storage.NewPool(cfg.DBPath, cfg.PoolSize, cfg.PoolTimeout, logger)
	if err != nil {
		logger.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer pool.CloseAll()

	store, err := storage.NewStore(pool, logger)
	if err != nil {
		logger.Error("Failed to migrate schema: %v", err)
		os.Exit(1)
	}

	resultCache, err := cache.New(cfg.CachePath, cfg.CacheTTL, cfg.CacheMaxEntries, logger)
	if err != nil {
		logger.Error("Failed to open result cache: %v", err)
		os.Exit(1)
	}

	var mirror storage.ListingSink
	if cfg.MirrorDSN != "" {
		m, err := storage.NewPostgresMirror(cfg.MirrorDSN)
		if err != nil {
			logger.Error("Postgres mirror unavailable: %v — continuing without it", err)
		} else {
			mirror = m
			defer m.Close()
		}
	}

	targets, err := loadTargets(store)
	if err != nil {
		logger.Error("Failed to load targets: %v", err)
		os.Exit(1)
	}
	if len(targets) == 0 {
		logger.Error("No targets configured. Set TARGETS=\"name:complexID,...\" or add complexes to the database.")
		os.Exit(1)
	}

	trk := tracker.New(store, cfg.PriceChangeThreshold, logger)
	driver := crawler.NewDriver(cfg, logger)
	orch := crawler.New(cfg, logger, crawler.Options{
		Store:   store,
		Tracker: trk,
		Cache:   resultCache,
		Driver:  driver,
		Sampler: crawler.ChromeMemorySampler{},
		Mirror:  mirror,
	})

	params := crawler.RunParams{
		Targets:    targets,
		TradeTypes: parseTradeTypes(os.Getenv("TRADE_TYPES")),
		AreaFilter: models.AreaFilter{
			MinM2: envFloat("AREA_MIN_M2"),
			MaxM2: envFloat("AREA_MAX_M2"),
		},
		PriceFilter: models.PriceFilter{
			Min: envInt("PRICE_MIN"),
			Max: envInt("PRICE_MAX"),
		},
	}

	if err := orch.Start(params); err != nil {
		logger.Error("Could not start crawl: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("Interrupt received — stopping after current page")
		orch.Stop()
		if !orch.Shutdown(30 * time.Second) {
			logger.Error("Worker did not exit in time — forcing browser shutdown")
			driver.Stop()
		}
	}()

	var results []models.ListingRecord
	var finalStats models.CrawlStats
	alerts := 0

	for ev := range eventsUntilFinished(orch) {
		switch e := ev.(type) {
		case crawler.LogEvent:
			if e.Severity == "error" {
				logger.Error("%s", e.Message)
			}
		case crawler.ProgressEvent:
			logger.Info("Progress %.0f%% — %s (ETA %ds)", e.Percent, e.Label, e.ETASeconds)
		case crawler.ComplexFinishedEvent:
			logger.Info("Finished %s [%s]: %d listings", e.Name, e.TradeTypesCSV, e.Count)
		case crawler.AlertTriggeredEvent:
			alerts++
			logger.Info("ALERT rule %d: %s %s %s (%.1f㎡)",
				e.RuleID, e.ComplexName, e.TradeType, e.PriceText, e.AreaM2)
		case crawler.StatsEvent:
			finalStats = e.Stats
		case crawler.ErrorEvent:
			logger.Error("Run failed: %s", e.Message)
		case crawler.FinishedEvent:
			results = e.Items
		}
	}

	printSummary(results, finalStats, alerts)
}

// eventsUntilFinished adapts the orchestrator channel into one that closes
// after the terminal event, so main can simply range over it.
func eventsUntilFinished(orch *crawler.Orchestrator) <-chan crawler.Event {
	out := make(chan crawler.Event)
	go func() {
		defer close(out)
		for ev := range orch.Events() {
			out <- ev
			if _, terminal := ev.(crawler.FinishedEvent); terminal {
				return
			}
		}
	}()
	return out
}

// loadTargets prefers the TARGETS env override, else the tracked
// complexes in the database.
func loadTargets(store *storage.Store) ([]models.CrawlTarget, error) {
	if raw := os.Getenv("TARGETS"); raw != "" {
		var targets []models.CrawlTarget
		for _, part := range strings.Split(raw, ",") {
			name, id, found := strings.Cut(strings.TrimSpace(part), ":")
			if !found || id == "" {
				return nil, fmt.Errorf("bad TARGETS entry %q (want name:complexID)", part)
			}
			t := models.CrawlTarget{Name: name, ComplexID: id}
			if err := store.AddComplex(t); err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
		return targets, nil
	}
	return store.ListComplexes()
}

func envFloat(key string) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0
	}
	return f
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

func parseTradeTypes(raw string) []models.TradeType {
	if raw == "" {
		return []models.TradeType{models.Sale, models.Jeonse, models.MonthlyRent}
	}
	var tts []models.TradeType
	for _, code := range strings.Split(raw, ",") {
		switch strings.ToUpper(strings.TrimSpace(code)) {
		case "A1":
			tts = append(tts, models.Sale)
		case "B1":
			tts = append(tts, models.Jeonse)
		case "B2":
			tts = append(tts, models.MonthlyRent)
		}
	}
	if len(tts) == 0 {
		return []models.TradeType{models.Sale}
	}
	return tts
}

func printSummary(results []models.ListingRecord, stats models.CrawlStats, alerts int) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	bold.Println("=== Crawl summary ===")
	fmt.Printf("  Listings collected: %d\n", len(results))
	fmt.Printf("  Filtered out:       %d\n", stats.FilteredOut)
	fmt.Printf("  Cache hits:         %d\n", stats.CacheHits)
	for tt, n := range stats.ByTradeType {
		fmt.Printf("  %-6s            %d\n", tt+":", n)
	}

	newCount, changed := 0, 0
	for i := range results {
		if results[i].IsNew {
			newCount++
		} else if results[i].PriceChange != 0 {
			changed++
		}
	}
	green.Printf("  New listings:       %d\n", newCount)
	yellow.Printf("  Price changes:      %d\n", changed)
	if alerts > 0 {
		bold.Printf("  Alerts triggered:   %d\n", alerts)
	}
	fmt.Println()
}
