package crawler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"landwatch/config"
	"landwatch/utils"
)

// DriverControl is the browser lifecycle as the orchestrator sees it.
type DriverControl interface {
	Start() error
	Restart(reason string) error
	Stop()
	Context() context.Context
}

// MemorySampler reports the resident memory of the browser process tree
// in bytes. Implementations that cannot sample return an error, which
// makes the orchestrator fall back to restart-every-N-targets.
type MemorySampler interface {
	RSS() (int64, error)
}

// Driver owns the chromedp allocator and browser context. It is used
// exclusively by the crawl worker goroutine and never shared.
type Driver struct {
	cfg    *config.Config
	logger *utils.Logger

	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewDriver creates an unstarted Driver.
func NewDriver(cfg *config.Config, logger *utils.Logger) *Driver {
	return &Driver{cfg: cfg, logger: logger}
}

// Start launches a fresh headless browser.
func (d *Driver) Start() error {
	chromeBin := d.cfg.ChromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	d.logger.Debug("[driver] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("lang", "ko-KR"),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	// Suppress chromedp log noise
	ctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	if err := chromedp.Run(ctx); err != nil {
		cancel()
		cancelAlloc()
		return fmt.Errorf("driver: start browser: %w", err)
	}

	d.allocCancel = cancelAlloc
	d.ctx = ctx
	d.cancel = cancel
	return nil
}

// Restart quits the browser gracefully and launches a new one.
func (d *Driver) Restart(reason string) error {
	d.logger.Info("[driver] Restarting browser: %s", reason)
	d.Stop()
	return d.Start()
}

// Stop tears down the browser and allocator.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
	}
	d.ctx = nil
}

// Context returns the live browser context, or a background context when
// the driver is stopped.
func (d *Driver) Context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// findChromeBinary locates a Chrome/Chromium binary.
func findChromeBinary() string {
	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ChromeMemorySampler sums the resident memory of every chrome/chromium
// process under /proc. Coarse, but it tracks the renderer growth that
// forces periodic restarts.
type ChromeMemorySampler struct{}

// RSS returns total resident bytes of matching processes.
func (ChromeMemorySampler) RSS() (int64, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("sampler: read /proc: %w", err)
	}

	var total int64
	found := false
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(comm))
		if !strings.Contains(name, "chrom") {
			continue
		}
		rss, err := readVmRSS(pid)
		if err != nil {
			continue
		}
		total += rss
		found = true
	}
	if !found {
		return 0, fmt.Errorf("sampler: no chrome process found")
	}
	return total, nil
}

func readVmRSS(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("sampler: VmRSS not found for pid %d", pid)
}
