package staging

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"upload-relay/internal/logging"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Removed int
	Missing int
	Failed  int
}

// Sweep deletes every path that still exists. It never returns an error:
// failures are logged and counted so the caller can still answer the request.
func Sweep(paths []string) SweepReport {
	var rep SweepReport
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			rep.Removed++
		case errors.Is(err, fs.ErrNotExist):
			rep.Missing++
		default:
			rep.Failed++
			logging.Warn("staging_cleanup_failed", logging.Fields{"path": p}, err)
		}
	}
	return rep
}

// JanitorConfig controls the background removal of stale staging files.
type JanitorConfig struct {
	Enabled  bool
	Dir      string
	Interval time.Duration
	MaxAge   time.Duration
}

// StartJanitor periodically deletes staging files older than MaxAge. Files
// normally disappear with their request; this catches what a crashed process
// left behind. It blocks until ctx is done.
func StartJanitor(ctx context.Context, cfg JanitorConfig) {
	if !cfg.Enabled {
		log.Printf("service=janitor msg=%q", "disabled")
		return
	}

	log.Printf("service=janitor msg=%q dir=%s interval=%s max_age=%s",
		"starting", cfg.Dir, cfg.Interval, cfg.MaxAge)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	runJanitor(cfg, time.Now())

	for {
		select {
		case <-ctx.Done():
			log.Printf("service=janitor msg=%q", "shutting_down")
			return
		case now := <-ticker.C:
			runJanitor(cfg, now)
		}
	}
}

func runJanitor(cfg JanitorConfig, now time.Time) SweepReport {
	start := time.Now()
	cutoff := now.Add(-cfg.MaxAge)

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		log.Printf("service=janitor msg=%q err=%v", "read_dir_failed", err)
		return SweepReport{}
	}

	var stale []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(cfg.Dir, e.Name()))
		}
	}

	rep := Sweep(stale)
	if len(stale) > 0 {
		log.Printf("service=janitor msg=%q removed=%d failed=%d duration_ms=%d",
			"janitor_complete", rep.Removed, rep.Failed, time.Since(start).Milliseconds())
	}
	return rep
}
