package ops

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
)

// Holder keeps the current configuration for concurrent readers.
type Holder struct {
	v atomic.Pointer[Loaded]
}

// NewHolder stores the initial configuration.
func NewHolder(l Loaded) *Holder {
	h := &Holder{}
	h.v.Store(&l)
	return h
}

// Load returns the current configuration.
func (h *Holder) Load() Loaded {
	return *h.v.Load()
}

// Update replaces the current configuration.
func (h *Holder) Update(l Loaded) {
	h.v.Store(&l)
}

// Watch polls path every interval and calls update with the reloaded
// configuration whenever the file's modification time moves forward. A file
// that fails to load is logged and retried on the next change.
func Watch(ctx context.Context, path string, interval time.Duration, update func(Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			loaded, err := Load(path)
			if err != nil {
				logs.Errorf("config reload failed, err: %+v", err)
				continue
			}
			update(loaded)
			logs.Infof("config reloaded: %s", path)
		}
	}
}
