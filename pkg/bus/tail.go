package bus

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tail repeatedly polls for consumer until ctx is cancelled, invoking fn
// for each new event. The poll interval is the source of truth (matching
// §4.7's "tail the bus log on a short poll interval"); an fsnotify watch
// on the log file is layered on top purely as a wake-up accelerant,
// grounded on the debounced-signal file-tailing pattern used elsewhere in
// the pack — if the watch fails to start (e.g. inotify limits exhausted)
// that failure is logged and ignored, and the ticker alone still drives
// delivery.
func (b *Bus) Tail(ctx context.Context, consumer string, pollInterval time.Duration, fn func(Event) error) {
	logger := b.logger.With("consumer", consumer)

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, falling back to ticker-only polling", "error", err)
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(b.dir); err != nil {
			logger.Warn("fsnotify watch on messages dir failed, falling back to ticker-only polling", "error", err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Name == b.logPath() && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
						select {
						case wake <- struct{}{}:
						default:
						}
					}
				case werr, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.Warn("fsnotify error", "error", werr)
				}
			}
		}()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	poll := func() {
		if err := b.Poll(consumer, fn); err != nil {
			logger.Error("bus poll failed", "error", err)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		case <-wake:
			poll()
		}
	}
}
