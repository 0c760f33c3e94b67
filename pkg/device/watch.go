package device

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

// Watch refreshes the device list whenever the watched paths change and
// every poll interval, and sends every non-empty Diff on the returned
// channel. The baseline is taken before Watch returns. The channel is
// closed once ctx is done.
func (r *Registry) Watch(ctx context.Context) (<-chan Diff, error) {
	if _, err := r.Refresh(); err != nil {
		return nil, err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warnf("hot-plug notifications unavailable, polling only: %v", err)
	} else {
		for _, p := range r.watchPaths {
			if err := watcher.Add(p); err != nil {
				r.log.Warnf("cannot watch %s: %v", p, err)
			}
		}
		events, errs = watcher.Events, watcher.Errors
	}

	diffs := make(chan Diff)
	go func() {
		defer close(diffs)
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := r.clock.Ticker(r.pollInterval)
		defer ticker.Stop()

		var debounce *clock.Timer
		var settled <-chan time.Time
		stopDebounce := func() {
			if debounce != nil {
				debounce.Stop()
			}
			debounce, settled = nil, nil
		}
		defer stopDebounce()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				r.log.Tracef("hot-plug event %s", ev)
				stopDebounce()
				debounce = r.clock.Timer(r.debounce)
				settled = debounce.C
				continue
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				r.log.Warnf("hot-plug watcher: %v", err)
				continue
			case <-settled:
				debounce, settled = nil, nil
			case <-ticker.C:
			}

			diff, err := r.Refresh()
			if err != nil {
				r.log.Warnf("refreshing devices: %v", err)
				continue
			}
			if diff.Empty() {
				continue
			}
			select {
			case diffs <- diff:
			case <-ctx.Done():
				return
			}
		}
	}()

	return diffs, nil
}
