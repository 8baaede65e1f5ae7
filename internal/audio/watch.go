package audio

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/sjawhar/click2call/internal/device"
)

// WatchDevices polls the device list. PortAudio has no hotplug callback, so
// each poll cycles PortAudio to rescan and a change is noticed at most one
// poll interval late. While a capture is open the rescan is skipped and only
// devices PortAudio already knows are compared.
func (p *Platform) WatchDevices(ctx context.Context) (device.Watcher, error) {
	initial, err := p.fingerprint(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		changes: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.poll(ctx, p, initial)
	return w, nil
}

func (p *Platform) fingerprint(ctx context.Context) (string, error) {
	devices, err := p.EnumerateDevices(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	slices.Sort(ids)
	return strings.Join(ids, ","), nil
}

type watcher struct {
	changes chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *watcher) Changes() <-chan struct{} { return w.changes }

func (w *watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *watcher) poll(ctx context.Context, p *Platform, last string) {
	defer close(w.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.refresh(); err != nil {
			p.logger.Warn("audio: device rescan failed", "error", err)
			continue
		}
		current, err := p.fingerprint(ctx)
		if err != nil {
			p.logger.Debug("audio: device poll failed", "error", err)
			continue
		}
		if current == last {
			continue
		}
		last = current
		select {
		case w.changes <- struct{}{}:
		default:
		}
	}
}
