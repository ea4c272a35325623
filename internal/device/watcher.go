// Package device turns a position-reporting device into a stream of
// types.LocationUpdate values.
//
// A Source wraps one kind of hardware or transport (serial NMEA receiver, MQTT
// topic, Teltonika tracker over TCP). A Watcher subscribes to a Source and
// delivers updates to a single callback until its Handle is stopped.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

// Options mirror the knobs of a continuous position watch.
type Options struct {
	// HighAccuracy asks the source to discard low-quality fixes.
	HighAccuracy bool
	// Timeout is how long to wait for a fix before reporting ErrLocationTimeout.
	// Zero disables the timeout.
	Timeout time.Duration
	// MaximumAge is how old a re-reported fix may be and still be delivered.
	MaximumAge time.Duration
}

// DefaultOptions is high accuracy, a 60s timeout and no cached fixes.
func DefaultOptions() Options {
	return Options{HighAccuracy: true, Timeout: 60 * time.Second, MaximumAge: 0}
}

// Reading is one raw report from a Source.
type Reading struct {
	Point    types.GeoPoint
	Time     time.Time
	Accuracy float64
	Err      error
}

// Source is a device position capability.
type Source interface {
	Name() string
	// Available reports whether the capability exists at all.
	Available() error
	// Open starts reporting. The channel is closed once ctx is done or the
	// source can no longer report.
	Open(ctx context.Context, opts Options) (<-chan Reading, error)
}

// Watcher delivers a Source's readings to one callback.
type Watcher struct {
	src  Source
	opts Options
	now  func() time.Time
}

func NewWatcher(src Source, opts Options) *Watcher {
	return &Watcher{src: src, opts: opts, now: time.Now}
}

// Handle controls a running watch.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop ends the watch. No callback runs after Stop returns. Stop must not be
// called from inside the callback.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed when the watch has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start subscribes onUpdate to the source. If the source is missing it returns
// an error wrapping types.ErrLocationUnavailable and never calls onUpdate.
func (w *Watcher) Start(ctx context.Context, onUpdate func(types.LocationUpdate)) (*Handle, error) {
	if err := w.src.Available(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrLocationUnavailable, w.src.Name(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	readings, err := w.src.Open(ctx, w.opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrLocationUnavailable, w.src.Name(), err)
	}

	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go w.run(ctx, readings, onUpdate, h.done)
	return h, nil
}

func (w *Watcher) run(ctx context.Context, readings <-chan Reading, onUpdate func(types.LocationUpdate), done chan struct{}) {
	defer close(done)

	var timeout <-chan time.Time
	var timer *time.Timer
	if w.opts.Timeout > 0 {
		timer = time.NewTimer(w.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var last lastFix
	for {
		select {
		case <-ctx.Done():
			return

		case r, ok := <-readings:
			if ctx.Err() != nil {
				return
			}
			if !ok {
				onUpdate(types.ErrorUpdate(fmt.Errorf("%w: %s stopped reporting", types.ErrLocationUpdate, w.src.Name())))
				return
			}
			if timer != nil {
				timer.Reset(w.opts.Timeout)
			}
			if u, deliver := w.convert(r, &last); deliver {
				onUpdate(u)
			}

		case <-timeout:
			if ctx.Err() != nil {
				return
			}
			onUpdate(types.ErrorUpdate(types.ErrLocationTimeout))
			timer.Reset(w.opts.Timeout)
		}
	}
}

// lastFix is the most recently delivered position.
type lastFix struct {
	point types.GeoPoint
	time  time.Time
}

// cached reports whether a fix re-reports or predates the last delivered one.
// Sources with whole-second clocks can send several distinct fixes per
// second, so an equal timestamp only counts when the point is unchanged too.
func (l lastFix) cached(p types.GeoPoint, ts time.Time) bool {
	if l.time.IsZero() {
		return false
	}
	return ts.Before(l.time) || (ts.Equal(l.time) && p == l.point)
}

func (w *Watcher) convert(r Reading, last *lastFix) (types.LocationUpdate, bool) {
	if r.Err != nil {
		err := r.Err
		if !errors.Is(err, types.ErrLocationUpdate) {
			err = fmt.Errorf("%w: %s: %v", types.ErrLocationUpdate, w.src.Name(), err)
		}
		return types.ErrorUpdate(err), true
	}
	if err := r.Point.Validate(); err != nil {
		return types.ErrorUpdate(fmt.Errorf("%w: %s: %v", types.ErrLocationUpdate, w.src.Name(), err)), true
	}

	ts := r.Time
	if ts.IsZero() {
		ts = w.now()
	}
	if last.cached(r.Point, ts) {
		if w.opts.MaximumAge <= 0 || w.now().Sub(ts) > w.opts.MaximumAge {
			monitoring.Logf("[%s] dropping cached fix from %s", w.src.Name(), ts.Format(time.RFC3339))
			return types.LocationUpdate{}, false
		}
	}
	*last = lastFix{point: r.Point, time: ts}

	u := types.PositionUpdate(r.Point, ts)
	u.Accuracy = r.Accuracy
	return u, true
}
