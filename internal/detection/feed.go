package detection

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/intersection/internal/monitoring"
	"github.com/banshee-data/intersection/internal/timeutil"
)

var logf = monitoring.Component("detection")

// DefaultFeedInterval is the detection period per road.
const DefaultFeedInterval = 500 * time.Millisecond

// FeedOptions configures a Feed.
type FeedOptions struct {
	Interval time.Duration  // defaults to DefaultFeedInterval
	Clock    timeutil.Clock // defaults to timeutil.RealClock
}

// Feed runs one periodic detection loop per road. Each loop calls the
// detector on its own goroutine and hands the measurement to the road's
// callback.
//
// Callbacks must not call back into the Feed: Stop waits for the road's loop
// to exit, so a callback that stops its own feed would deadlock.
type Feed struct {
	detector Detector
	interval time.Duration
	clock    timeutil.Clock

	mu    sync.Mutex
	roads map[string]*feedLoop
}

type feedLoop struct {
	stop chan struct{}
	done chan struct{}
}

// NewFeed creates a feed with no roads running.
func NewFeed(d Detector, opts FeedOptions) *Feed {
	if opts.Interval <= 0 {
		opts.Interval = DefaultFeedInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Feed{
		detector: d,
		interval: opts.Interval,
		clock:    opts.Clock,
		roads:    make(map[string]*feedLoop),
	}
}

// Start begins emitting measurements for road, replacing any loop already
// running for it.
func (f *Feed) Start(road string, onMeasurement func(Measurement)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if old, ok := f.roads[road]; ok {
		old.halt()
	}

	loop := &feedLoop{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	ticker := f.clock.NewTicker(f.interval)
	f.roads[road] = loop

	go func() {
		defer close(loop.done)
		defer ticker.Stop()
		for {
			select {
			case <-loop.stop:
				return
			case <-ticker.C():
				// a stop racing the tick wins
				select {
				case <-loop.stop:
					return
				default:
				}
				onMeasurement(f.detector.Detect(road))
			}
		}
	}()
	logf("feed started for %s every %v", road, f.interval)
}

// Stop halts the loop for road and waits for it to exit. Stopping a road
// with no loop does nothing.
func (f *Feed) Stop(road string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	loop, ok := f.roads[road]
	if !ok {
		return
	}
	delete(f.roads, road)
	loop.halt()
	logf("feed stopped for %s", road)
}

// StopAll halts every loop. No callback runs after it returns.
func (f *Feed) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for road, loop := range f.roads {
		delete(f.roads, road)
		loop.halt()
	}
}

// Active returns the roads with a running loop, sorted.
func (f *Feed) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.roads))
	for road := range f.roads {
		out = append(out, road)
	}
	sort.Strings(out)
	return out
}

func (l *feedLoop) halt() {
	close(l.stop)
	<-l.done
}
