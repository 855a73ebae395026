package progress

import "sync"

// Kind identifies a pipeline event.
type Kind int

const (
	// JobStarted is emitted once a job has computed its tile set.
	JobStarted Kind = iota
	// TileStarted is emitted before a tile is requested.
	TileStarted
	// TileDone is emitted when a tile reached its final outcome.
	TileDone
	// JobDone is emitted when a job reached a terminal outcome or was cancelled.
	JobDone
	// WindowAdvanced is emitted after the scheduler finished a window.
	WindowAdvanced
)

func (k Kind) String() string {
	switch k {
	case JobStarted:
		return "job_started"
	case TileStarted:
		return "tile_started"
	case TileDone:
		return "tile_done"
	case JobDone:
		return "job_done"
	case WindowAdvanced:
		return "batch_window_advanced"
	default:
		return "unknown"
	}
}

// Event carries the fields relevant to its Kind; the rest are zero.
type Event struct {
	Kind Kind

	// Target is the panorama id for job and tile events.
	Target string

	// Tile is the 1-based tile index and Tiles the tile count of the job.
	Tile  int
	Tiles int

	// Bytes written for TileDone, Reused if no request was needed.
	Bytes    int64
	Reused   bool
	Attempts int

	// Status is the job outcome for JobDone ("success", "skipped", "failed",
	// "cancelled"); Kind of failure and detail go to Reason.
	Status string
	Reason string

	// Err is the final error of a failed tile or job.
	Err error

	// Seconds is the job duration for JobDone.
	Seconds float64

	// Window fields for WindowAdvanced.
	Window  int
	Start   int
	End     int
	Pending int
	Total   int
}

// Observer receives pipeline events. Implementations must be safe for
// concurrent use: tile events arrive from many goroutines.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

type nop struct{}

func (nop) Observe(Event) {}

// Nop discards all events.
var Nop Observer = nop{}

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return Nop
	case 1:
		return list[0]
	}
	return ObserverFunc(func(ev Event) {
		for _, o := range list {
			o.Observe(ev)
		}
	})
}

// Recorder keeps every observed event. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (r *Recorder) Observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if len(kinds) == 0 {
			out = append(out, ev)
			continue
		}
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
