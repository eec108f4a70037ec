package topk

import (
	"sync"
	"time"

	"github.com/keilerkonzept/topk/sliding"
)

// SketchParams configures the heavy-submitter sketch.
type SketchParams struct {
	// K is the number of top submitters the sketch tracks.
	K int
	// WindowSize is the sliding window size in ticks; window capacity is
	// WindowSize * TickSize submissions.
	WindowSize int
	// Width/Depth size the underlying count-min sketch; larger values
	// reduce over-counting at the cost of memory.
	Width int
	Depth int
	// TickSize is the number of submissions per tick.
	TickSize uint64
	// MaxSharePercent is the share of the window one user may consume
	// before being reported.
	MaxSharePercent int
	// ActivationRPS gates the sketch: below this submission rate, a
	// dominant user is not a concern and nothing is reported.
	ActivationRPS int
}

// Sketch tracks the heaviest submitters over a sliding window. Admission
// calls ProcessTick per admitted submission; the returned user ids feed operator
// alarms, not blocking.
type Sketch struct {
	mu              sync.Mutex
	sketch          *sliding.Sketch
	tickSize        uint64
	tickReq         uint64
	lastTickTime    time.Time
	maxSharePercent int
	activationRPS   int
}

func New(params SketchParams) *Sketch {
	instance := sliding.New(params.K, params.WindowSize,
		sliding.WithWidth(params.Width), sliding.WithDepth(params.Depth))

	return &Sketch{
		sketch:          instance,
		tickSize:        params.TickSize,
		lastTickTime:    time.Now(),
		maxSharePercent: params.MaxSharePercent,
		activationRPS:   params.ActivationRPS,
	}
}

// ProcessTick counts one submission for userID. When a tick completes it
// evaluates the window and returns the users over their share, if the
// overall rate clears the activation gate.
func (s *Sketch) ProcessTick(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sketch.Incr(userID)
	s.tickReq++

	if s.tickReq < s.tickSize {
		return nil
	}
	s.tickReq = 0

	now := time.Now()
	duration := now.Sub(s.lastTickTime)
	s.lastTickTime = now

	var rps float64
	if duration.Seconds() > 0 {
		rps = float64(s.tickSize) / duration.Seconds()
	}
	if rps < float64(s.activationRPS) {
		s.sketch.Tick()
		return nil
	}

	windowCapacity := uint64(s.sketch.WindowSize) * s.tickSize
	threshold := (windowCapacity * uint64(s.maxSharePercent)) / 100

	var heavy []string
	for _, item := range s.sketch.SortedSlice() {
		if item.Count > uint32(threshold) {
			heavy = append(heavy, item.Item)
		} else {
			break
		}
	}

	s.sketch.Tick()
	return heavy
}
