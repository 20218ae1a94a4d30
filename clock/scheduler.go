package clock

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// defines a periodic-scheduling configuration range, mirroring the
// teacher's min/max-bounded tunables (cs104/config.go's t0..t3/k/w).
const (
	MinPeriodMin = 100 * time.Microsecond
	MinPeriodMax = 24 * time.Hour
)

// Config bounds what AddPeriodic will accept; Valid fills in the
// default and range-checks a caller-supplied value the same way
// cs104.Config.Valid does for its timeout fields.
type Config struct {
	// MinPeriod is the shortest period AddPeriodic accepts, guarding
	// against a misconfigured publishing interval starving the
	// scheduler goroutine.
	MinPeriod time.Duration
}

func (c *Config) Valid() error {
	if c == nil {
		return errors.New("clock: nil config")
	}
	if c.MinPeriod == 0 {
		c.MinPeriod = time.Millisecond
	} else if c.MinPeriod < MinPeriodMin || c.MinPeriod > MinPeriodMax {
		return errors.New("clock: MinPeriod out of range")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{MinPeriod: time.Millisecond}
}

// TaskID identifies a registered periodic callback for Remove.
type TaskID uint64

// ErrUnknownTask is returned by Remove for an id not currently scheduled.
var ErrUnknownTask = errors.New("clock: unknown task id")

type task struct {
	id     TaskID
	period time.Duration
	next   time.Time
	fn     func(scheduledFor time.Time)
	index  int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler runs registered periodic callbacks on a single goroutine
// (spec §5's cooperative single-threaded driver profile), maintaining
// a bounded-drift schedule: each task's next firing is computed from
// its own last scheduled time plus its period, never from the actual
// wall-clock firing time, so jitter in one tick does not accumulate
// into the next. When the driver falls behind by more than one period
// (the process was descheduled, a callback ran long), the missed
// intermediate ticks are coalesced into a single catch-up firing
// rather than bursting one callback per missed tick.
type Scheduler struct {
	clock Clock
	cfg   Config

	mu      sync.Mutex
	items   taskHeap
	byID    map[TaskID]*task
	nextID  TaskID
	wake    chan struct{}
}

func NewScheduler(clk Clock, cfg Config) (*Scheduler, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &Scheduler{
		clock: clk,
		cfg:   cfg,
		byID:  make(map[TaskID]*task),
		wake:  make(chan struct{}, 1),
	}, nil
}

// AddPeriodic registers fn to run every period, starting at now+period.
// fn receives the time it was scheduled for, not the actual fire time,
// so callers can detect drift themselves if they care to.
func (s *Scheduler) AddPeriodic(period time.Duration, fn func(scheduledFor time.Time)) (TaskID, error) {
	if period < s.cfg.MinPeriod {
		return 0, errors.New("clock: period below configured minimum")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	t := &task{
		id:     id,
		period: period,
		next:   s.clock.Now().Add(period),
		fn:     fn,
	}
	heap.Push(&s.items, t)
	s.byID[id] = t
	s.notify()
	return id, nil
}

// Remove cancels a previously registered task. Safe to call from any
// goroutine, including from within the task's own callback.
func (s *Scheduler) Remove(id TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrUnknownTask
	}
	heap.Remove(&s.items, t.index)
	delete(s.byID, id)
	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is canceled. It is the caller's
// responsibility to run this on its own goroutine; Run blocks.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var due *task
		var wait time.Duration
		if len(s.items) > 0 {
			due = s.items[0]
			wait = due.next.Sub(s.clock.Now())
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			continue
		case now := <-timer.C():
			s.fireDue(now)
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var ready []*task
	var scheduled []time.Time
	for len(s.items) > 0 && !s.items[0].next.After(now) {
		t := heap.Pop(&s.items).(*task)
		ready = append(ready, t)
		scheduled = append(scheduled, t.next)
	}
	// Every due task is back in the heap before any callback runs, so a
	// Remove issued from a callback always finds its task there.
	for _, t := range ready {
		// Coalesce missed ticks: advance strictly from the last
		// scheduled time by whole periods until next is back in the
		// future, instead of re-queuing once per missed period.
		t.next = t.next.Add(t.period)
		for !t.next.After(now) {
			t.next = t.next.Add(t.period)
		}
		heap.Push(&s.items, t)
	}
	s.mu.Unlock()
	for i, t := range ready {
		s.mu.Lock()
		_, live := s.byID[t.id]
		s.mu.Unlock()
		if live {
			t.fn(scheduled[i])
		}
	}
}
