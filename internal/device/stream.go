package device

import (
	"runtime"
	"sync"
)

// Stream is an ordered asynchronous task queue. Tasks submitted to one
// stream execute in submission order; tasks on different streams have no
// ordering relationship unless an Event establishes one.
type Stream struct {
	dev   *Device
	slot  int
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

func newStream(dev *Device, slot int) *Stream {
	s := &Stream{
		dev:   dev,
		slot:  slot,
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
	close(s.done)
}

// Submit enqueues a task. It never blocks the task itself; it may block
// the caller briefly when the queue is full.
func (s *Stream) Submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

// Synchronize blocks the host until every submitted task has finished.
func (s *Stream) Synchronize() {
	s.wg.Wait()
}

// Device returns the device this stream issues to.
func (s *Stream) Device() *Device { return s.dev }

func (s *Stream) close() {
	close(s.tasks)
	<-s.done
}

// Event is a one-shot barrier recorded on a stream. Waiting streams stall
// until every task submitted to the recording stream before Record has
// completed.
type Event struct {
	fired chan struct{}
	once  sync.Once
}

// NewEvent returns an unrecorded event. Waiting on it blocks until some
// stream records it.
func NewEvent() *Event {
	return &Event{fired: make(chan struct{})}
}

// Record marks the event complete once the stream drains everything
// submitted so far.
func (e *Event) Record(s *Stream) {
	s.Submit(func() {
		e.once.Do(func() { close(e.fired) })
	})
}

// Wait makes subsequent tasks on s wait for the event.
func (e *Event) Wait(s *Stream) {
	s.Submit(func() { <-e.fired })
}

// HostWait blocks the calling goroutine until the event fires.
func (e *Event) HostWait() {
	<-e.fired
}

// Dim3 is a kernel launch extent, matching the three-axis grid/block
// shape of the SIMT model.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the number of work items the extent spans. Zero axes
// count as one.
func (d Dim3) Size() int {
	x, y, z := d.X, d.Y, d.Z
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return x * y * z
}

func linearToDim3(linear int, dim Dim3) Dim3 {
	x := dim.X
	if x == 0 {
		x = 1
	}
	y := dim.Y
	if y == 0 {
		y = 1
	}
	z := linear / (x * y)
	return Dim3{X: linear % x, Y: linear % (x * y) / x, Z: z}
}

// Launch submits a grid of work-groups to the stream. Groups within the
// grid run concurrently across the device's cores; the kernel body runs
// once per group with the group's lanes rendered as a host loop. The
// submitted task completes only when every group has finished.
func (s *Stream) Launch(grid Dim3, lanes int, scratchFloats int, kernel func(wg *WorkGroup)) {
	groups := grid.Size()
	if groups == 0 {
		s.Submit(func() {})
		return
	}
	workers := s.dev.Cores
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	if workers > groups {
		workers = groups
	}
	if workers < 1 {
		workers = 1
	}
	perWorker := (groups + workers - 1) / workers

	s.Submit(func() {
		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			start := w * perWorker
			end := start + perWorker
			if end > groups {
				end = groups
			}
			go func(start, end int) {
				defer wg.Done()
				group := WorkGroup{Grid: grid, Lanes: lanes}
				if scratchFloats > 0 {
					group.scratch = make([]float32, scratchFloats)
				}
				for g := start; g < end; g++ {
					group.Group = linearToDim3(g, grid)
					for i := range group.scratch {
						group.scratch[i] = 0
					}
					kernel(&group)
				}
			}(start, end)
		}
		wg.Wait()
	})
}
