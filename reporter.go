package bgremover

import (
	"sync"

	"github.com/rs/zerolog"
)

// NopReporter implements Reporter and ignores everything.
type NopReporter struct{}

// OnEvent implements Reporter.
func (NopReporter) OnEvent(ProgressEvent) {}

// OnBatchComplete implements Reporter.
func (NopReporter) OnBatchComplete(int, int) {}

// OnEmptyBatch implements Reporter.
func (NopReporter) OnEmptyBatch() {}

// LogReporter implements Reporter and writes progress to the log.
type LogReporter struct {
	log zerolog.Logger
}

// NewLogReporter returns LogReporter instance.
func NewLogReporter(l zerolog.Logger) *LogReporter {
	return &LogReporter{log: l.With().Str("component", "progress").Logger()}
}

// OnEvent implements Reporter.
func (lr *LogReporter) OnEvent(ev ProgressEvent) {
	e := lr.log.Info()
	if ev.Phase == PhaseStarted {
		e = lr.log.Debug()
	}
	if ev.Err != nil {
		e = e.Str("cause", ev.Err.Cause.String()).Str("errmsg", ev.Err.Message)
	}
	e.Str("item", ev.ItemName).Int("index", ev.Index).Int("total", ev.Total).Msg(ev.Phase.String())
}

// OnBatchComplete implements Reporter.
func (lr *LogReporter) OnBatchComplete(succeeded, failed int) {
	lr.log.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("batch completed")
}

// OnEmptyBatch implements Reporter.
func (lr *LogReporter) OnEmptyBatch() {
	lr.log.Info().Msg("no files found")
}

// MultiReporter implements Reporter and passes every call to all reporters in order.
type MultiReporter []Reporter

// OnEvent implements Reporter.
func (mr MultiReporter) OnEvent(ev ProgressEvent) {
	for _, r := range mr {
		r.OnEvent(ev)
	}
}

// OnBatchComplete implements Reporter.
func (mr MultiReporter) OnBatchComplete(succeeded, failed int) {
	for _, r := range mr {
		r.OnBatchComplete(succeeded, failed)
	}
}

// OnEmptyBatch implements Reporter.
func (mr MultiReporter) OnEmptyBatch() {
	for _, r := range mr {
		r.OnEmptyBatch()
	}
}

// AsyncReporter implements Reporter and delivers calls to the wrapped
// Reporter from a single goroutine, in the order they were made. Callers only
// append to a queue, so a slow presentation layer (terminal, UI) never blocks
// the runners. Nothing is dropped.
type AsyncReporter struct {
	next Reporter

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewAsyncReporter returns AsyncReporter delivering to next and starts its
// goroutine. Close must be called to release it.
func NewAsyncReporter(next Reporter) *AsyncReporter {
	ar := &AsyncReporter{
		next: next,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go ar.loop()
	return ar
}

func (ar *AsyncReporter) push(f func()) {
	ar.mu.Lock()
	if ar.closed {
		ar.mu.Unlock()
		return
	}
	ar.queue = append(ar.queue, f)
	ar.mu.Unlock()

	select {
	case ar.wake <- struct{}{}:
	default:
	}
}

func (ar *AsyncReporter) loop() {
	defer close(ar.done)
	for range ar.wake {
		for {
			ar.mu.Lock()
			q := ar.queue
			ar.queue = nil
			closed := ar.closed
			ar.mu.Unlock()

			for _, f := range q {
				f()
			}
			if len(q) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

// OnEvent implements Reporter.
func (ar *AsyncReporter) OnEvent(ev ProgressEvent) {
	ar.push(func() { ar.next.OnEvent(ev) })
}

// OnBatchComplete implements Reporter.
func (ar *AsyncReporter) OnBatchComplete(succeeded, failed int) {
	ar.push(func() { ar.next.OnBatchComplete(succeeded, failed) })
}

// OnEmptyBatch implements Reporter.
func (ar *AsyncReporter) OnEmptyBatch() {
	ar.push(ar.next.OnEmptyBatch)
}

// Close delivers the queued calls and stops the goroutine. Calls made after
// Close are ignored.
func (ar *AsyncReporter) Close() {
	ar.mu.Lock()
	if ar.closed {
		ar.mu.Unlock()
		<-ar.done
		return
	}
	ar.closed = true
	ar.mu.Unlock()

	select {
	case ar.wake <- struct{}{}:
	default:
	}
	<-ar.done
}
