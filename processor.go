package bgremover

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when a batch is started on a Processor which
// is still running the previous one.
var ErrAlreadyRunning = errors.New("batch processing already in progress")

// State of a Processor.
type State int

// Processor states. Idle is the state of a new Processor; Running moves to
// exactly one of Completed, Cancelled and Failed.
const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options configures Processor.
type Options struct {
	// Concurrency is the maximum number of items in the decode, transform,
	// encode pipeline at once. Defaults to runtime.NumCPU().
	Concurrency int
	// Namer maps input names to output names. Defaults to KeepName.
	Namer Namer
	// Ordered makes Run emit results in source order instead of completion order.
	Ordered bool
	// Reporter receives progress events. Defaults to NopReporter.
	Reporter Reporter
	// MaxPixels rejects larger inputs with DecodeError. Defaults to DefaultMaxPixels.
	MaxPixels int
}

// Processor implements core logic orchestration functionality.
// It enumerates a Source, runs Engine over every item in a bounded pool of
// runners and delivers ItemResult(s) to the caller or to a Sink.
// It's suggested to limit Concurrency to amount of cores, or less when the
// Engine is memory hungry.
type Processor struct {
	log    zerolog.Logger
	engine Engine
	opts   Options

	mu       sync.Mutex
	state    State
	runID    string
	total    int
	done     int
	failed   int
	inFlight map[int]string
}

// NewProcessor returns new instance of Processor.
func NewProcessor(l zerolog.Logger, e Engine, opts Options) *Processor {
	if opts.Concurrency < 1 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.Namer == nil {
		opts.Namer = KeepName
	}
	if opts.Reporter == nil {
		opts.Reporter = NopReporter{}
	}
	if opts.MaxPixels < 1 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Processor{
		log:    l.With().Str("component", "processor").Logger(),
		engine: e,
		opts:   opts}
}

// State returns the current state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RunID returns id of the current or last batch.
func (p *Processor) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

// Stats returns a consistent snapshot of the current or last batch.
func (p *Processor) Stats() BatchState {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := make([]int, 0, len(p.inFlight))
	for i := range p.inFlight {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	names := make([]string, len(idx))
	for i, k := range idx {
		names[i] = p.inFlight[k]
	}
	return BatchState{Total: p.total, Completed: p.done, Failed: p.failed, InFlight: names}
}

// Run starts processing of src and returns channel of results. The channel is
// closed after every dispatched item reached a terminal outcome, and the
// caller must drain it. Results come in completion order unless
// Options.Ordered is set. Cancelling ctx stops dispatching; items which were
// never dispatched produce no result.
func (p *Processor) Run(ctx context.Context, src Source) (<-chan ItemResult, error) {
	results, _, err := p.start(ctx, src, true)
	return results, err
}

// Process runs src and saves every result to sink. Per-item failures are
// collected into the Summary; cancellation and fatal sink errors abort the
// sink and are returned together with the partial Summary.
func (p *Processor) Process(ctx context.Context, src Source, sink Sink) (*Summary, error) {

	started := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, runID, err := p.start(runCtx, src, false)
	if err != nil {
		if !errors.Is(err, ErrAlreadyRunning) {
			_ = sink.Abort()
		}
		return nil, err
	}

	sum := &Summary{RunID: runID, Total: p.Stats().Total}
	log := p.log.With().Str("run", runID).Logger()

	var fatal error
	for res := range results {
		if fatal != nil {
			// drain runners after sink failure.
			continue
		}
		err := sink.Save(res)
		var ie *ItemError
		switch {
		case err == nil && res.OK():
			sum.Succeeded++
			sum.Bytes += int64(len(res.Data))
		case err == nil:
			sum.Failed++
			sum.Failures = append(sum.Failures, res.Err.ErrorDescriptor)
		case errors.As(err, &ie):
			log.Error().Str("item", res.Source).Str("errmsg", err.Error()).Msg("result saving failed")
			sum.Failed++
			sum.Failures = append(sum.Failures, ie.ErrorDescriptor)
		default:
			log.Error().Str("item", res.Source).Str("errmsg", err.Error()).Msg("output is broken, aborting batch")
			fatal = fmt.Errorf("output: %w", err)
			cancel()
		}
	}

	sum.Skipped = sum.Total - sum.Succeeded - sum.Failed
	sum.Duration = time.Since(started)

	switch {
	case fatal != nil:
		p.abort(sink, StateFailed)
		return sum, fatal
	case ctx.Err() != nil:
		p.abort(sink, StateCancelled)
		return sum, ctx.Err()
	case sum.Empty():
		p.abort(sink, StateCompleted)
		return sum, nil
	}

	if err := sink.Close(); err != nil {
		p.setState(StateFailed)
		return sum, fmt.Errorf("output finalization: %w", err)
	}

	p.setState(StateCompleted)
	p.opts.Reporter.OnBatchComplete(sum.Succeeded, sum.Failed)
	log.Info().Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).
		Str("dur", sum.Duration.String()).Msg("batch completed")
	return sum, nil
}

func (p *Processor) abort(sink Sink, s State) {
	if err := sink.Abort(); err != nil {
		p.log.Error().Str("errmsg", err.Error()).Msg("output abort failed")
	}
	p.setState(s)
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// start enumerates src and launches runners. If finalize is set, the state
// and OnBatchComplete are handled when the runners are done, otherwise the
// caller owns them.
func (p *Processor) start(ctx context.Context, src Source, finalize bool) (<-chan ItemResult, string, error) {

	p.mu.Lock()
	if p.state == StateRunning {
		p.mu.Unlock()
		return nil, "", ErrAlreadyRunning
	}
	runID := uuid.NewString()
	p.state = StateRunning
	p.runID = runID
	p.total, p.done, p.failed = 0, 0, 0
	p.inFlight = make(map[int]string)
	p.mu.Unlock()

	log := p.log.With().Str("run", runID).Logger()

	items, err := src.Enumerate(ctx)
	if err != nil {
		p.setState(StateFailed)
		return nil, "", fmt.Errorf("input: %w", err)
	}

	if len(items) == 0 {
		log.Info().Msg("nothing to process")
		p.setState(StateCompleted)
		p.opts.Reporter.OnEmptyBatch()
		results := make(chan ItemResult)
		close(results)
		return results, runID, nil
	}

	p.mu.Lock()
	p.total = len(items)
	p.mu.Unlock()

	n := p.opts.Concurrency
	if n > len(items) {
		n = len(items)
	}

	jobs := make(chan int)
	done := make(chan ItemResult, n)

	go func() {
		defer close(jobs)
		for i := range items {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go p.runner(ctx, log, i+1, items, jobs, done, &wg)
	}
	log.Debug().Int("amount", n).Int("items", len(items)).Msg("runners are started")

	go func() {
		wg.Wait()
		if finalize {
			p.finish(ctx)
		}
		close(done)
	}()

	if !p.opts.Ordered {
		return done, runID, nil
	}
	return reorder(done), runID, nil
}

func (p *Processor) finish(ctx context.Context) {
	p.mu.Lock()
	completed, failed := p.done, p.failed
	if ctx.Err() != nil {
		p.state = StateCancelled
	} else {
		p.state = StateCompleted
	}
	p.mu.Unlock()

	if ctx.Err() == nil {
		p.opts.Reporter.OnBatchComplete(completed, failed)
	}
}

// reorder emits results in source order. Results missing because the run was
// cancelled are skipped when in is closed.
func reorder(in <-chan ItemResult) <-chan ItemResult {
	out := make(chan ItemResult, cap(in))
	go func() {
		defer close(out)
		pending := make(map[int]ItemResult)
		next := 0
		for res := range in {
			pending[res.Index] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				out <- r
				next++
			}
		}
		rest := make([]int, 0, len(pending))
		for i := range pending {
			rest = append(rest, i)
		}
		sort.Ints(rest)
		for _, i := range rest {
			out <- pending[i]
		}
	}()
	return out
}

func (p *Processor) runner(ctx context.Context, l zerolog.Logger, num int, items []WorkItem,
	jobs <-chan int, out chan<- ItemResult, wg *sync.WaitGroup) {

	defer wg.Done()

	var (
		totalb int // total amount of bytes passsed through the runner.
		msize  int // max output size in bytes passed through the runner.
		cnt    int // amount of images passed through the runner.
		failed int
	)
	started := time.Now()
	log := l.With().Int("runner", num).Logger()

	for idx := range jobs {
		if ctx.Err() != nil {
			// dispatched concurrently with cancellation, never started.
			continue
		}
		res := p.process(ctx, log, idx, items[idx])
		if res.OK() {
			cnt++
			totalb += len(res.Data)
			if len(res.Data) > msize {
				msize = len(res.Data)
			}
		} else {
			failed++
		}
		out <- res
	}

	log.Debug().Int("count", cnt).
		Int("failed", failed).
		Int("total-bytes", totalb).
		Int("total-bsec-thr", totalb/(int(time.Since(started).Seconds()+1))).
		Int("max-image-size", msize).Msg("runner stopped")
}

// process runs decode, transform and encode for one item and reports its
// progress.
func (p *Processor) process(ctx context.Context, log zerolog.Logger, idx int, it WorkItem) ItemResult {

	name, format := p.opts.Namer(it.Name)
	res := ItemResult{Name: name, Source: it.Name, Index: idx, Format: format}

	total := p.begin(idx, it.Name)
	p.opts.Reporter.OnEvent(ProgressEvent{ItemName: it.Name, Index: idx + 1, Total: total, Phase: PhaseStarted})

	t := time.Now()
	res.Data, res.Err = p.pipeline(ctx, it, format)

	p.end(idx, res.Err == nil)
	ev := ProgressEvent{ItemName: it.Name, Index: idx + 1, Total: total, Phase: PhaseSucceeded}
	if res.Err != nil {
		res.Data = nil
		ev.Phase, ev.Err = PhaseFailed, res.Err
		log.Error().Str("item", it.Name).Str("cause", res.Err.Cause.String()).
			Str("errmsg", res.Err.Message).Msg("item processing failed")
	} else {
		log.Debug().Str("item", it.Name).Str("output", name).Int("size", len(res.Data)).
			Str("dur", time.Since(t).String()).Msg("image processed")
	}
	p.opts.Reporter.OnEvent(ev)
	return res
}

func (p *Processor) pipeline(ctx context.Context, it WorkItem, format Format) ([]byte, *ItemError) {

	checkpoint := func() *ItemError {
		if err := ctx.Err(); err != nil {
			return NewItemError(it.Name, CauseCanceled, err)
		}
		return nil
	}

	raw, err := it.Payload(ctx)
	if err != nil {
		if ie := checkpoint(); ie != nil {
			return nil, ie
		}
		return nil, NewItemError(it.Name, CauseDecode, err)
	}
	src, _, err := DecodeLimit(raw, p.opts.MaxPixels)
	if err != nil {
		return nil, NewItemError(it.Name, CauseDecode, err)
	}

	if ie := checkpoint(); ie != nil {
		return nil, ie
	}
	dst, err := p.transform(ctx, src)
	if err != nil {
		if ie := checkpoint(); ie != nil {
			return nil, ie
		}
		return nil, NewItemError(it.Name, CauseTransform, err)
	}

	if ie := checkpoint(); ie != nil {
		return nil, ie
	}
	b, err := Encode(dst, format)
	if err != nil {
		return nil, NewItemError(it.Name, CauseEncode, err)
	}
	return b, nil
}

// transform calls the engine, converting a panic of the engine into an error
// of the item.
func (p *Processor) transform(ctx context.Context, src image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("engine panic: %v", r)
		}
	}()

	out, err = p.engine.Transform(ctx, src)
	if err == nil && out == nil {
		err = errors.New("engine returned no image")
	}
	return out, err
}

func (p *Processor) begin(idx int, name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[idx] = name
	return p.total
}

func (p *Processor) end(idx int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, idx)
	if ok {
		p.done++
	} else {
		p.failed++
	}
}
