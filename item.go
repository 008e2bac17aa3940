package bgremover

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyPayload is returned when an item has zero bytes to decode.
var ErrEmptyPayload = errors.New("payload is empty")

// WorkItem is a single input of a batch. Payload is loaded on demand, so
// file and URL backed sources do not hold every input in memory at once.
type WorkItem struct {
	Name string
	load func(ctx context.Context) ([]byte, error)
}

// NewWorkItem returns WorkItem holding payload in memory.
func NewWorkItem(name string, payload []byte) WorkItem {
	return WorkItem{Name: name, load: func(context.Context) ([]byte, error) { return payload, nil }}
}

// NewLazyWorkItem returns WorkItem which calls load when the payload is needed.
func NewLazyWorkItem(name string, load func(ctx context.Context) ([]byte, error)) WorkItem {
	return WorkItem{Name: name, load: load}
}

// Payload returns the raw bytes of the item.
func (w WorkItem) Payload(ctx context.Context) ([]byte, error) {
	if w.load == nil {
		return nil, ErrEmptyPayload
	}
	b, err := w.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrEmptyPayload
	}
	return b, nil
}

// Cause classifies a per-item failure.
type Cause int

// Failure causes.
const (
	CauseDecode Cause = iota + 1
	CauseTransform
	CauseEncode
	CauseIO
	CauseCanceled
)

var causeNames = map[Cause]string{
	CauseDecode:    "DecodeError",
	CauseTransform: "TransformError",
	CauseEncode:    "EncodeError",
	CauseIO:        "IOError",
	CauseCanceled:  "Canceled",
}

// String returns the name of the cause, e.g. "DecodeError".
func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Cause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ErrorDescriptor describes why one item failed.
type ErrorDescriptor struct {
	ItemName string `json:"item"`
	Message  string `json:"message"`
	Cause    Cause  `json:"cause"`
}

// ItemError is the error of a single item. It never aborts a batch.
type ItemError struct {
	ErrorDescriptor
	Err error
}

// NewItemError returns ItemError for item name caused by err.
func NewItemError(name string, cause Cause, err error) *ItemError {
	return &ItemError{
		ErrorDescriptor: ErrorDescriptor{ItemName: name, Message: err.Error(), Cause: cause},
		Err:             err,
	}
}

func (e *ItemError) Error() string {
	return e.ItemName + ": " + e.Cause.String() + ": " + e.Message
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ItemResult is the outcome of one WorkItem. Exactly one of Data and Err is set.
type ItemResult struct {
	// Name is the output name of the item, produced by Options.Namer.
	Name string
	// Source is the name of the item as enumerated.
	Source string
	// Index is the position of the item in the source order, starting at 0.
	Index  int
	Format Format
	Data   []byte
	Err    *ItemError
}

// OK reports whether the item was transformed successfully.
func (r ItemResult) OK() bool {
	return r.Err == nil
}

// Phase of a ProgressEvent.
type Phase int

// Progress phases.
const (
	PhaseStarted Phase = iota + 1
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// ProgressEvent is emitted by Processor. Index is the position of the item in
// the source order, starting at 1, regardless of completion order.
type ProgressEvent struct {
	ItemName string
	Index    int
	Total    int
	Phase    Phase
	// Err is set for PhaseFailed only.
	Err *ItemError
}

// BatchState is a consistent snapshot of a running batch.
type BatchState struct {
	Total     int
	Completed int
	Failed    int
	InFlight  []string
}

// Remaining returns the number of items not dispatched yet.
func (s BatchState) Remaining() int {
	return s.Total - s.Completed - s.Failed - len(s.InFlight)
}

// Summary aggregates the outcome of Processor.Process.
type Summary struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	// Skipped counts items never dispatched because the run was cancelled.
	Skipped  int
	Bytes    int64
	Duration time.Duration
	Failures []ErrorDescriptor
}

// Empty reports whether the source had nothing to process.
func (s *Summary) Empty() bool {
	return s.Total == 0
}

// OK reports whether every item succeeded.
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.Skipped == 0
}
