// Package bgremover provides functionality for batch image background removal.
package bgremover

import (
	"context"
	"image"
)

// Engine is the interface that wraps the basic Transform method.
//
// Transform receives a decoded image and returns the image with its background
// removed, or an error if the image could not be processed. Implementations
// may be slow and may fail for any single input; they must be safe for
// concurrent use because Processor calls Transform from several runners.
type Engine interface {
	Transform(ctx context.Context, img image.Image) (image.Image, error)
}

// EngineFunc is an adapter to allow the use of ordinary functions as Engine.
type EngineFunc func(ctx context.Context, img image.Image) (image.Image, error)

// Transform calls f(ctx, img).
func (f EngineFunc) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}

// Source is the interface that wraps the basic Enumerate method.
//
// Enumerate returns the ordered, finite list of items of one batch. The order
// must be stable for the same underlying input, because Processor reports
// progress by position. An empty list is not an error.
type Source interface {
	Enumerate(ctx context.Context) ([]WorkItem, error)
}

// Sink is the interface that groups methods Save, Close and Abort.
//
// Save receives every ItemResult of a run, successes and failures alike, from
// a single goroutine. Returning *ItemError marks only that item as failed;
// any other error is fatal to the run.
//
// Close finalizes the output once every item reached a terminal outcome.
//
// Abort discards whatever can be discarded. It is called instead of Close when
// the run is cancelled or broken.
type Sink interface {
	Save(ItemResult) error
	Close() error
	Abort() error
}

// Reporter is the interface that groups progress observer methods.
//
// OnEvent is called for every ProgressEvent. It may be called from several
// goroutines at once and must return quickly.
//
// OnBatchComplete is called once after a non-empty batch finished.
//
// OnEmptyBatch is called instead of OnBatchComplete when the source had
// nothing to process.
type Reporter interface {
	OnEvent(ProgressEvent)
	OnBatchComplete(succeeded, failed int)
	OnEmptyBatch()
}
