package main

import (
	"fmt"
	"io"
	"time"

	"github.com/regorov/bgremover"
	"github.com/schollz/progressbar/v3"
)

// barReporter renders progress to a terminal. It is driven by
// bgremover.AsyncReporter, so calls never overlap.
type barReporter struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newBarReporter(out io.Writer) *barReporter {
	return &barReporter{out: out}
}

func (br *barReporter) OnEvent(ev bgremover.ProgressEvent) {
	if br.bar == nil {
		br.bar = progressbar.NewOptions(ev.Total,
			progressbar.OptionSetWriter(br.out),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
		)
	}
	switch ev.Phase {
	case bgremover.PhaseStarted:
		br.bar.Describe(fmt.Sprintf("Processing %d/%d: %s", ev.Index, ev.Total, ev.ItemName))
	default:
		_ = br.bar.Add(1)
	}
}

func (br *barReporter) OnBatchComplete(succeeded, failed int) {
	if br.bar != nil {
		br.bar.Describe(fmt.Sprintf("Completed: %d succeeded, %d failed", succeeded, failed))
		_ = br.bar.Finish()
		fmt.Fprintln(br.out)
	}
	br.bar = nil
}

func (br *barReporter) OnEmptyBatch() {}
