// Package progressbar wraps vbauerster/mpb/v8 into the minimal shape
// the TAR indexer needs while scanning a large
// archive: a single bar tracking bytes consumed against the archive's
// total size, with an ETA decorator and a final completion message.
package progressbar

import (
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Bar reports progress of one long-running scan. The zero value is
// not usable; construct with New or Disabled.
type Bar struct {
	p    *mpb.Progress
	bar  *mpb.Bar
	last time.Time
}

// New starts a bar labeled name, tracking progress toward total
// (typically the archive's byte size). Output goes to w; pass
// io.Discard (via Disabled) to silence it entirely, e.g. in tests or
// non-interactive runs.
func New(w io.Writer, name string, total int64) *Bar {
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(48))
	bar := p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1}),
			decor.Percentage(decor.WC{W: 5}),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
			decor.Name(" "),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
	)
	return &Bar{p: p, bar: bar, last: time.Now()}
}

// Disabled returns a Bar that discards all output, used when the
// caller has not requested progress reporting.
func Disabled() *Bar {
	return New(io.Discard, "", 0)
}

// Add reports that n more bytes have been consumed, timing the
// increment for the EWMA ETA decorator.
func (b *Bar) Add(n int64) {
	now := time.Now()
	b.bar.EwmaIncrInt64(n, now.Sub(b.last))
	b.last = now
}

// SetTotal updates the bar's total, used when the real archive size
// becomes known only after outer-compression has been probed (a
// compressed stream's decoded size is not known up front).
func (b *Bar) SetTotal(total int64) {
	b.bar.SetTotal(total, false)
}

// Done marks the bar complete and waits for its render goroutine to
// exit, matching mpb's documented shutdown sequence.
func (b *Bar) Done() {
	if !b.bar.Completed() {
		b.bar.SetTotal(-1, true)
	}
	b.p.Wait()
}
