package tui

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress shows one spinner per running step, counting committed rows.
// OnBatch is safe for concurrent use and fits ekg.Options.OnBatch.
type Progress struct {
	w io.Writer

	mu   sync.Mutex
	step string
	bar  *progressbar.ProgressBar
	rows map[string]int
}

// NewProgress creates a progress display writing to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w, rows: make(map[string]int)}
}

func (p *Progress) newBar(step string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("  "+step),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// OnBatch records rows committed by step.
func (p *Progress) OnBatch(step string, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if step != p.step {
		p.finishLocked()
		p.step = step
		p.bar = p.newBar(step)
	}
	p.rows[step] += rows
	_ = p.bar.Add(rows)
}

// Rows returns the rows recorded for step.
func (p *Progress) Rows(step string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[step]
}

// Finish clears the active spinner.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *Progress) finishLocked() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
	p.step = ""
}
