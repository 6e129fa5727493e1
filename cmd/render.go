package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/JakeFAU/geoload/internal/progress"
)

type fder interface {
	Fd() uintptr
}

// renderer prints snapshots. On a terminal it redraws one colored status
// line; elsewhere it prints each distinct line once, uncolored.
type renderer struct {
	mu   sync.Mutex
	out  io.Writer
	live bool
	last string

	done     chan struct{}
	doneOnce sync.Once

	phase *color.Color
	ok    *color.Color
	bad   *color.Color
	dim   *color.Color
}

func newRenderer(out io.Writer) *renderer {
	live := false
	if f, ok := out.(fder); ok {
		live = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	r := &renderer{
		out:   out,
		live:  live,
		done:  make(chan struct{}),
		phase: color.New(color.FgCyan, color.Bold),
		ok:    color.New(color.FgGreen, color.Bold),
		bad:   color.New(color.FgRed, color.Bold),
		dim:   color.New(color.Faint),
	}
	for _, c := range []*color.Color{r.phase, r.ok, r.bad, r.dim} {
		if live {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Render is a broadcaster subscriber.
func (r *renderer) Render(s progress.Snapshot) {
	line := r.format(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.live:
		fmt.Fprintf(r.out, "\r\033[K%s", line)
		if s.Terminal() {
			fmt.Fprintln(r.out)
		}
	case line != r.last:
		fmt.Fprintln(r.out, line)
	}
	r.last = line

	if s.Terminal() {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

// Wait blocks until a terminal snapshot was rendered or timeout passes.
func (r *renderer) Wait(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *renderer) format(s progress.Snapshot) string {
	label := r.phase
	switch s.Phase {
	case progress.PhaseComplete:
		label = r.ok
	case progress.PhaseError, progress.PhaseCancelled:
		label = r.bad
	}

	var b strings.Builder
	b.WriteString(label.Sprintf("%-11s", s.Phase))
	fmt.Fprintf(&b, " %5.1f%%", s.Percent)
	if s.Total > 0 {
		fmt.Fprintf(&b, "  %d/%d", s.Processed, s.Total)
	}
	b.WriteString("  ")
	b.WriteString(s.Message)
	if s.Operation != "" && s.Operation != s.Message {
		b.WriteString(r.dim.Sprintf(" (%s)", s.Operation))
	}
	if t := s.Timing; t != nil {
		var parts []string
		if t.Elapsed != "" {
			parts = append(parts, "elapsed "+t.Elapsed)
		}
		if t.EstimatedRemaining != "" {
			parts = append(parts, "eta "+t.EstimatedRemaining)
		}
		if t.Speed != "" {
			parts = append(parts, t.Speed)
		}
		if len(parts) > 0 {
			b.WriteString(r.dim.Sprintf("  [%s]", strings.Join(parts, ", ")))
		}
	}
	return b.String()
}
