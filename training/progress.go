package training

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressListener receives coarse progress updates from the
// orchestrator. Fraction is in [0, 1] over the whole run. Listeners
// must be fast; they are called from the training goroutine.
type ProgressListener interface {
	OnProgress(message string, fraction float64)
}

// ProgressFunc adapts a function to the ProgressListener interface.
type ProgressFunc func(message string, fraction float64)

func (f ProgressFunc) OnProgress(message string, fraction float64) {
	f(message, fraction)
}

// ConsoleListener renders a single line progress bar with an elapsed
// time readout, rewriting the line in place.
type ConsoleListener struct {
	w       io.Writer
	width   int
	started time.Time
}

// NewConsoleListener writes a width character bar to w.
func NewConsoleListener(w io.Writer, width int) *ConsoleListener {
	if width < 10 {
		width = 10
	}
	return &ConsoleListener{w: w, width: width, started: time.Now()}
}

func (c *ConsoleListener) OnProgress(message string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(c.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", c.width-filled)
	elapsed := time.Since(c.started).Round(time.Second)
	fmt.Fprintf(c.w, "\r[%s] %5.1f%% %s (%s)", bar, fraction*100, message, elapsed)
	if fraction >= 1 {
		fmt.Fprintln(c.w)
	}
}
