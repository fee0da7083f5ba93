package loader

import (
	"context"
	"fmt"
	"io"
	"time"
)

var spinnerFrames = []rune("▁▂▃▄▅▆▇▇▇▆▅▄▃▁")

const spinnerTick = 100 * time.Millisecond

// Wait blocks until the load finishes or ctx is cancelled. Unless quiet, a
// progress indicator prefixed by msg is animated on w meanwhile.
func Wait(ctx context.Context, ch <-chan Result, w io.Writer, msg string, quiet bool) Result {
	ticker := time.NewTicker(spinnerTick)
	defer ticker.Stop()
	frame := 0
	for {
		select {
		case res := <-ch:
			if !quiet {
				mark := '✓'
				if res.Err != nil {
					mark = '✗'
				}
				fmt.Fprintf(w, "\r[%c] %s\n", mark, msg)
			}
			return res
		case <-ctx.Done():
			if !quiet {
				fmt.Fprintln(w)
			}
			return Result{Err: ctx.Err()}
		case <-ticker.C:
			if !quiet {
				fmt.Fprintf(w, "\r[%c] %s", spinnerFrames[frame%len(spinnerFrames)], msg)
				frame++
			}
		}
	}
}
