// Package printer renders completed exchanges on the console.
package printer

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/traffictap/traffictap/pkg/trace"
)

// Console prints one line per exchange, colorized by status class.
type Console struct {
	out     io.Writer
	width   int
	silence bool
}

// NewConsole creates a console printer. The terminal width is probed
// once; non-terminal output falls back to a fixed width.
func NewConsole(silence bool) *Console {
	width := 120
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 40 {
		width = w
	}
	return &Console{out: os.Stdout, width: width, silence: silence}
}

// Print renders one exchange.
func (c *Console) Print(entry trace.Entry) {
	if c.silence {
		return
	}

	status := "FAIL"
	if entry.StatusCode != trace.StatusFailed {
		status = fmt.Sprintf("%3d", entry.StatusCode)
	}
	statusText := colorForClass(entry.Class()).Sprint(status)
	method := color.New(color.Bold).Sprintf("%-7s", entry.Method)
	meta := fmt.Sprintf("%6dms %8s", entry.DurationMs, humanize.Bytes(uint64(len(entry.ResponseBody))))

	// Reserve room for status, method and the trailing meta column.
	urlWidth := c.width - 4 - 8 - len(meta) - 3
	if urlWidth < 16 {
		urlWidth = 16
	}
	url := runewidth.Truncate(entry.URL, urlWidth, "…")

	fmt.Fprintf(c.out, "%s %s %s %s\n", statusText, method, url, meta)
}

func colorForClass(class trace.StatusClass) *color.Color {
	switch class {
	case trace.ClassSuccess:
		return color.New(color.FgGreen)
	case trace.ClassRedirect:
		return color.New(color.FgCyan)
	case trace.ClassClientError:
		return color.New(color.FgYellow)
	case trace.ClassServerError, trace.ClassFailure:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}
