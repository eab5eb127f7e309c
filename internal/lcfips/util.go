package lcfips

import (
	"fmt"
	"io"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Sprintf(format string, a ...any) string
}

// Console writes the user-facing progress lines. Color is dropped when the
// destination is not a terminal.
type Console struct {
	W       io.Writer
	Color   bool
	Verbose bool
	Debug   bool
}

// cPrintf prints with a colored style, or plain when p is nil or color is off.
func (c *Console) cPrintf(p colorPrinter, format string, a ...any) {
	if c == nil || c.W == nil {
		return
	}
	if p == nil || !c.Color {
		fmt.Fprintf(c.W, format, a...)
		return
	}
	fmt.Fprint(c.W, p.Sprintf(format, a...))
}

// Stage prints "-> message" for a pipeline step.
func (c *Console) Stage(format string, a ...any) {
	c.cPrintf(colArrow, "-> ")
	c.cPrintf(colSuccess, format+"\n", a...)
}

// Warn prints a warning line.
func (c *Console) Warn(format string, a ...any) {
	c.cPrintf(colWarn, "warning: "+format+"\n", a...)
}

// Fail prints an error line.
func (c *Console) Fail(format string, a ...any) {
	c.cPrintf(colError, format+"\n", a...)
}

// Note prints a highlighted informational line.
func (c *Console) Note(format string, a ...any) {
	c.cPrintf(colNote, format+"\n", a...)
}

// Infof prints only in verbose mode.
func (c *Console) Infof(format string, a ...any) {
	if c != nil && (c.Verbose || c.Debug) {
		c.cPrintf(colInfo, format, a...)
	}
}

// debugf prints debug messages when Debug is set
func (c *Console) debugf(format string, a ...any) {
	if c != nil && c.Debug {
		c.cPrintf(nil, format, a...)
	}
}
