package lcfips

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// ninja prints "[12/345] Building C object ..."; make prints "[ 42%] ...".
var (
	ninjaStepRe   = regexp.MustCompile(`^\[(\d+)/(\d+)\]`)
	makePercentRe = regexp.MustCompile(`^\[\s*(\d+)%\]`)
)

// progressWriter turns the native build's step counters into a progress
// bar. Everything else written to it is discarded; the full output goes to
// the build log.
type progressWriter struct {
	bar     *progressbar.ProgressBar
	pending []byte
}

// newProgressWriter returns nil when out is not a terminal, so callers can
// skip the bar entirely for CI logs.
func newProgressWriter(out *os.File, description string) io.WriteCloser {
	if out == nil || !term.IsTerminal(int(out.Fd())) {
		return nil
	}
	return newProgressBarWriter(out, description)
}

func newProgressBarWriter(out io.Writer, description string) *progressWriter {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &progressWriter{bar: bar}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		p.observe(p.pending[:i])
		p.pending = p.pending[i+1:]
	}
	return len(b), nil
}

func (p *progressWriter) observe(line []byte) {
	if m := ninjaStepRe.FindSubmatch(line); m != nil {
		done, _ := strconv.Atoi(string(m[1]))
		total, _ := strconv.Atoi(string(m[2]))
		if total > 0 {
			if int64(total) != p.bar.GetMax64() {
				p.bar.ChangeMax(total)
			}
			_ = p.bar.Set(done)
		}
		return
	}
	if m := makePercentRe.FindSubmatch(line); m != nil {
		pct, _ := strconv.Atoi(string(m[1]))
		if p.bar.GetMax64() != 100 {
			p.bar.ChangeMax(100)
		}
		_ = p.bar.Set(pct)
	}
}

// Close finishes the bar.
func (p *progressWriter) Close() error {
	return p.bar.Finish()
}
