// Package progress reports upload progress either as a terminal progress bar
// or, when stderr is not a terminal, as periodic log lines.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rescale/market-publish/internal/constants"
	"github.com/rescale/market-publish/internal/logging"
)

// Reporter receives byte-level progress of one transfer.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
}

// New picks a reporter for the current environment: a progress bar when
// stderr is a terminal, log lines otherwise, nothing when quiet is set.
func New(logger *logging.Logger, quiet bool) Reporter {
	if quiet {
		return NewNoOpProgress()
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return NewCLIProgress()
	}
	return NewLogProgress(logger, constants.ProgressUpdateInterval)
}

// CLIProgress implements progress reporting for CLI mode using progress bars.
type CLIProgress struct {
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a new CLI progress reporter.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update updates the progress bar to the current position.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error leaves the bar where it stopped; the caller logs the error itself.
func (p *CLIProgress) Error(err error) {
	if p.bar != nil && err != nil {
		_ = p.bar.Exit()
	}
}

// LogProgress logs a line at most once per interval. Used for CI logs, where
// a redrawn bar turns into thousands of lines.
type LogProgress struct {
	logger      *logging.Logger
	interval    time.Duration
	mu          sync.Mutex
	total       int64
	description string
	lastLog     time.Time
}

// NewLogProgress creates a log-line reporter.
func NewLogProgress(logger *logging.Logger, interval time.Duration) *LogProgress {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LogProgress{logger: logger, interval: interval}
}

// Start records the total and logs the first line.
func (p *LogProgress) Start(total int64, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.description = description
	p.lastLog = time.Now()
	p.logger.Info().Str("task", description).Int64("total_bytes", total).Msg("transfer started")
}

// Update logs the current position if the interval has elapsed.
func (p *LogProgress) Update(current int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastLog) < p.interval {
		return
	}
	p.lastLog = time.Now()

	pct := 100.0
	if p.total > 0 {
		pct = float64(current) / float64(p.total) * 100
	}
	p.logger.Info().
		Str("task", p.description).
		Int64("bytes", current).
		Int64("total_bytes", p.total).
		Msgf("%.1f%%", pct)
}

// Finish logs completion.
func (p *LogProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info().Str("task", p.description).Int64("total_bytes", p.total).Msg("transfer complete")
}

// Error does nothing; the caller reports the error.
func (p *LogProgress) Error(err error) {}

// NoOpProgress is a progress reporter that does nothing (for quiet runs and tests).
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op progress reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

// Start does nothing.
func (p *NoOpProgress) Start(total int64, description string) {}

// Update does nothing.
func (p *NoOpProgress) Update(current int64) {}

// Finish does nothing.
func (p *NoOpProgress) Finish() {}

// Error does nothing.
func (p *NoOpProgress) Error(err error) {}

// Reader wraps an io.Reader and reports the running byte count.
type Reader struct {
	reader   io.Reader
	reporter Reporter
	current  int64
}

// NewReader wraps r so every Read advances reporter.
func NewReader(r io.Reader, reporter Reporter) *Reader {
	return &Reader{reader: r, reporter: reporter}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.reporter.Update(pr.current)
	}
	return n, err
}
