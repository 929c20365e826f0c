package vision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// ParseErrorsThreshold defines the number of consecutive parse errors allowed
	ParseErrorsThreshold = 5
)

var (
	// ErrBrokenPipe is returned when there's an error reading from stdout or stderr
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrDetectorExited is returned by Run when the detector stops on its own
	ErrDetectorExited = errors.New("detector exited")
)

// WithProcessLogger sets the logger for the process source
func WithProcessLogger(logger *slog.Logger) func(*ProcessSource) {
	return func(p *ProcessSource) {
		p.logger = logger.With(
			slog.String("component", "vision"),
			slog.String("source", "process"),
			slog.String("detector", filepath.Base(p.path)),
		)
	}
}

// WithParseErrorsThreshold sets the threshold for consecutive parse errors
func WithParseErrorsThreshold(threshold uint8) func(*ProcessSource) {
	return func(p *ProcessSource) {
		p.parseErrorsThreshold = threshold
	}
}

// ProcessSource runs an external detector and reads "x,y,z" observations
// from its standard output. Standard error is logged.
type ProcessSource struct {
	path    string
	args    []string
	handler Handler

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	parseErrorsThreshold uint8
	logger               *slog.Logger
}

// NewProcess resolves the detector binary and creates a ProcessSource
func NewProcess(command string, args []string, h Handler, options ...func(*ProcessSource)) (*ProcessSource, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("detector %q not found: %w", command, err)
	}

	p := ProcessSource{
		path:                 path,
		args:                 args,
		handler:              h,
		parseErrorsThreshold: ParseErrorsThreshold,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	return &p, nil
}

// Start launches the detector. The returned channel yields the joined
// errors of the run, if any, and is closed once the detector has stopped.
func (p *ProcessSource) Start(ctx context.Context) (<-chan error, error) {
	if !p.isRunning.CompareAndSwap(false, true) {
		return nil, errors.New("detector is already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, p.path, p.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.isRunning.Store(false)
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.isRunning.Store(false)
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		p.isRunning.Store(false)
		return nil, fmt.Errorf("error starting detector: %w", err)
	}

	stopped := make(chan error, 1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(stopped)

		p.logger.Info("detector started")

		done := make(chan error, 3)

		go p.handleStdout(stdout, done)
		go p.handleStderr(stderr, done)

		// Wait closes the pipes, so the readers must finish first
		var errs []error
		for range 2 {
			if err := <-done; err != nil {
				p.cancel()
				p.logger.Error(err.Error())
				errs = append(errs, err)
			}
		}

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			errs = append(errs, fmt.Errorf("detector exited with error: %w", err))
		}

		p.logger.Info("detector stopped")
		p.isRunning.Store(false)

		if len(errs) > 0 {
			stopped <- errors.Join(errs...)
		}
	}()

	return stopped, nil
}

// Stop kills the detector and waits for the readers to finish
func (p *ProcessSource) Stop() {
	if !p.isRunning.Load() {
		return
	}

	p.cancel()
	p.wg.Wait()
}

// IsRunning returns true while the detector process is alive
func (p *ProcessSource) IsRunning() bool {
	return p.isRunning.Load()
}

// Run starts the detector and blocks until it stops or ctx is done. The
// detector is expected to run for the lifetime of ctx, so a clean exit is
// reported as ErrDetectorExited.
func (p *ProcessSource) Run(ctx context.Context) error {
	stopped, err := p.Start(ctx)
	if err != nil {
		return err
	}

	select {
	case err = <-stopped:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return ErrDetectorExited
		}
		return err
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

// handleStdout parses observation lines and passes them to the handler
func (p *ProcessSource) handleStdout(stdout io.Reader, done chan<- error) {
	var parseErrors uint8

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		v, err := ParseCSV(line)
		if err != nil {
			parseErrors++
			p.logger.Warn(fmt.Sprintf("error parsing observation: %s", err.Error()), slog.String("line", line))

			if parseErrors >= p.parseErrorsThreshold {
				done <- ErrTooManyParseErrors
				_, _ = io.Copy(io.Discard, stdout)
				return
			}

			continue
		}

		parseErrors = 0
		p.handler(v)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stdout: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// handleStderr reads from stderr and logs every line
func (p *ProcessSource) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p.logger.Warn(fmt.Sprintf("%s >> %s", filepath.Base(p.path), line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}
