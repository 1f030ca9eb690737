// Package host drives a sidecar process from the host side of the protocol.
package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr-sidecar/internal/audio"
	"github.com/loqalabs/loqa-asr-sidecar/internal/protocol"
	"github.com/loqalabs/loqa-asr-sidecar/internal/transport"
	"github.com/mattn/go-shellwords"
)

// DefaultGracePeriod is how long Shutdown waits for the process to exit
// before killing it.
const DefaultGracePeriod = 200 * time.Millisecond

// ErrClosed is returned once the client has shut down or lost its sidecar.
var ErrClosed = errors.New("sidecar client closed")

// RemoteError is an {"ok":false} response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// TranscribeOptions are the optional fields of a transcribe request.
type TranscribeOptions struct {
	Language     string
	SystemPrompt string
}

// Transcript is a successful transcription. Language is empty when the
// sidecar reported none.
type Transcript struct {
	Text     string
	Language string
}

// Client sends one request at a time and waits for its response.
type Client struct {
	w      *transport.Writer
	stdin  io.Closer
	r      *transport.Reader
	cmd    *exec.Cmd
	exited chan struct{}
	logger *slog.Logger

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
	// TempDir receives temporary WAV files; empty selects os.TempDir.
	TempDir string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewClient talks to a sidecar over an arbitrary stream pair. Closing w must
// signal end of input to the sidecar.
func NewClient(w io.WriteCloser, r io.Reader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		w:      transport.NewWriter(w),
		stdin:  w,
		r:      transport.NewReader(r),
		logger: logger,
	}
}

// Start spawns command, forwards its stderr to the logger and waits for the
// readiness line.
func Start(ctx context.Context, command string, logger *slog.Logger) (*Client, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse sidecar command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("sidecar command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// os.Pipe instead of StdoutPipe: Wait must not close the read ends while
	// the last responses are still buffered.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start sidecar: %w", err)
	}

	c := NewClient(stdin, stdout, logger)
	c.cmd = cmd
	c.exited = make(chan struct{})
	go c.forwardStderr(stderr)
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("sidecar exited", slog.String("error", err.Error()))
		}
		close(c.exited)
	}()

	if err := c.WaitReady(ctx); err != nil {
		c.kill()
		return nil, err
	}
	return c, nil
}

func (c *Client) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		c.logger.Debug("sidecar stderr", slog.String("line", scanner.Text()))
	}
}

// WaitReady consumes the readiness line. A failed eager load surfaces here as
// a RemoteError.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.receive(ctx)
	if err != nil {
		return fmt.Errorf("wait for readiness: %w", err)
	}
	if !resp.OK {
		return &RemoteError{Message: resp.Error}
	}
	if resp.Status != protocol.StatusReady {
		return fmt.Errorf("unexpected readiness status %q", resp.Status)
	}
	return nil
}

func (c *Client) LoadModel(ctx context.Context) error {
	_, err := c.roundTrip(ctx, protocol.Request{Command: protocol.CommandLoadModel})
	return err
}

// Health reports whether the sidecar has a model loaded.
func (c *Client) Health(ctx context.Context) (bool, error) {
	resp, err := c.roundTrip(ctx, protocol.Request{Command: protocol.CommandHealth})
	if err != nil {
		return false, err
	}
	return resp.ModelLoaded != nil && *resp.ModelLoaded, nil
}

// TranscribeFile transcribes an audio file the sidecar can read.
func (c *Client) TranscribeFile(ctx context.Context, path string, opts TranscribeOptions) (Transcript, error) {
	resp, err := c.roundTrip(ctx, protocol.Request{
		Command:      protocol.CommandTranscribe,
		AudioPath:    path,
		Language:     opts.Language,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		return Transcript{}, err
	}
	var out Transcript
	if resp.Text != nil {
		out.Text = *resp.Text
	}
	if resp.Language != nil {
		out.Language = *resp.Language
	}
	return out, nil
}

// Transcribe writes mono samples to a temporary WAV, transcribes it and
// removes the file. Empty input yields an empty transcript without a request.
func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts TranscribeOptions) (Transcript, error) {
	if len(samples) == 0 {
		return Transcript{}, nil
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	path, err := audio.WriteTempWAV(c.TempDir, samples, sampleRate)
	if err != nil {
		return Transcript{}, err
	}
	defer os.Remove(path)
	return c.TranscribeFile(ctx, path, opts)
}

// Shutdown asks the sidecar to exit, closes its input and, for spawned
// processes, kills it if it outlives the grace period.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.roundTrip(ctx, protocol.Request{Command: protocol.CommandShutdown})
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if cerr := c.closeInput(); cerr != nil && err == nil {
		err = cerr
	}

	if c.cmd == nil {
		return err
	}
	grace := c.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	select {
	case <-c.exited:
	case <-time.After(grace):
		c.logger.Warn("sidecar did not exit in time, killing", slog.Duration("grace", grace))
		c.kill()
	}
	return err
}

func (c *Client) closeInput() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stdin.Close()
	})
	return err
}

func (c *Client) kill() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Kill()
	<-c.exited
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Response{}, ErrClosed
	}
	if err := c.w.Write(req); err != nil {
		c.closed = true
		return protocol.Response{}, err
	}
	resp, err := c.receive(ctx)
	if err != nil {
		c.closed = true
		return protocol.Response{}, err
	}
	if !resp.OK {
		return resp, &RemoteError{Message: resp.Error}
	}
	return resp, nil
}

// receive reads one response. The sidecar has no in-protocol cancellation, so
// an expired context kills a spawned process, or closes the input of a stream
// pair so the peer sees EOF and ends its output. Either way the pending read
// returns and the client is closed.
func (c *Client) receive(ctx context.Context) (protocol.Response, error) {
	type result struct {
		resp protocol.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: unexpected end of output", ErrClosed)
			}
			ch <- result{err: err}
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			ch <- result{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		ch <- result{resp: resp}
	}()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.closed = true
		if c.cmd != nil {
			c.kill()
		} else {
			_ = c.closeInput()
		}
		return protocol.Response{}, ctx.Err()
	}
}
