package recorder

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// CompletionCode is the terminal status a Worker reports to the Pool
// (spec §4.4 step 4).
type CompletionCode int

const (
	CompletionClean CompletionCode = 0 // clean end-of-stream
	CompletionError CompletionCode = 1 // I/O error or read abort
)

// Completion is the event a Worker publishes on exit.
type Completion struct {
	ChannelName string
	Code        CompletionCode
	BytesWritten int64
	Err          error
}

// Worker captures one channel's live media to a destination file (spec
// §4.4 "Capture loop"). It runs on its own goroutine — the blocking I/O
// equivalent of the spec's "separate OS thread per recording" — and
// reports its completion through a buffered channel so the Worker never
// blocks handing it off.
type Worker struct {
	channelName  string
	channelLogin string
	destPath     string
	source       StreamSource
	preferred    string
	auth         AuthOptions
	openTimeout  time.Duration

	runCtx context.Context
	cancel context.CancelFunc
	done   chan Completion
}

// WorkerConfig bundles a Worker's construction-time parameters.
type WorkerConfig struct {
	ChannelName  string
	ChannelLogin string
	DestPath     string
	Source       StreamSource
	Preferred    string
	Auth         AuthOptions

	StreamOpenTimeout time.Duration
}

func newWorker(cfg WorkerConfig) *Worker {
	openTimeout := cfg.StreamOpenTimeout
	if openTimeout <= 0 {
		openTimeout = streamOpenTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		channelName:  cfg.ChannelName,
		channelLogin: cfg.ChannelLogin,
		destPath:     cfg.DestPath,
		source:       cfg.Source,
		preferred:    cfg.Preferred,
		auth:         cfg.Auth,
		openTimeout:  openTimeout,
		runCtx:       ctx,
		cancel:       cancel,
		done:         make(chan Completion, 1),
	}
}

// run executes the capture loop (spec §4.4 steps 1-4). Must be called in
// its own goroutine; signals completion on w.done exactly once.
func (w *Worker) run() {
	ctx := w.runCtx
	defer w.cancel()

	openCtx, openCancel := context.WithTimeout(ctx, w.openTimeout)
	defer openCancel()

	renditions, err := w.source.EnumerateRenditions(openCtx, w.channelLogin, w.auth)
	if err != nil {
		w.finish(Completion{ChannelName: w.channelName, Code: CompletionError, Err: fmt.Errorf("enumerate renditions: %w", err)})
		return
	}
	rendition, ok := pickRendition(renditions, w.preferred)
	if !ok {
		w.finish(Completion{ChannelName: w.channelName, Code: CompletionError, Err: fmt.Errorf("no renditions available")})
		return
	}

	// The stream's context outlives the open timeout once Open returns:
	// a source may tie the returned body to it (an HTTP body does).
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	openTimer := time.AfterFunc(w.openTimeout, streamCancel)
	body, err := w.source.Open(streamCtx, rendition, w.auth)
	openTimer.Stop()
	if err != nil {
		w.finish(Completion{ChannelName: w.channelName, Code: CompletionError, Err: fmt.Errorf("open stream: %w", err)})
		return
	}
	defer body.Close()

	f, err := os.Create(w.destPath)
	if err != nil {
		w.finish(Completion{ChannelName: w.channelName, Code: CompletionError, Err: fmt.Errorf("create file: %w", err)})
		return
	}
	defer f.Close()

	written, captureErr := w.copyChunks(ctx, f, body)

	if err := f.Sync(); err != nil && captureErr == nil {
		captureErr = err
	}

	code := CompletionClean
	if captureErr != nil {
		code = CompletionError
	}
	w.finish(Completion{ChannelName: w.channelName, Code: code, BytesWritten: written, Err: captureErr})
}

// copyChunks reads ≈1 MiB chunks from src and appends them to dst until
// ctx is cancelled, src returns EOF, or an I/O error occurs (spec §4.4
// step 3).
func (w *Worker) copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, readChunkBytes)
	var total int64

	for {
		if ctx.Err() != nil {
			return total, nil // cancellation is not an error condition
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, writeErr
			}
			total += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}

func (w *Worker) finish(c Completion) {
	if c.Err != nil {
		log.Printf("recorder: %s capture ended with error: %v", c.ChannelName, c.Err)
	}
	w.done <- c
}

// Stop raises the cancellation signal (spec §4.4 "Stop contract"):
// cooperative, observed at the next chunk boundary, not joined
// synchronously.
func (w *Worker) Stop() {
	w.cancel()
}
