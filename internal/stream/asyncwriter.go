package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"datagen-pipeline/internal/model"
)

// Clock is swapped out in tests to drive the flush ticker
// deterministically instead of sleeping in wall-clock time.
var Clock clock.Clock = clock.New()

// asyncWriter wraps a base Writer with a bounded channel and a single
// background flush worker. Write enqueues and returns once the
// channel accepts the batch; when the channel is full the caller
// blocks, which is the system's sole end-to-end memory-safety
// mechanism under AsyncMode.
type asyncWriter struct {
	base Writer
	cfg  WriterConfig

	queue chan model.Envelope
	errCh chan error

	closeOnce sync.Once
	done      chan struct{}
}

func newAsyncWriter(base Writer, cfg WriterConfig) *asyncWriter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}

	w := &asyncWriter{
		base:  base,
		cfg:   cfg,
		queue: make(chan model.Envelope, cfg.QueueSize),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *asyncWriter) Write(records []model.Envelope) error {
	for _, r := range records {
		select {
		case err := <-w.errCh:
			return err
		case w.queue <- r:
		}
	}
	return nil
}

func (w *asyncWriter) Close() error {
	close(w.queue)
	<-w.done
	select {
	case err := <-w.errCh:
		return err
	default:
	}
	return w.base.Close()
}

func (w *asyncWriter) run() {
	defer close(w.done)

	ticker := Clock.Ticker(w.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []model.Envelope
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.base.Write(pending); err != nil {
			select {
			case w.errCh <- err:
			default:
			}
		}
		pending = nil
	}

	for {
		select {
		case r, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			pending = append(pending, r)
			if len(pending) >= w.cfg.FlushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
