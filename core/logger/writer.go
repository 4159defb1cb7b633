package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// asyncWriter serialises lines from many goroutines onto a set of buffered
// sinks through a single background loop. The first sink error is sticky.
type asyncWriter struct {
	lines   chan []byte
	flushes chan chan error
	stopped chan struct{}
	close   sync.Once

	mu    sync.Mutex
	sinks []*bufio.Writer
	err   error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &asyncWriter{
		lines:   make(chan []byte, 256),
		flushes: make(chan chan error),
		stopped: make(chan struct{}),
	}
	for _, out := range writers {
		if out != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(out, bufSize))
		}
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.stopped)
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				w.fail(w.flush())
				return
			}
			w.fail(w.write(line))
		case ack := <-w.flushes:
			ack <- w.flush()
		}
	}
}

// Write copies p and queues it. A full queue blocks rather than drops.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.sticky(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.lines <- append([]byte(nil), p...)
	return nil
}

// Flush blocks until everything queued so far reached the sinks.
func (w *asyncWriter) Flush() error {
	if err := w.sticky(); err != nil {
		return err
	}
	ack := make(chan error, 1)
	select {
	case w.flushes <- ack:
		return <-ack
	case <-w.stopped:
		return w.sticky()
	}
}

// Close drains the queue and returns the first write error seen.
func (w *asyncWriter) Close() error {
	w.close.Do(func() { close(w.lines) })
	<-w.stopped
	return w.sticky()
}

func (w *asyncWriter) write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sinks {
		if _, err := s.Write(p); err != nil {
			return err
		}
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (w *asyncWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, s := range w.sinks {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) sticky() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *asyncWriter) fail(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}
