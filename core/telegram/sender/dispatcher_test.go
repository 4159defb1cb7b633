package sender

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, d.Enqueue(context.Background(), "send.text", "sendMessage", func() error {
		if calls.Add(1) < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	}))
	d.Close()

	assert.Equal(t, int32(3), calls.Load())
	sent, failed := d.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), failed)
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 5, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, d.Enqueue(context.Background(), "send.text", "", func() error {
		calls.Add(1)
		return errors.New("bad request")
	}))
	d.Close()

	assert.Equal(t, int32(1), calls.Load())
	_, failed := d.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestDispatcherClosed(t *testing.T) {
	d := NewDispatcher(Options{})
	d.Close()
	d.Close()
	err := d.Enqueue(context.Background(), "x", "", func() error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRedactToken(t *testing.T) {
	msg := `Post "https://api.telegram.org/bot123456:AAbb-cc_DD/sendMessage": EOF`
	assert.Equal(t, `Post "https://api.telegram.org/bot<redacted>/sendMessage": EOF`, RedactToken(msg))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "timeout", ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, "dial", ClassifyError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, "unknown", ClassifyError(errors.New("x")))
}
