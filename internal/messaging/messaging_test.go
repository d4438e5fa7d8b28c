package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stockpulse/stockpulse/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			msg := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return msg, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestTickProducerKeysBySymbol(t *testing.T) {
	w := &fakeWriter{}
	p := NewTickProducer(w, zerolog.Nop())

	tick := types.PriceTick{Symbol: "AAPL", Price: decimal.RequireFromString("187.12"), TimestampMillis: 1700000000000}
	require.NoError(t, p.PublishTick(context.Background(), tick))
	require.NoError(t, p.PublishTick(context.Background(), types.PriceTick{}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "AAPL", string(w.msgs[0].Key))

	decoded, err := DecodeTick(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", decoded.Symbol)
	assert.True(t, decoded.Price.Equal(tick.Price))
	assert.Equal(t, tick.TimestampMillis, decoded.TimestampMillis)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestTriggerProducer(t *testing.T) {
	alert, err := types.NewAlert(42, "TSLA", types.Below, decimal.NewFromInt(200))
	require.NoError(t, err)
	alert.User = types.User{ID: 7, Email: "trader@example.com", FirstName: "Ada"}
	tick := types.PriceTick{Symbol: "TSLA", Price: decimal.RequireFromString("199.5"), TimestampMillis: 1}
	event := types.NewTriggeredAlertEvent(alert, tick, time.Now())

	t.Run("writes keyed event", func(t *testing.T) {
		w := &fakeWriter{}
		require.NoError(t, NewTriggerProducer(w).PublishTrigger(context.Background(), event))
		require.Len(t, w.msgs, 1)
		assert.Equal(t, "42", string(w.msgs[0].Key))
		assert.Equal(t, event.EventID, string(w.msgs[0].Headers[0].Value))

		decoded, err := DecodeTrigger(w.msgs[0].Value)
		require.NoError(t, err)
		assert.Equal(t, event.EventID, decoded.EventID)
		assert.Equal(t, types.Below, decoded.Condition)
		assert.Equal(t, "trader@example.com", decoded.User.Email)
	})

	t.Run("surfaces write errors", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("no leader")}
		err := NewTriggerProducer(w).PublishTrigger(context.Background(), event)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "alert 42")
	})
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeTick([]byte("{"))
	assert.Error(t, err)
	_, err = DecodeTrigger([]byte("nope"))
	assert.Error(t, err)
}

func TestConsumerCommitsOnlyAfterSuccess(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte("ok")},
		{Offset: 2, Value: []byte("flaky")},
		{Offset: 3, Value: []byte("ok")},
	}}

	var mu sync.Mutex
	seen := map[int64]int{}
	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.Offset]++
		if msg.Offset == 2 && seen[2] < 3 {
			return errors.New("downstream unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer("test-consumer", reader, handler, zerolog.Nop()).WithRetryDelay(time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	mu.Lock()
	assert.Equal(t, 3, seen[2])
	mu.Unlock()
}

func TestConsumerSkipsPermanentFailures(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Offset: 9, Value: []byte("{")}}}
	handler := func(_ context.Context, msg kafka.Message) error {
		_, err := DecodeTrigger(msg.Value)
		return Permanent(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewConsumer("test-consumer", reader, handler, zerolog.Nop())
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 2*time.Millisecond)
}

func TestConsumerStopsWhileRetrying(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Offset: 5}}}
	attempts := make(chan struct{}, 16)
	handler := func(context.Context, kafka.Message) error {
		select {
		case attempts <- struct{}{}:
		default:
		}
		return errors.New("still failing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer("test-consumer", reader, handler, zerolog.Nop()).WithRetryDelay(5 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-attempts
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, reader.commits())
}

func TestPermanentWrapping(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
