package accumulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/subcount/ingester/internal/handoff"
	"github.com/subcount/ingester/internal/sink"
	"github.com/subcount/ingester/internal/sink/mocks"
	"github.com/subcount/ingester/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]sink.Row
	failOn  int // 1-based call number that fails; 0 never fails
	calls   int
}

func (r *recordingSink) Write(_ context.Context, rows []sink.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.calls == r.failOn {
		return errors.New("connection refused")
	}

	r.batches = append(r.batches, rows)

	return nil
}

func (r *recordingSink) all() []sink.Row {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sink.Row
	for _, b := range r.batches {
		out = append(out, b...)
	}

	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccumulator(t *testing.T, threshold int, drain bool, s sink.Sink) (*Accumulator, *quartz.Mock, *handoff.Queue[wire.SubMessage]) {
	t.Helper()

	clk := quartz.NewMock(t)
	clk.Set(epoch)

	q := handoff.New[wire.SubMessage]()
	a := New(Config{Threshold: threshold, DrainBacklog: drain, Clock: clk}, q, s, discardLogger())

	return a, clk, q
}

func single(id, sub int32) wire.SubMessage {
	return wire.SubMessage{IDs: []int32{id}, Subs: []int32{sub}}
}

func seq(from, n int) wire.SubMessage {
	var m wire.SubMessage
	for i := from; i < from+n; i++ {
		m.IDs = append(m.IDs, int32(i))
		m.Subs = append(m.Subs, int32(i*10))
	}

	return m
}

func ids(rows []sink.Row) []int32 {
	out := make([]int32, len(rows))
	for i, r := range rows {
		out[i] = r.ChannelID
	}

	return out
}

func TestAdd_MessageRowsShareOneTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockSink(ctrl)
	// No EXPECT: any Write fails the test.

	a, _, _ := newTestAccumulator(t, 1000, true, ms)

	msg := wire.SubMessage{IDs: []int32{1, 2}, Subs: []int32{10, 20}}
	require.NoError(t, a.add(context.Background(), msg))

	require.Equal(t, []sink.Row{
		{ObservedAt: epoch, ChannelID: 1, SubDelta: 10},
		{ObservedAt: epoch, ChannelID: 2, SubDelta: 20},
	}, a.buffer)
	require.Equal(t, 2, a.Buffered())
}

func TestAdd_ThousandSingleRowMessagesFlushOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockSink(ctrl)

	var got []sink.Row
	ms.EXPECT().Write(gomock.Any(), gomock.Len(1000)).DoAndReturn(
		func(_ context.Context, rows []sink.Row) error { got = rows; return nil },
	).Times(1)

	a, clk, _ := newTestAccumulator(t, 1000, true, ms)

	for i := 0; i < 1000; i++ {
		require.NoError(t, a.add(context.Background(), single(int32(i), 1)))
		clk.Advance(time.Millisecond)
	}

	require.Len(t, got, 1000)
	for i, r := range got {
		require.EqualValues(t, i, r.ChannelID)
		require.Equal(t, epoch.Add(time.Duration(i)*time.Millisecond), r.ObservedAt)
	}

	require.Empty(t, a.buffer)
	require.Zero(t, a.Buffered())
}

func TestAdd_FlushesExactlyTheOldestThresholdRows(t *testing.T) {
	rs := &recordingSink{}
	a, _, _ := newTestAccumulator(t, 1000, true, rs)

	require.NoError(t, a.add(context.Background(), seq(0, 600)))
	require.Empty(t, rs.batches)

	require.NoError(t, a.add(context.Background(), seq(600, 600)))
	require.Len(t, rs.batches, 1)
	require.Equal(t, ids(seq0(0, 1000)), ids(rs.batches[0]))

	require.Len(t, a.buffer, 200)
	require.Equal(t, ids(seq0(1000, 200)), ids(a.buffer))
}

// seq0 builds rows with the ids seq would produce.
func seq0(from, n int) []sink.Row {
	m := seq(from, n)
	rows := make([]sink.Row, n)
	for i := range rows {
		rows[i] = sink.Row{ChannelID: m.IDs[i], SubDelta: m.Subs[i]}
	}

	return rows
}

func TestAdd_BacklogPolicy(t *testing.T) {
	tt := []struct {
		name          string
		drain         bool
		wantFlushes   int
		wantBuffered  int
		afterNextMsg  int
		afterBuffered int
	}{
		{"drain", true, 3, 5, 3, 6},
		{"once per message", false, 1, 25, 2, 16},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			rs := &recordingSink{}
			a, _, _ := newTestAccumulator(t, 10, tc.drain, rs)

			require.NoError(t, a.add(context.Background(), seq(0, 35)))
			require.Len(t, rs.batches, tc.wantFlushes)
			require.Len(t, a.buffer, tc.wantBuffered)

			require.NoError(t, a.add(context.Background(), single(99, 1)))
			require.Len(t, rs.batches, tc.afterNextMsg)
			require.Len(t, a.buffer, tc.afterBuffered)

			for _, b := range rs.batches {
				require.Len(t, b, 10)
			}

			// Flushed rows followed by buffered rows are the arrival order.
			want := append(ids(seq0(0, 35)), 99)
			require.Equal(t, want, append(ids(rs.all()), ids(a.buffer)...))
		})
	}
}

func TestAdd_FlushFailureKeepsBufferAndEarlierBatches(t *testing.T) {
	rs := &recordingSink{failOn: 2}
	a, _, _ := newTestAccumulator(t, 3, true, rs)

	require.NoError(t, a.add(context.Background(), seq(0, 3)))
	require.Len(t, rs.batches, 1)

	err := a.add(context.Background(), seq(3, 4))
	require.ErrorIs(t, err, ErrFlush)
	require.ErrorContains(t, err, "connection refused")

	// The committed batch is untouched; the failed rows were not trimmed.
	require.Equal(t, []int32{0, 1, 2}, ids(rs.batches[0]))
	require.Equal(t, []int32{3, 4, 5, 6}, ids(a.buffer))
}

func TestAdd_BatchIsACopy(t *testing.T) {
	rs := &recordingSink{}
	a, _, _ := newTestAccumulator(t, 2, true, rs)

	require.NoError(t, a.add(context.Background(), seq(0, 3)))
	require.NoError(t, a.add(context.Background(), seq(3, 1)))

	// Buffer reuse after trimming must not rewrite rows already handed out.
	require.Equal(t, []int32{0, 1}, ids(rs.batches[0]))
	require.Equal(t, []int32{2, 3}, ids(rs.batches[1]))
}

func TestRun_PreservesOrderThroughQueue(t *testing.T) {
	rs := &recordingSink{}
	a, _, q := newTestAccumulator(t, 7, true, rs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	next := 0
	for i := 0; i < 50; i++ {
		n := i%4 + 1
		require.NoError(t, q.Send(seq(next, n)))
		next += n
	}

	want := (next / 7) * 7
	require.Eventually(t, func() bool { return len(rs.all()) == want }, time.Second, 5*time.Millisecond)
	require.Equal(t, ids(seq0(0, want)), ids(rs.all()))

	cancel()
	require.NoError(t, <-done)
}

func TestRun_FlushFailureIsFatal(t *testing.T) {
	rs := &recordingSink{failOn: 2}
	a, _, q := newTestAccumulator(t, 2, true, rs)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Send(seq(i*2, 2)))
	}

	err := a.Run(context.Background())
	require.ErrorIs(t, err, ErrFlush)

	// The first flush stays committed; the producer now sees a gone consumer.
	require.Equal(t, []int32{0, 1}, ids(rs.all()))
	assert.ErrorIs(t, q.Send(single(9, 9)), handoff.ErrClosed)
}

func TestRun_ReturnsNilOnCancel(t *testing.T) {
	rs := &recordingSink{}
	a, _, q := newTestAccumulator(t, 10, true, rs)

	require.NoError(t, q.Send(seq(0, 3)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Buffered() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	require.Empty(t, rs.all())
}

func TestNew_ClampsThreshold(t *testing.T) {
	a := New(Config{}, handoff.New[wire.SubMessage](), &recordingSink{}, discardLogger())
	require.Equal(t, 1, a.threshold)
	require.NotNil(t, a.clock)
}
