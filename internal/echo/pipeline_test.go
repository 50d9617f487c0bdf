package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const notifyPrefix = "You have been connected for "

// steppingClock 每次读取前进 step
func steppingClock(start time.Time, step time.Duration) Clock {
	var calls int64
	return ClockFunc(func() (time.Time, error) {
		n := atomic.AddInt64(&calls, 1)
		return start.Add(time.Duration(n) * step), nil
	})
}

func collect(t *testing.T, out <-chan string, n int, timeout time.Duration) []string {
	t.Helper()
	var got []string
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case msg, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("timeout: got %d of %d messages: %v", len(got), n, got)
		}
	}
	return got
}

func parseElapsed(t *testing.T, msg string) int {
	t.Helper()
	require.True(t, strings.HasPrefix(msg, notifyPrefix), "not a notification: %q", msg)
	var n int
	_, err := fmt.Sscanf(msg, notifyPrefix+"%d seconds!", &n)
	require.NoError(t, err)
	return n
}

func TestRespond(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	p := NewPipeline(DefaultConfig(), ClockFunc(func() (time.Time, error) { return fixed, nil }))

	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"Time", "Time"},
		{"TIME", "TIME"},
		{"times", "times"},
		{"", ""},
		{TimeCommand, fixed.Format(time.RFC3339Nano)},
	}
	for _, tt := range tests {
		got, err := p.Respond(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestRespond_TimeIsParseable(t *testing.T) {
	p := NewPipeline(DefaultConfig(), nil)
	got, err := p.Respond("time")
	require.NoError(t, err)
	require.NotEqual(t, "time", got)

	_, err = time.Parse(time.RFC3339Nano, got)
	require.NoError(t, err)
}

func TestRespond_ClockFailure(t *testing.T) {
	p := NewPipeline(DefaultConfig(), ClockFunc(func() (time.Time, error) {
		return time.Time{}, errors.New("no rtc")
	}))
	_, err := p.Respond("time")
	require.ErrorIs(t, err, ErrClockUnavailable)

	got, err := p.Respond("still fine")
	require.NoError(t, err)
	require.Equal(t, "still fine", got)
}

func TestNotification(t *testing.T) {
	require.Equal(t, "You have been connected for 5 seconds!", Notification(5*time.Second+900*time.Millisecond))
	require.Equal(t, "You have been connected for 0 seconds!", Notification(0))
}

func TestRun_CommandOrderPreserved(t *testing.T) {
	p := NewPipeline(Config{NotifyInterval: time.Millisecond}, steppingClock(time.Now(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := make(chan string)
	out, _ := p.Run(ctx, commands, time.Now())

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			commands <- string(rune('A' + i%26))
		}
	}()

	var responses []string
	deadline := time.After(5 * time.Second)
	for len(responses) < n {
		select {
		case msg := <-out:
			if strings.HasPrefix(msg, notifyPrefix) {
				continue
			}
			responses = append(responses, msg)
		case <-deadline:
			t.Fatalf("timeout after %d responses", len(responses))
		}
	}
	for i, r := range responses {
		require.Equal(t, string(rune('A'+i%26)), r)
	}
}

func TestRun_NotificationsStrictlyIncreasing(t *testing.T) {
	joined := time.Now()
	// 每次读取前进 5 秒，模拟真实的5秒间隔
	p := NewPipeline(Config{NotifyInterval: 5 * time.Millisecond}, steppingClock(joined, 5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, _ := p.Run(ctx, make(chan string), joined)
	got := collect(t, out, 3, time.Second)

	prev := -1
	for _, msg := range got {
		n := parseElapsed(t, msg)
		require.Greater(t, n, prev)
		prev = n
	}
	require.Equal(t, 5, parseElapsed(t, got[0]))
}

func TestRun_DuplicateElapsedSkipped(t *testing.T) {
	joined := time.Now()
	seq := []time.Duration{5 * time.Second, 5*time.Second + 300*time.Millisecond, 10 * time.Second, 10 * time.Second, 15 * time.Second}
	var i int64 = -1
	clock := ClockFunc(func() (time.Time, error) {
		k := atomic.AddInt64(&i, 1)
		if int(k) >= len(seq) {
			return joined.Add(seq[len(seq)-1] + time.Duration(k)*time.Second), nil
		}
		return joined.Add(seq[k]), nil
	})
	p := NewPipeline(Config{NotifyInterval: 2 * time.Millisecond}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, _ := p.Run(ctx, make(chan string), joined)
	got := collect(t, out, 3, time.Second)
	require.Equal(t, []int{5, 10, 15}, []int{parseElapsed(t, got[0]), parseElapsed(t, got[1]), parseElapsed(t, got[2])})
}

func TestRun_StopsWhenCommandsClosed(t *testing.T) {
	p := NewPipeline(Config{NotifyInterval: time.Hour}, nil)
	commands := make(chan string, 1)
	out, errc := p.Run(context.Background(), commands, time.Now())

	commands <- "bye"
	require.Equal(t, []string{"bye"}, collect(t, out, 1, time.Second))
	close(commands)

	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output not closed after input ended")
	}
	require.NoError(t, <-errc)
}

func TestRun_ClockFailureTerminates(t *testing.T) {
	p := NewPipeline(Config{NotifyInterval: 2 * time.Millisecond}, ClockFunc(func() (time.Time, error) {
		return time.Time{}, errors.New("clock gone")
	}))

	out, errc := p.Run(context.Background(), make(chan string), time.Now())

	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output not closed after clock failure")
	}
	require.ErrorIs(t, <-errc, ErrClockUnavailable)
}

func TestRun_TimeTwiceOneSecondApart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1s wall clock test in short mode")
	}
	p := NewPipeline(Config{NotifyInterval: time.Hour}, nil)
	commands := make(chan string)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, _ := p.Run(ctx, commands, time.Now())

	commands <- "time"
	first := collect(t, out, 1, time.Second)[0]
	time.Sleep(time.Second)
	commands <- "time"
	second := collect(t, out, 1, time.Second)[0]

	t1, err := time.Parse(time.RFC3339Nano, first)
	require.NoError(t, err)
	t2, err := time.Parse(time.RFC3339Nano, second)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.True(t, t2.After(t1))
}

func TestRun_RealIntervalNotifications(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 11s wall clock test in short mode")
	}
	joined := time.Now()
	p := NewPipeline(DefaultConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 11*time.Second)
	defer cancel()

	out, _ := p.Run(ctx, make(chan string), joined)

	var elapsed []int
	for msg := range out {
		elapsed = append(elapsed, parseElapsed(t, msg))
	}
	require.GreaterOrEqual(t, len(elapsed), 2)
	for i := 1; i < len(elapsed); i++ {
		require.Greater(t, elapsed[i], elapsed[i-1])
	}
}
