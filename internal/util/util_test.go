package util

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatClock(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{999 * time.Millisecond, "00:00"},
		{61 * time.Second, "01:01"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{75 * time.Minute, "75:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatClock(tt.in), "FormatClock(%v)", tt.in)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45_000))
	assert.Equal(t, "2m 34s", FormatDuration(154_000))
	assert.Equal(t, "1h 23m", FormatDuration(83*60*1000))
}

func TestWithinDir(t *testing.T) {
	dir := t.TempDir()

	assert.True(t, WithinDir(dir, filepath.Join(dir, "take.m4a")))
	assert.True(t, WithinDir(dir, filepath.Join(dir, "sub", "take.m4a")))
	assert.False(t, WithinDir(dir, dir))
	assert.False(t, WithinDir(dir, filepath.Join(dir, "..", "take.m4a")))
	assert.False(t, WithinDir(dir, "/etc/passwd"))
	assert.False(t, WithinDir(dir, ""))
}

func TestCheckPathWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")
	require.NoError(t, CheckPathWritable(dir))
	assert.DirExists(t, dir)
}

func TestExtractLastError(t *testing.T) {
	stderr := "ffmpeg version 7\n  built with gcc\n\nin.m4a: Invalid data found when processing input\n\n"
	assert.Equal(t, "in.m4a: Invalid data found when processing input", ExtractLastError(stderr))
	assert.Empty(t, ExtractLastError("  \n "))
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("open", nil))

	base := errors.New("boom")
	err := WrapError("open database", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "failed to open database: boom", err.Error())
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 35*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 35*time.Millisecond, b.Next())
	assert.Equal(t, 35*time.Millisecond, b.Next())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewBackoff(time.Millisecond, time.Millisecond), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), NewBackoff(time.Millisecond, time.Millisecond), 2, func() error {
		calls++
		return errors.New("always")
	})
	assert.EqualError(t, err, "always")
	assert.Equal(t, 2, calls)
}

func TestBroadcasterLatestValue(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3)

	assert.Equal(t, 3, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestBroadcasterCancelAndClose(t *testing.T) {
	b := NewBroadcaster[string]()
	ch1, cancel1 := b.Subscribe()
	ch2, _ := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())

	b.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	ch3, _ := b.Subscribe()
	_, ok = <-ch3
	assert.False(t, ok)
}
