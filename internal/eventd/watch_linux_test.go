//go:build linux

package eventd

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"gnt-shepherd.io/shepherd/internal/jobfile"
)

func rawEvent(mask uint32, name string) []byte {
	padded := 0
	if name != "" {
		padded = (len(name) + 1 + 15) / 16 * 16
	}
	buf := make([]byte, unix.SizeofInotifyEvent+padded)
	binary.NativeEndian.PutUint32(buf[4:8], mask)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(padded))
	copy(buf[unix.SizeofInotifyEvent:], name)
	return buf
}

func TestParseEvents(t *testing.T) {
	var buf []byte
	buf = append(buf, rawEvent(unix.IN_CLOSE_WRITE, "job-1")...)
	buf = append(buf, rawEvent(unix.IN_Q_OVERFLOW, "")...)
	buf = append(buf, rawEvent(unix.IN_CLOSE_WRITE, "job-123456789012345")...)

	events := parseEvents(buf)
	require.Len(t, events, 3)
	require.Equal(t, "job-1", events[0].name)
	require.Equal(t, uint32(unix.IN_Q_OVERFLOW), events[1].mask)
	require.Equal(t, "", events[1].name)
	require.Equal(t, "job-123456789012345", events[2].name)

	// A truncated trailing event is ignored.
	require.Len(t, parseEvents(buf[:len(buf)-4]), 2)
}

func TestRun_PublishesOnCloseWrite(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{notify: make(chan struct{}, 4)}
	d, _ := newTestDaemon(t, dir, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Give the watch time to be installed before writing.
	time.Sleep(200 * time.Millisecond)
	writeJob(t, dir, "job-31", &jobfile.Job{ID: 31, Ops: []jobfile.Op{{OpID: "OP_INSTANCE_CREATE", Instance: "snf-31", Status: "queued"}}})

	select {
	case <-pub.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification published")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	notes := pub.notifications(t)
	require.Len(t, notes, 1)
	require.Equal(t, int64(31), notes[0].JobID)
}

func TestRun_MissingDirectory(t *testing.T) {
	pub := &fakePublisher{}
	d, _ := newTestDaemon(t, filepath.Join(t.TempDir(), "absent"), pub)
	require.Error(t, d.Run(context.Background()))
}
