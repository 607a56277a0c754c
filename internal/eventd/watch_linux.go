//go:build linux

package eventd

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pollTimeoutMillis bounds how long the loop waits before rechecking ctx.
const pollTimeoutMillis = 100

// Run watches the queue directory for IN_CLOSE_WRITE until ctx is done.
// A failure to set up the watch is returned immediately; errors while
// running end the loop.
func (d *Daemon) Run(ctx context.Context) error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w", err)
	}
	defer unix.Close(fd)

	wd, err := unix.InotifyAddWatch(fd, d.cfg.QueueDir, unix.IN_CLOSE_WRITE)
	if err != nil {
		return fmt.Errorf("inotify_add_watch on %s: %w", d.cfg.QueueDir, err)
	}
	defer func() {
		_, _ = unix.InotifyRmWatch(fd, uint32(wd))
	}()

	d.logger.Info("watching job queue",
		zap.String("dir", d.cfg.QueueDir),
		zap.String("prefix", d.cfg.JobPrefix),
		zap.String("subject", d.cfg.Subject),
	)

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stopping queue watcher")
			return nil
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll inotify fd: %w", err)
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("read inotify fd: %w", err)
		}

		for _, ev := range parseEvents(buffer[:bytesRead]) {
			if ev.mask&unix.IN_Q_OVERFLOW != 0 {
				d.logger.Warn("inotify queue overflow, events lost")
				continue
			}
			if ev.mask&unix.IN_CLOSE_WRITE == 0 || ev.name == "" {
				continue
			}
			d.HandleFile(ctx, ev.name)
		}
	}
}

type inotifyEvent struct {
	mask uint32
	name string
}

// parseEvents decodes a buffer of raw inotify events. Layout from inotify(7):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null-padded to alignment
//	};
func parseEvents(buffer []byte) []inotifyEvent {
	var events []inotifyEvent
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}

		var name string
		if nameLength > 0 {
			name = nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		events = append(events, inotifyEvent{mask: mask, name: name})

		offset += eventSize
	}
	return events
}

func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
