//go:build !linux

package eventd

import (
	"context"
	"errors"
)

// Run is only supported on Linux, where inotify is available.
func (d *Daemon) Run(ctx context.Context) error {
	return errors.New("eventd: job queue watching requires linux inotify")
}
