package eventd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/jobfile"
)

const testSubject = "ganeti.importer"

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	failAt   map[int]bool
	calls    int
	notify   chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if p.failAt[call] {
		return errors.New("broker unavailable")
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	if p.notify != nil {
		p.notify <- struct{}{}
	}
	return nil
}

func (p *fakePublisher) notifications(t *testing.T) []domain.JobNotification {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.JobNotification, 0, len(p.payloads))
	for _, b := range p.payloads {
		var n domain.JobNotification
		require.NoError(t, json.Unmarshal(b, &n))
		out = append(out, n)
	}
	return out
}

func writeJob(t *testing.T, dir, name string, job *jobfile.Job) {
	t.Helper()
	data, err := jobfile.Encode(job)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func newTestDaemon(t *testing.T, dir string, pub *fakePublisher) (*Daemon, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := New(Config{QueueDir: dir, JobPrefix: "job-", Subject: testSubject}, pub, zap.NewNop(), metrics)
	return d, metrics
}

func strPtr(s string) *string { return &s }

func TestHandleFile_PublishesOnePerOp(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "job-17", &jobfile.Job{ID: 17, Ops: []jobfile.Op{
		{OpID: "OP_INSTANCE_SHUTDOWN", Instance: "snf-3", Status: "success", LogMsg: strPtr("stopped")},
		{OpID: "OP_INSTANCE_STARTUP", Instance: "snf-3", Status: "running"},
	}})

	pub := &fakePublisher{}
	d, metrics := newTestDaemon(t, dir, pub)
	d.HandleFile(context.Background(), "job-17")

	notes := pub.notifications(t)
	require.Len(t, notes, 2)
	require.Equal(t, []string{testSubject, testSubject}, pub.subjects)
	require.Equal(t, "OP_INSTANCE_SHUTDOWN", notes[0].Operation)
	require.Equal(t, "stopped", notes[0].LogMessage())
	require.Equal(t, "OP_INSTANCE_STARTUP", notes[1].Operation)
	require.Nil(t, notes[1].LogMsg)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.events.WithLabelValues(ResultPublished)))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.notifications.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.notifications.WithLabelValues("running")))
}

func TestHandleFile_Dropped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-bad"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "serial"), []byte("12"), 0o600))

	tests := []struct {
		name   string
		file   string
		result string
	}{
		{name: "non job file", file: "serial", result: ResultIgnored},
		{name: "missing file", file: "job-404", result: ResultReadError},
		{name: "malformed file", file: "job-bad", result: ResultDecodeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			d, metrics := newTestDaemon(t, dir, pub)
			d.HandleFile(context.Background(), tt.file)
			require.Empty(t, pub.payloads)
			require.Equal(t, float64(1), testutil.ToFloat64(metrics.events.WithLabelValues(tt.result)))
		})
	}
}

func TestHandleFile_PublishFailureDropsOnlyThatOp(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "job-5", &jobfile.Job{ID: 5, Ops: []jobfile.Op{
		{OpID: "OP_INSTANCE_REBOOT", Instance: "snf-1", Status: "running"},
		{OpID: "OP_INSTANCE_REBOOT", Instance: "snf-2", Status: "running"},
	}})

	pub := &fakePublisher{failAt: map[int]bool{0: true}}
	d, metrics := newTestDaemon(t, dir, pub)
	d.HandleFile(context.Background(), "job-5")

	notes := pub.notifications(t)
	require.Len(t, notes, 1)
	require.Equal(t, "snf-2", notes[0].Instance)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.publishErrors))
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "job-2", &jobfile.Job{ID: 2, Ops: []jobfile.Op{{OpID: "OP_INSTANCE_STARTUP", Instance: "snf-2", Status: "success"}}})
	writeJob(t, dir, "job-1", &jobfile.Job{ID: 1, Ops: []jobfile.Op{{OpID: "OP_INSTANCE_STARTUP", Instance: "snf-1", Status: "success"}}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lock"), nil, 0o600))

	pub := &fakePublisher{}
	d, _ := newTestDaemon(t, dir, pub)
	require.NoError(t, d.Replay(context.Background()))

	notes := pub.notifications(t)
	require.Len(t, notes, 2)
	require.Equal(t, int64(1), notes[0].JobID)
	require.Equal(t, int64(2), notes[1].JobID)
}

func TestNew_NilMetrics(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "job-9", &jobfile.Job{ID: 9, Ops: []jobfile.Op{{OpID: "OP_INSTANCE_REMOVE", Instance: "snf-9", Status: "queued"}}})

	pub := &fakePublisher{}
	d := New(Config{QueueDir: dir, Subject: testSubject}, pub, nil, nil)
	d.HandleFile(context.Background(), "job-9")
	require.Len(t, pub.notifications(t), 1)
}
