package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/jobs"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "console")
}

type fakeInserter struct {
	args []river.JobArgs
	err  error
}

func (f *fakeInserter) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.args = append(f.args, args)
	return &rivertype.JobInsertResult{}, nil
}

type syncSubmitter struct {
	pools []worker.PoolName
}

func (s *syncSubmitter) SubmitDetached(name worker.PoolName, task worker.Task) error {
	s.pools = append(s.pools, name)
	task(context.Background())
	return nil
}

func TestProcess(t *testing.T) {
	msg := "started"
	valid, err := json.Marshal(domain.NewJobNotification("snf-3", "OP_INSTANCE_STARTUP", 12, "success", &msg))
	require.NoError(t, err)

	tests := []struct {
		name     string
		data     []byte
		enqueued bool
	}{
		{name: "valid", data: valid, enqueued: true},
		{name: "malformed", data: []byte("{not json")},
		{name: "foreign type", data: []byte(`{"type":"heartbeat","instance":"snf-3","jobId":1}`)},
		{name: "no job id", data: []byte(`{"type":"ganeti-op-status","instance":"snf-3"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := &fakeInserter{}
			require.NoError(t, New(ins, &syncSubmitter{}).Process(context.Background(), tt.data))
			if !tt.enqueued {
				require.Empty(t, ins.args)
				return
			}
			require.Len(t, ins.args, 1)
			args, ok := ins.args[0].(jobs.ReconcileArgs)
			require.True(t, ok)
			require.Equal(t, int64(12), args.Notification.JobID)
			require.Equal(t, "snf-3", args.Notification.Instance)
			require.Equal(t, "started", args.Notification.LogMessage())
		})
	}
}

func TestProcess_InsertError(t *testing.T) {
	data, err := json.Marshal(domain.NewJobNotification("snf-3", "OP_INSTANCE_STARTUP", 12, "running", nil))
	require.NoError(t, err)
	boom := errors.New("db down")

	err = New(&fakeInserter{err: boom}, &syncSubmitter{}).Process(context.Background(), data)
	require.ErrorIs(t, err, boom)
}

func TestHandle_UsesBackendPool(t *testing.T) {
	data, err := json.Marshal(domain.NewJobNotification("snf-3", "OP_INSTANCE_STARTUP", 12, "running", nil))
	require.NoError(t, err)
	ins := &fakeInserter{}
	sub := &syncSubmitter{}

	New(ins, sub).Handle(data)
	require.Equal(t, []worker.PoolName{worker.PoolBackend}, sub.pools)
	require.Len(t, ins.args, 1)
}
