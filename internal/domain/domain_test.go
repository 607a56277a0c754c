package domain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestTransitionFor(t *testing.T) {
	tests := []struct {
		op        Opcode
		wantKind  TransitionKind
		wantState OperState
		known     bool
	}{
		{OpInstanceCreate, ChangeTo, OperStateStarted, true},
		{OpInstanceRemove, ChangeTo, OperStateDestroyed, true},
		{OpInstanceStartup, ChangeTo, OperStateStarted, true},
		{OpInstanceShutdown, ChangeTo, OperStateStopped, true},
		{OpInstanceReboot, ChangeTo, OperStateStarted, true},
		{OpInstanceSetParams, NoChange, "", true},
		{OpInstanceQueryData, NoChange, "", true},
		{OpInstanceReinstall, NoChange, "", true},
		{OpInstanceActivateDisks, NoChange, "", true},
		{OpInstanceDeactivateDisks, NoChange, "", true},
		{OpInstanceReplaceDisks, NoChange, "", true},
		{OpInstanceMigrate, NoChange, "", true},
		{OpInstanceConsole, NoChange, "", true},
		{OpInstanceRecreateDisks, NoChange, "", true},
		{OpInstanceFailover, NoChange, "", true},
		{Opcode("OP_CLUSTER_VERIFY"), NoChange, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got, known := TransitionFor(tt.op)
			if known != tt.known {
				t.Fatalf("known = %v, want %v", known, tt.known)
			}
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Kind == ChangeTo && got.State != tt.wantState {
				t.Fatalf("state = %s, want %s", got.State, tt.wantState)
			}
		})
	}
}

func TestTransitionApply(t *testing.T) {
	set, _ := TransitionFor(OpInstanceShutdown)
	require.Equal(t, OperStateStopped, set.Apply(OperStateStarted))

	keep, _ := TransitionFor(OpInstanceSetParams)
	require.Equal(t, OperStateStarted, keep.Apply(OperStateStarted))
	require.False(t, OpInstanceSetParams.IsLifecycle())
	require.True(t, OpInstanceReboot.IsLifecycle())
}

func TestJobStatus(t *testing.T) {
	for _, s := range []JobStatus{JobStatusQueued, JobStatusWaiting, JobStatusCanceling, JobStatusRunning} {
		require.True(t, s.Valid(), s)
		require.False(t, s.Terminal(), s)
	}
	for _, s := range []JobStatus{JobStatusCanceled, JobStatusSuccess, JobStatusError} {
		require.True(t, s.Valid(), s)
		require.True(t, s.Terminal(), s)
	}
	require.False(t, JobStatus("lost").Valid())
}

func TestVirtualMachineTask(t *testing.T) {
	vm := NewVirtualMachine("web", "user-1", "proj-1", 1, 1, "img")
	require.Equal(t, OperStateBuild, vm.OperState)
	require.False(t, vm.HasPendingTask())

	vm.SetTask(TaskStart, OpInstanceStartup, 7)
	require.True(t, vm.HasPendingTask())
	require.EqualValues(t, 7, vm.BackendJobID)
	require.Equal(t, JobStatusQueued, vm.BackendJobStatus)

	vm.ClearTask()
	require.False(t, vm.HasPendingTask())
	require.Zero(t, vm.BackendJobID)
	require.Empty(t, vm.BackendOpcode)
}

func TestInstanceName(t *testing.T) {
	vm := &VirtualMachine{ID: 42}
	require.Equal(t, "snf-42", vm.InstanceName("snf-"))

	tests := []struct {
		name   string
		wantID int64
		wantOK bool
	}{
		{"snf-42", 42, true},
		{"snf-0", 0, false},
		{"snf-abc", 0, false},
		{"other-42", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		id, ok := ParseInstanceName("snf-", tt.name)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("ParseInstanceName(%q) = %d, %v; want %d, %v", tt.name, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestNewJobNotification(t *testing.T) {
	msg := "Instance started"
	withLog := NewJobNotification("snf-1", "OP_INSTANCE_STARTUP", 7, "success", &msg)
	data, err := json.Marshal(withLog)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ganeti-op-status","instance":"snf-1","operation":"OP_INSTANCE_STARTUP",
		"jobId":7,"status":"success","logmsg":"Instance started","message":"Instance started"}`, string(data))

	withoutLog := NewJobNotification("snf-1", "OP_INSTANCE_STARTUP", 7, "queued", nil)
	data, err = json.Marshal(withoutLog)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ganeti-op-status","instance":"snf-1","operation":"OP_INSTANCE_STARTUP",
		"jobId":7,"status":"queued","logmsg":null}`, string(data))
	require.Equal(t, "", withoutLog.LogMessage())
}

func TestResourceDelta(t *testing.T) {
	d := ResourceDelta{ResourceCPU: 2, ResourceRAM: -1024}
	require.Equal(t, ResourceDelta{ResourceCPU: -2, ResourceRAM: 1024}, d.Negate())
	require.False(t, d.IsZero())
	require.True(t, ResourceDelta{ResourceCPU: 0}.IsZero())
}

func TestEventDispatcher(t *testing.T) {
	d := NewEventDispatcher()
	var got []EventType
	d.Register(EventVMStateChanged, func(_ context.Context, e *DomainEvent) error {
		got = append(got, e.EventType)
		var p VMStateChangedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		require.EqualValues(t, 3, p.VMID)
		require.Equal(t, "3", e.AggregateID)
		return nil
	})
	d.Register(EventVMStateChanged, func(context.Context, *DomainEvent) error {
		return errors.New("handler down")
	})

	err := d.DispatchPayload(context.Background(), EventVMStateChanged, 3, "reconciler",
		VMStateChangedPayload{VMID: 3, From: OperStateStopped, To: OperStateStarted})
	require.Error(t, err)
	require.Equal(t, []EventType{EventVMStateChanged}, got)

	// No handlers registered is not an error.
	require.NoError(t, d.DispatchPayload(context.Background(), EventCommissionResolved, 3, "x",
		CommissionResolvedPayload{VMID: 3, Serial: 1, Accept: true}))

	var nilDispatcher *EventDispatcher
	require.NoError(t, nilDispatcher.DispatchPayload(context.Background(), EventVMStateChanged, 1, "x",
		VMStateChangedPayload{}))
}
