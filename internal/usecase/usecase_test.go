package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/ippool"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store"
	"gnt-shepherd.io/shepherd/internal/store/memstore"
)

func init() {
	_ = logger.Init("error", "console")
}

const testProject = "proj-a"

var (
	smallFlavor = domain.Flavor{ID: 1, Name: "small", CPU: 1, RAMMB: 1024, DiskGB: 10, DiskTemplate: "plain", Public: true}
	bigFlavor   = domain.Flavor{ID: 2, Name: "big", CPU: 4, RAMMB: 4096, DiskGB: 10, DiskTemplate: "plain", Public: true}
)

type fakeAudit struct {
	mu  sync.Mutex
	ops []string
}

func (f *fakeAudit) LogVMOperation(ctx context.Context, operation string, vmID int64, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("%s:%d:%s", operation, vmID, actor))
	return nil
}

type fixture struct {
	st     *memstore.Store
	holder *quota.MemHolder
	client *backend.MockClient
	audit  *fakeAudit
	svc    *VMService
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddFlavor(smallFlavor)
	st.AddFlavor(bigFlavor)
	st.AddBackend(domain.Backend{ID: 1, ClusterName: "ganeti1", Public: true})

	holder := quota.NewMemHolder(nil)
	client := backend.NewMockClient()
	client.SetNextJobID(100)
	audit := &fakeAudit{}
	svc := NewVMService(st, quota.NewLedger(holder), client, settings).WithAuditLogger(audit)
	return &fixture{st: st, holder: holder, client: client, audit: audit, svc: svc}
}

func (f *fixture) putVM(state domain.OperState) int64 {
	return f.st.PutVM(domain.VirtualMachine{
		Name:      "vm",
		Owner:     "alice",
		Project:   testProject,
		FlavorID:  smallFlavor.ID,
		BackendID: 1,
		ImageRef:  "img-1",
		OperState: state,

		HoldsResources: state != domain.OperStateBuild,
		HoldsActive:    state == domain.OperStateStarted,
	})
}

func (f *fixture) vm(t *testing.T, id int64) domain.VirtualMachine {
	t.Helper()
	vm, ok := f.st.VM(id)
	require.True(t, ok)
	return vm
}

// requireTaskInvariant checks that a pending task and a backend job id
// are always set together.
func requireTaskInvariant(t *testing.T, vm domain.VirtualMachine) {
	t.Helper()
	require.Equal(t, vm.Task != domain.TaskNone, vm.BackendJobID != 0,
		"task=%q job=%d", vm.Task, vm.BackendJobID)
}

func TestActions_Submit(t *testing.T) {
	tests := []struct {
		name   string
		state  domain.OperState
		run    func(ctx context.Context, s *VMService, id int64) (*domain.VirtualMachine, error)
		task   domain.Task
		opcode domain.Opcode
		method string
		serial bool
	}{
		{
			name:   "start",
			state:  domain.OperStateStopped,
			run:    func(ctx context.Context, s *VMService, id int64) (*domain.VirtualMachine, error) { return s.Start(ctx, id) },
			task:   domain.TaskStart,
			opcode: domain.OpInstanceStartup,
			method: "StartupInstance",
			serial: true,
		},
		{
			name:   "stop",
			state:  domain.OperStateStarted,
			run:    func(ctx context.Context, s *VMService, id int64) (*domain.VirtualMachine, error) { return s.Stop(ctx, id) },
			task:   domain.TaskStop,
			opcode: domain.OpInstanceShutdown,
			method: "ShutdownInstance",
			serial: true,
		},
		{
			name:  "reboot",
			state: domain.OperStateStarted,
			run: func(ctx context.Context, s *VMService, id int64) (*domain.VirtualMachine, error) {
				return s.Reboot(ctx, id, backend.RebootHard)
			},
			task:   domain.TaskReboot,
			opcode: domain.OpInstanceReboot,
			method: "RebootInstance",
		},
		{
			name:   "destroy",
			state:  domain.OperStateStopped,
			run:    func(ctx context.Context, s *VMService, id int64) (*domain.VirtualMachine, error) { return s.Destroy(ctx, id) },
			task:   domain.TaskDestroy,
			opcode: domain.OpInstanceRemove,
			method: "DeleteInstance",
			serial: true,
		},
		{
			name:  "resize",
			state: domain.OperStateStopped,
			run: func(ctx context.Context, s *VMService, id int64) (*domain.VirtualMachine, error) {
				return s.Resize(ctx, id, bigFlavor.ID)
			},
			task:   domain.TaskResize,
			opcode: domain.OpInstanceSetParams,
			method: "ModifyInstance",
			serial: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Settings{})
			id := f.putVM(tt.state)

			got, err := tt.run(WithActor(context.Background(), "alice"), f.svc, id)
			require.NoError(t, err)
			require.Equal(t, tt.task, got.Task)

			vm := f.vm(t, id)
			requireTaskInvariant(t, vm)
			require.Equal(t, tt.task, vm.Task)
			require.Equal(t, tt.opcode, vm.BackendOpcode)
			require.Equal(t, int64(100), vm.BackendJobID)
			require.Equal(t, domain.JobStatusQueued, vm.BackendJobStatus)
			require.Equal(t, tt.state, vm.OperState, "operstate only changes on reconcile")

			call, ok := f.client.LastCall()
			require.True(t, ok)
			require.Equal(t, tt.method, call.Method)
			require.Equal(t, fmt.Sprintf("snf-%d", id), call.Instance)

			if tt.serial {
				require.NotZero(t, vm.Serial)
				require.Equal(t, "pending", f.holder.State(vm.Serial))
			} else {
				require.Zero(t, vm.Serial)
			}
			require.Contains(t, f.audit.ops, fmt.Sprintf("%s:%d:alice", tt.name, id))
		})
	}
}

func TestActions_InvalidOperState(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	started := f.putVM(domain.OperStateStarted)
	_, err := f.svc.Start(ctx, started)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	stopped := f.putVM(domain.OperStateStopped)
	_, err = f.svc.Stop(ctx, stopped)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	_, err = f.svc.Reboot(ctx, stopped, backend.RebootSoft)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = f.svc.Reboot(ctx, started, backend.RebootType("WARM"))
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	require.Empty(t, f.client.Calls())
}

func TestStart_Suspended(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.putVM(domain.OperStateStopped)

	_, err := f.svc.SetSuspended(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, domain.ActionSuspend, f.vm(t, id).Action)

	_, err = f.svc.Start(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindForbidden))

	_, err = f.svc.SetSuspended(context.Background(), id, false)
	require.NoError(t, err)
	_, err = f.svc.Start(context.Background(), id)
	require.NoError(t, err)
}

func TestActions_PendingTaskRejected(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	id := f.putVM(domain.OperStateStopped)

	_, err := f.svc.Start(ctx, id)
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, id)
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodePendingTask, appErr.Code)

	require.Len(t, f.client.Calls(), 1)
	requireTaskInvariant(t, f.vm(t, id))
}

func TestActions_ConcurrentStart(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.putVM(domain.OperStateStopped)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Start(context.Background(), id)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperrors.IsKind(err, apperrors.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)
	require.Len(t, f.client.Calls(), 1)
	requireTaskInvariant(t, f.vm(t, id))
}

func TestActions_DeletedVM(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.st.PutVM(domain.VirtualMachine{
		Project: testProject, FlavorID: smallFlavor.ID, BackendID: 1,
		OperState: domain.OperStateDestroyed, Deleted: true,
	})

	_, err := f.svc.Start(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	_, err = f.svc.Destroy(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = f.svc.Start(context.Background(), 999)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestActions_SynchronousBackendFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.putVM(domain.OperStateStopped)
	f.client.FailOn("StartupInstance", &backend.StatusError{StatusCode: 500, Body: "boom"})

	_, err := f.svc.Start(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindBackend))

	vm := f.vm(t, id)
	require.Equal(t, domain.OperStateError, vm.OperState)
	require.Equal(t, domain.TaskNone, vm.Task)
	require.Zero(t, vm.Serial)
	requireTaskInvariant(t, vm)

	// The commission was rejected, leaving nothing pending at the holder.
	h := f.holder.Holding(testProject, domain.ResourceCPU)
	require.Zero(t, h.PendingAdd)
	require.Zero(t, h.Usage)
	require.Contains(t, f.audit.ops, fmt.Sprintf("start.failed:%d:system", id))
}

func TestActions_BackendTimeoutLeavesSerialInDoubt(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.putVM(domain.OperStateStopped)
	f.client.FailOn("StartupInstance", fmt.Errorf("startup: %w", apperrors.ErrTimeout))

	_, err := f.svc.Start(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindBackendTimeout))

	vm := f.vm(t, id)
	require.Equal(t, domain.OperStateStopped, vm.OperState)
	require.Equal(t, domain.TaskNone, vm.Task)
	requireTaskInvariant(t, vm)
	require.NotZero(t, vm.Serial)

	cs, ok := f.st.Serial(vm.Serial)
	require.True(t, ok)
	require.True(t, cs.Pending)
	require.Equal(t, "pending", f.holder.State(vm.Serial))

	// A pending serial blocks the next commission until an operator decides.
	f.client.FailOn("StartupInstance", nil)
	_, err = f.svc.Start(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindResolve))
}

func TestActions_QuotaExceeded(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.putVM(domain.OperStateStopped)
	f.holder.SetLimit(testProject, domain.ResourceCPU, 0)

	_, err := f.svc.Start(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
	appErr, _ := apperrors.IsAppError(err)
	require.Equal(t, apperrors.CodeQuotaExceeded, appErr.Code)

	vm := f.vm(t, id)
	require.Equal(t, domain.OperStateStopped, vm.OperState)
	require.Zero(t, vm.Serial)
	require.Empty(t, f.client.Calls())
}

func TestDestroy_PreemptsPendingTask(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	id := f.putVM(domain.OperStateStopped)

	_, err := f.svc.Start(ctx, id)
	require.NoError(t, err)
	startSerial := f.vm(t, id).Serial

	_, err = f.svc.Destroy(ctx, id)
	require.NoError(t, err)

	vm := f.vm(t, id)
	require.Equal(t, domain.TaskDestroy, vm.Task)
	require.Equal(t, domain.OpInstanceRemove, vm.BackendOpcode)
	require.Equal(t, int64(101), vm.BackendJobID)
	require.NotEqual(t, startSerial, vm.Serial)
	require.Equal(t, "rejected", f.holder.State(startSerial))
	require.Equal(t, "pending", f.holder.State(vm.Serial))
}

func TestResize(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	t.Run("submits and records pending flavor", func(t *testing.T) {
		id := f.putVM(domain.OperStateStopped)
		_, err := f.svc.Resize(ctx, id, bigFlavor.ID)
		require.NoError(t, err)

		vm := f.vm(t, id)
		require.Equal(t, bigFlavor.ID, vm.PendingFlavorID)
		require.Equal(t, smallFlavor.ID, vm.FlavorID)

		call, _ := f.client.LastCall()
		require.Equal(t, 4, call.Modify.BEParams["vcpus"])
		require.Equal(t, 4096, call.Modify.BEParams["maxmem"])
	})

	t.Run("rejects a running vm", func(t *testing.T) {
		id := f.putVM(domain.OperStateStarted)
		_, err := f.svc.Resize(ctx, id, bigFlavor.ID)
		require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("rejects a different disk size", func(t *testing.T) {
		f.st.AddFlavor(domain.Flavor{ID: 3, CPU: 1, RAMMB: 1024, DiskGB: 20, DiskTemplate: "plain", Public: true})
		id := f.putVM(domain.OperStateStopped)
		_, err := f.svc.Resize(ctx, id, 3)
		require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("rejects a private flavor", func(t *testing.T) {
		f.st.AddFlavor(domain.Flavor{ID: 4, CPU: 8, RAMMB: 1024, DiskGB: 10, DiskTemplate: "plain"})
		id := f.putVM(domain.OperStateStopped)
		_, err := f.svc.Resize(ctx, id, 4)
		require.True(t, apperrors.IsKind(err, apperrors.KindForbidden))

		f.st.GrantFlavor(testProject, 4)
		_, err = f.svc.Resize(ctx, id, 4)
		require.NoError(t, err)
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	in := CreateVMInput{Name: "web", Owner: "alice", Project: testProject, FlavorID: smallFlavor.ID, ImageRef: "img-1"}

	t.Run("submits creation", func(t *testing.T) {
		f := newFixture(t, Settings{DiskTemplate: "drbd", OS: "snf-image+default"})
		vm, err := f.svc.Create(ctx, in)
		require.NoError(t, err)
		require.NotZero(t, vm.ID)

		got := f.vm(t, vm.ID)
		requireTaskInvariant(t, got)
		require.Equal(t, domain.OperStateBuild, got.OperState)
		require.Equal(t, domain.TaskCreate, got.Task)
		require.Equal(t, domain.ActionCreate, got.Action)
		require.Equal(t, domain.OpInstanceCreate, got.BackendOpcode)

		call, _ := f.client.LastCall()
		require.Equal(t, "CreateInstance", call.Method)
		require.Equal(t, fmt.Sprintf("snf-%d", vm.ID), call.Create.Name)
		require.Equal(t, "plain", call.Create.DiskTemplate)
		require.Equal(t, "snf-image+default", call.Create.OS)
		require.Equal(t, 10240, call.Create.Disks[0].SizeMB)
		require.Equal(t, "img-1", call.Create.OSParams["img_id"])
	})

	t.Run("destroy during build", func(t *testing.T) {
		f := newFixture(t, Settings{})
		vm, err := f.svc.Create(ctx, in)
		require.NoError(t, err)

		_, err = f.svc.Start(ctx, vm.ID)
		require.True(t, apperrors.IsKind(err, apperrors.KindBuildInProgress))

		_, err = f.svc.Destroy(ctx, vm.ID)
		require.NoError(t, err)
		require.Equal(t, domain.TaskDestroy, f.vm(t, vm.ID).Task)
	})

	t.Run("backend failure keeps the vm in error", func(t *testing.T) {
		f := newFixture(t, Settings{})
		f.client.FailOn("CreateInstance", &backend.StatusError{StatusCode: 400, Body: "bad"})
		_, err := f.svc.Create(ctx, in)
		require.True(t, apperrors.IsKind(err, apperrors.KindBackend))

		vm := f.vm(t, 1)
		require.Equal(t, domain.OperStateError, vm.OperState)
		require.Equal(t, domain.TaskNone, vm.Task)
		require.Equal(t, "rejected", f.holder.State(1))
	})

	t.Run("no usable backend", func(t *testing.T) {
		f := newFixture(t, Settings{})
		f.st.AddBackend(domain.Backend{ID: 1, ClusterName: "ganeti1", Public: true, Drained: true})
		_, err := f.svc.Create(ctx, in)
		require.True(t, apperrors.IsKind(err, apperrors.KindServiceUnavailable))
	})

	t.Run("prefers granted backend", func(t *testing.T) {
		f := newFixture(t, Settings{})
		f.st.AddBackend(domain.Backend{ID: 2, ClusterName: "private"})
		f.st.GrantBackend(testProject, 2)
		vm, err := f.svc.Create(ctx, in)
		require.NoError(t, err)
		require.Equal(t, int64(2), vm.BackendID)
	})

	t.Run("validates input", func(t *testing.T) {
		f := newFixture(t, Settings{})
		_, err := f.svc.Create(ctx, CreateVMInput{Name: "x"})
		require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})
}

func TestCreate_FailedThenDestroyReleasesNothing(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	f.client.FailOn("CreateInstance", &backend.StatusError{StatusCode: 400, Body: "bad"})

	_, err := f.svc.Create(ctx, CreateVMInput{Name: "web", Owner: "alice", Project: testProject, FlavorID: smallFlavor.ID, ImageRef: "img-1"})
	require.True(t, apperrors.IsKind(err, apperrors.KindBackend))
	failed := f.vm(t, 1)
	require.False(t, failed.HoldsResources)
	require.False(t, failed.HoldsActive)

	f.client.FailOn("CreateInstance", nil)
	vm, err := f.svc.Destroy(ctx, failed.ID)
	require.NoError(t, err)
	require.Zero(t, vm.Serial)
	require.Equal(t, domain.TaskDestroy, vm.Task)
	require.Zero(t, f.holder.Holding(testProject, domain.ResourceVM).PendingRemove)
	require.Zero(t, f.holder.Holding(testProject, domain.ResourceVM).Usage)
}

func TestDestroy_ReleasesWhatIsHeld(t *testing.T) {
	tests := []struct {
		name     string
		vm       domain.VirtualMachine
		wantVM   int64
		wantCPU  int64
		noSerial bool
	}{
		{
			name:    "error after running",
			vm:      domain.VirtualMachine{OperState: domain.OperStateError, HoldsResources: true, HoldsActive: true},
			wantVM:  -1,
			wantCPU: -int64(smallFlavor.CPU),
		},
		{
			name:   "error after a failed start",
			vm:     domain.VirtualMachine{OperState: domain.OperStateError, HoldsResources: true},
			wantVM: -1,
		},
		{
			name:     "error after a failed build",
			vm:       domain.VirtualMachine{OperState: domain.OperStateError},
			noSerial: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Settings{})
			ctx := context.Background()
			in := tt.vm
			in.Project, in.FlavorID, in.BackendID = testProject, smallFlavor.ID, 1
			id := f.st.PutVM(in)

			vm, err := f.svc.Destroy(ctx, id)
			require.NoError(t, err)
			if tt.noSerial {
				require.Zero(t, vm.Serial)
				return
			}
			require.NotZero(t, vm.Serial)

			// Accepting the release zeroes what the VM holds.
			err = f.st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := quota.NewLedger(f.holder).ResolveSerial(ctx, tx, vm.Serial, true)
				return err
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantVM, f.holder.Holding(testProject, domain.ResourceVM).Usage)
			require.Equal(t, tt.wantCPU, f.holder.Holding(testProject, domain.ResourceCPU).Usage)
			got := f.vm(t, id)
			require.False(t, got.HoldsResources)
			require.False(t, got.HoldsActive)
		})
	}
}

func TestConnectPort_Hotplug(t *testing.T) {
	f := newFixture(t, Settings{Hotplug: true})
	ctx := context.Background()
	pool, err := ippool.New(netip.MustParsePrefix("10.0.0.0/29"), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	f.st.AddNetwork(domain.Network{ID: 7, Name: "net", BackendName: "snf-net-7", Subnet: "10.0.0.0/29", Gateway: "10.0.0.1", Pool: pool.Bytes()})
	f.st.AddPort(domain.Port{ID: 70, NetworkID: 7, State: domain.PortDown})
	id := f.putVM(domain.OperStateStarted)

	_, err = f.svc.ConnectPort(ctx, id, 7, 70)
	require.NoError(t, err)

	vm := f.vm(t, id)
	require.Equal(t, domain.TaskConnect, vm.Task)
	require.NotNil(t, vm.PendingNIC)
	require.Equal(t, "10.0.0.2", vm.PendingNIC.Address)
	require.Zero(t, vm.Serial, "nic changes carry no commission")

	port, _ := f.st.Port(70)
	require.Equal(t, id, port.VMID)
	require.Equal(t, domain.PortBuild, port.State)

	network, _ := f.st.Network(7)
	saved, err := ippool.FromBytes(netip.MustParsePrefix("10.0.0.0/29"), network.Pool)
	require.NoError(t, err)
	require.False(t, saved.IsAvailable(netip.MustParseAddr("10.0.0.2")))
	require.Equal(t, pool.Available()-1, saved.Available(), "exactly one address is reserved")

	call, _ := f.client.LastCall()
	require.True(t, call.Modify.Hotplug)
	require.Equal(t, "add", call.Modify.NICs[0][0])
}

func TestConnectPort_FailureReleasesAddress(t *testing.T) {
	f := newFixture(t, Settings{Hotplug: true})
	ctx := context.Background()
	prefix := netip.MustParsePrefix("10.0.0.0/29")
	pool, err := ippool.New(prefix, netip.Addr{})
	require.NoError(t, err)
	f.st.AddNetwork(domain.Network{ID: 7, BackendName: "snf-net-7", Subnet: prefix.String(), Pool: pool.Bytes()})
	f.st.AddPort(domain.Port{ID: 70, NetworkID: 7})
	id := f.putVM(domain.OperStateStarted)
	f.client.FailOn("ModifyInstance", &backend.StatusError{StatusCode: 500})

	_, err = f.svc.ConnectPort(ctx, id, 7, 70)
	require.True(t, apperrors.IsKind(err, apperrors.KindBackend))

	port, _ := f.st.Port(70)
	require.Equal(t, domain.PortError, port.State)
	network, _ := f.st.Network(7)
	saved, err := ippool.FromBytes(prefix, network.Pool)
	require.NoError(t, err)
	require.True(t, saved.IsAvailable(netip.MustParseAddr("10.0.0.1")))
	require.Nil(t, f.vm(t, id).PendingNIC)
}

// portWriteFailingStore fails every port update inside a transaction.
type portWriteFailingStore struct {
	*memstore.Store
	err error
}

func (s portWriteFailingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, portWriteFailingTx{Tx: tx, err: s.err})
	})
}

type portWriteFailingTx struct {
	store.Tx
	err error
}

func (t portWriteFailingTx) UpdatePort(context.Context, *domain.Port) error { return t.err }

func TestConnectPort_StoreFailureReleasesAddress(t *testing.T) {
	f := newFixture(t, Settings{Hotplug: true})
	prefix := netip.MustParsePrefix("10.0.0.0/29")
	pool, err := ippool.New(prefix, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	f.st.AddNetwork(domain.Network{ID: 7, BackendName: "snf-net-7", Subnet: prefix.String(), Gateway: "10.0.0.1", Pool: pool.Bytes()})
	f.st.AddPort(domain.Port{ID: 70, NetworkID: 7, State: domain.PortDown})
	id := f.putVM(domain.OperStateStarted)

	writeErr := errors.New("port table unavailable")
	svc := NewVMService(portWriteFailingStore{Store: f.st, err: writeErr}, quota.NewLedger(f.holder), f.client, Settings{Hotplug: true})

	_, err = svc.ConnectPort(context.Background(), id, 7, 70)
	require.ErrorIs(t, err, writeErr)
	require.Empty(t, f.client.Calls())

	network, _ := f.st.Network(7)
	saved, err := ippool.FromBytes(prefix, network.Pool)
	require.NoError(t, err)
	require.Equal(t, pool.Available(), saved.Available())
	require.True(t, saved.IsAvailable(netip.MustParseAddr("10.0.0.2")))

	port, _ := f.st.Port(70)
	require.Zero(t, port.VMID)
	require.Empty(t, port.Address)
	require.Equal(t, domain.TaskNone, f.vm(t, id).Task)
}

func TestConnectPort_TimeoutKeepsAddress(t *testing.T) {
	f := newFixture(t, Settings{Hotplug: true})
	prefix := netip.MustParsePrefix("10.0.0.0/29")
	pool, err := ippool.New(prefix, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	f.st.AddNetwork(domain.Network{ID: 7, BackendName: "snf-net-7", Subnet: prefix.String(), Gateway: "10.0.0.1", Pool: pool.Bytes()})
	f.st.AddPort(domain.Port{ID: 70, NetworkID: 7, State: domain.PortDown})
	id := f.putVM(domain.OperStateStarted)
	f.client.FailOn("ModifyInstance", apperrors.ErrTimeout)

	_, err = f.svc.ConnectPort(context.Background(), id, 7, 70)
	require.True(t, apperrors.IsKind(err, apperrors.KindBackendTimeout))

	port, _ := f.st.Port(70)
	require.Equal(t, "10.0.0.2", port.Address)
	network, _ := f.st.Network(7)
	saved, err := ippool.FromBytes(prefix, network.Pool)
	require.NoError(t, err)
	require.False(t, saved.IsAvailable(netip.MustParseAddr("10.0.0.2")))
}

func TestConnectPort_RequiresStoppedWithoutHotplug(t *testing.T) {
	f := newFixture(t, Settings{})
	f.st.AddNetwork(domain.Network{ID: 7, BackendName: "snf-net-7", Subnet: "10.0.0.0/29"})
	f.st.AddPort(domain.Port{ID: 70, NetworkID: 7})
	id := f.putVM(domain.OperStateStarted)

	_, err := f.svc.ConnectPort(context.Background(), id, 7, 70)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestDisconnectPort(t *testing.T) {
	f := newFixture(t, Settings{})
	f.st.AddNetwork(domain.Network{ID: 7, BackendName: "snf-net-7", Subnet: "10.0.0.0/29"})
	f.st.AddPort(domain.Port{ID: 70, NetworkID: 7, State: domain.PortActive, Index: 1})
	f.st.AddPort(domain.Port{ID: 71, NetworkID: 7})
	id := f.putVM(domain.OperStateStopped)
	f.st.AddPort(domain.Port{ID: 72, VMID: id, NetworkID: 7, State: domain.PortActive, Index: 1, Address: "10.0.0.3"})

	_, err := f.svc.DisconnectPort(context.Background(), id, 71)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = f.svc.DisconnectPort(context.Background(), id, 72)
	require.NoError(t, err)
	vm := f.vm(t, id)
	require.Equal(t, domain.TaskDisconnect, vm.Task)
	require.Equal(t, domain.NICRemove, vm.PendingNIC.Op)
	require.Equal(t, "10.0.0.3", vm.PendingNIC.Address)

	call, _ := f.client.LastCall()
	require.Equal(t, []interface{}{"remove", "1", map[string]interface{}{}}, call.Modify.NICs[0])
}

func TestReassign(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	id := f.putVM(domain.OperStateStarted)
	f.st.AddVolume(domain.Volume{ID: 1, VMID: id, Index: 0, Project: testProject})
	f.st.AddVolume(domain.Volume{ID: 2, VMID: id, Index: 1, Project: testProject})

	vm, err := f.svc.Reassign(ctx, id, "proj-b", true)
	require.NoError(t, err)
	require.Equal(t, "proj-b", vm.Project)
	require.True(t, vm.SharedToProject)
	require.Zero(t, vm.Serial)
	require.Empty(t, f.client.Calls())

	// Held resources moved and settled at once.
	require.Equal(t, int64(1), f.holder.Holding("proj-b", domain.ResourceVM).Usage)
	require.Equal(t, int64(-1), f.holder.Holding(testProject, domain.ResourceVM).Usage)
	require.Equal(t, int64(1), f.holder.Holding("proj-b", domain.ResourceCPU).Usage)

	volumes := f.st.Volumes(id)
	require.Equal(t, "proj-b", volumes[0].Project)
	require.True(t, volumes[0].SharedToProject)
	require.Equal(t, testProject, volumes[1].Project)
}

func TestReassign_PrivateBackend(t *testing.T) {
	f := newFixture(t, Settings{})
	f.st.AddBackend(domain.Backend{ID: 2, ClusterName: "private"})
	f.st.GrantBackend(testProject, 2)
	id := f.st.PutVM(domain.VirtualMachine{Project: testProject, FlavorID: smallFlavor.ID, BackendID: 2, OperState: domain.OperStateStopped})

	_, err := f.svc.Reassign(context.Background(), id, "proj-b", false)
	require.True(t, apperrors.IsKind(err, apperrors.KindForbidden))

	f.st.GrantBackend("proj-b", 2)
	_, err = f.svc.Reassign(context.Background(), id, "proj-b", false)
	require.NoError(t, err)
}

func TestRescue(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	f.st.AddRescueImage(domain.RescueImage{ID: 1, Name: "default", Location: "/img/default.iso", IsDefault: true})
	f.st.AddRescueImage(domain.RescueImage{ID: 2, Name: "linux", Location: "/img/linux.iso", OSFamily: "linux", OS: "debian"})
	f.st.AddRescueImage(domain.RescueImage{ID: 3, Name: "windows", Location: "/img/win.iso", OSFamily: "windows"})

	tests := []struct {
		name   string
		family string
		os     string
		image  int64
	}{
		{name: "exact match", family: "linux", os: "debian", image: 2},
		{name: "family match", family: "windows", os: "2019", image: 3},
		{name: "default", image: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := f.st.PutVM(domain.VirtualMachine{
				Project: testProject, FlavorID: smallFlavor.ID, BackendID: 1,
				OperState: domain.OperStateStopped, RescueOSFamily: tt.family, RescueOS: tt.os,
			})
			_, err := f.svc.Rescue(ctx, id)
			require.NoError(t, err)

			vm := f.vm(t, id)
			require.Equal(t, domain.TaskRescue, vm.Task)
			require.Equal(t, tt.image, vm.RescueImageID)
			require.False(t, vm.Rescue, "rescue flag is set on reconcile")

			call, _ := f.client.LastCall()
			require.Equal(t, "cdrom", call.Modify.HVParams["boot_order"])
		})
	}

	t.Run("unrescue requires rescue mode", func(t *testing.T) {
		id := f.putVM(domain.OperStateStopped)
		_, err := f.svc.Unrescue(ctx, id)
		require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

		rescued := f.st.PutVM(domain.VirtualMachine{
			Project: testProject, FlavorID: smallFlavor.ID, BackendID: 1,
			OperState: domain.OperStateStopped, Rescue: true, RescueImageID: 1,
		})
		_, err = f.svc.Unrescue(ctx, rescued)
		require.NoError(t, err)
		call, _ := f.client.LastCall()
		require.Equal(t, "disk", call.Modify.HVParams["boot_order"])
	})
}

func TestRescue_NoImage(t *testing.T) {
	f := newFixture(t, Settings{})
	id := f.putVM(domain.OperStateStopped)
	_, err := f.svc.Rescue(context.Background(), id)
	require.True(t, apperrors.IsKind(err, apperrors.KindServiceUnavailable))
}

func TestResetError(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	id := f.putVM(domain.OperStateError)
	_, err := f.svc.ResetError(ctx, id, domain.OperStateBuild)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	vm, err := f.svc.ResetError(ctx, id, domain.OperStateStopped)
	require.NoError(t, err)
	require.Equal(t, domain.OperStateStopped, vm.OperState)
	require.Zero(t, vm.Serial, "holdings already match a stopped vm")

	_, err = f.svc.ResetError(ctx, id, domain.OperStateStarted)
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation), "vm is no longer in ERROR")
}

func TestResetError_AlignsHoldings(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	// Failed while running: still charged for cpu and ram.
	id := f.st.PutVM(domain.VirtualMachine{
		Project: testProject, FlavorID: smallFlavor.ID, BackendID: 1,
		OperState: domain.OperStateError, HoldsResources: true, HoldsActive: true,
	})
	vm, err := f.svc.ResetError(ctx, id, domain.OperStateStopped)
	require.NoError(t, err)
	require.True(t, vm.HoldsResources)
	require.False(t, vm.HoldsActive)
	require.Zero(t, vm.Serial)
	require.Equal(t, -int64(smallFlavor.CPU), f.holder.Holding(testProject, domain.ResourceCPU).Usage)

	// Failed build: reset to running charges everything.
	id = f.st.PutVM(domain.VirtualMachine{
		Project: "proj-b", FlavorID: smallFlavor.ID, BackendID: 1, OperState: domain.OperStateError,
	})
	vm, err = f.svc.ResetError(ctx, id, domain.OperStateStarted)
	require.NoError(t, err)
	require.True(t, vm.HoldsResources)
	require.True(t, vm.HoldsActive)
	require.Equal(t, int64(1), f.holder.Holding("proj-b", domain.ResourceVM).Usage)
	require.Equal(t, int64(smallFlavor.CPU), f.holder.Holding("proj-b", domain.ResourceCPU).Usage)
}

func TestResetError_DeliversDecidedSerial(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	// A rejection that never reached the holder.
	serial, err := f.holder.IssueCommission(ctx, "START", quota.ProvisionsFor(testProject, quota.StartDelta(&smallFlavor)))
	require.NoError(t, err)
	id := f.st.PutVM(domain.VirtualMachine{
		Project: testProject, FlavorID: smallFlavor.ID, BackendID: 1,
		OperState: domain.OperStateError, Serial: serial, HoldsResources: true,
	})
	f.st.PutSerial(domain.CommissionSerial{Serial: serial, VMID: id, Name: "START", Pending: false, Accept: false})

	_, err = f.svc.ResetError(ctx, id, domain.OperStateStopped)
	require.NoError(t, err)
	require.Equal(t, "rejected", f.holder.State(serial))
	require.Zero(t, f.vm(t, id).Serial)

	cs, ok := f.st.Serial(serial)
	require.True(t, ok)
	require.True(t, cs.Resolved)
}

func TestActorFrom(t *testing.T) {
	require.Equal(t, "system", ActorFrom(context.Background()))
	require.Equal(t, "bob", ActorFrom(WithActor(context.Background(), "bob")))
}
