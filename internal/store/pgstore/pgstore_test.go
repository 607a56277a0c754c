package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/store"
	"gnt-shepherd.io/shepherd/internal/testutil"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	pool := testutil.OpenPGXPool(t, t.Name())
	ctx := context.Background()
	require.NoError(t, ApplySchema(ctx, pool))

	s := New(pool)
	require.NoError(t, s.UpsertFlavor(ctx, domain.Flavor{ID: 1, Name: "small", CPU: 1, RAMMB: 1024, DiskGB: 10, DiskTemplate: "plain", Public: true}))
	require.NoError(t, s.UpsertBackend(ctx, domain.Backend{ID: 1, ClusterName: "ganeti1.example.org", Public: true}))
	return s
}

func TestVMRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	vm := domain.NewVirtualMachine("web", "alice", "p1", 1, 1, "img-1")
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertVM(ctx, vm)
	}))
	require.NotZero(t, vm.ID)

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockVM(ctx, vm.ID)
		if err != nil {
			return err
		}
		locked.SetTask(domain.TaskCreate, domain.OpInstanceCreate, 17)
		locked.Serial = 4
		locked.HoldsResources = true
		locked.PendingNIC = &domain.NICChange{Op: domain.NICAdd, NetworkID: 3, PortID: 9, Address: "10.0.0.2", Index: 1}
		return tx.UpdateVM(ctx, locked)
	})
	require.NoError(t, err)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetVM(ctx, vm.ID)
		require.NoError(t, err)
		require.Equal(t, domain.TaskCreate, got.Task)
		require.Equal(t, int64(17), got.BackendJobID)
		require.Equal(t, int64(4), got.Serial)
		require.Equal(t, domain.OperStateBuild, got.OperState)
		require.NotNil(t, got.PendingNIC)
		require.Equal(t, "10.0.0.2", got.PendingNIC.Address)
		require.Zero(t, got.PendingFlavorID)
		require.True(t, got.HoldsResources)
		require.False(t, got.HoldsActive)

		stale, err := tx.ListStaleTasks(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		return nil
	}))
}

func TestRollbackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	vm := domain.NewVirtualMachine("web", "alice", "p1", 1, 1, "")
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertVM(ctx, vm)
	}))

	boom := apperrors.Internal(apperrors.CodeInternal, "boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockVM(ctx, vm.ID)
		if err != nil {
			return err
		}
		locked.Suspended = true
		if err := tx.UpdateVM(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetVM(ctx, vm.ID)
		require.NoError(t, err)
		require.False(t, got.Suspended)
		return nil
	}))
}

func TestNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockVM(ctx, 999)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		_, err = tx.GetFlavor(ctx, 999)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		_, err = tx.GetSerial(ctx, 999)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		return nil
	}))
}

func TestSerialsAndNetworks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertNetwork(ctx, domain.Network{ID: 3, Name: "public", Subnet: "10.0.0.0/29", Gateway: "10.0.0.1", Pool: []byte{0x80}}))
	require.NoError(t, s.UpsertPort(ctx, domain.Port{ID: 30, NetworkID: 3}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertSerial(ctx, &domain.CommissionSerial{Serial: 5, VMID: 1, Name: "BUILD", Pending: true}))
		n, err := tx.LockNetwork(ctx, 3)
		require.NoError(t, err)
		require.True(t, n.HasPool())
		return tx.UpdateNetworkPool(ctx, 3, []byte{0xc0})
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		open, err := tx.ListUnresolvedSerials(ctx, time.Time{})
		require.NoError(t, err)
		require.Len(t, open, 1)

		cs := open[0]
		now := time.Now().UTC()
		cs.Pending, cs.Resolved, cs.Accept, cs.ResolvedAt = false, true, true, &now
		require.NoError(t, tx.UpdateSerial(ctx, cs))

		n, err := tx.GetNetwork(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []byte{0xc0}, n.Pool)

		p, err := tx.GetPort(ctx, 30)
		require.NoError(t, err)
		require.Equal(t, domain.PortDown, p.State)
		require.Zero(t, p.VMID)
		return nil
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		open, err := tx.ListUnresolvedSerials(ctx, time.Time{})
		require.NoError(t, err)
		require.Empty(t, open)
		return nil
	}))
}
