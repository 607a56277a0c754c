package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/store"
)

func TestWithinTx_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	id := s.PutVM(domain.VirtualMachine{Name: "vm", OperState: domain.OperStateStopped})

	boom := errors.New("boom")
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		vm, err := tx.LockVM(ctx, id)
		require.NoError(t, err)
		vm.OperState = domain.OperStateStarted
		require.NoError(t, tx.UpdateVM(ctx, vm))
		require.NoError(t, tx.InsertSerial(ctx, &domain.CommissionSerial{Serial: 9, VMID: id, Pending: true}))

		// The transaction sees its own writes.
		got, err := tx.GetVM(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.OperStateStarted, got.OperState)
		return boom
	})
	require.ErrorIs(t, err, boom)

	vm, ok := s.VM(id)
	require.True(t, ok)
	require.Equal(t, domain.OperStateStopped, vm.OperState)
	_, ok = s.Serial(9)
	require.False(t, ok)
}

func TestWithinTx_CommitStampsUpdatedAt(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t0 })
	id := s.PutVM(domain.VirtualMachine{Name: "vm"})

	t1 := t0.Add(time.Hour)
	s.SetClock(func() time.Time { return t1 })
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		vm, err := tx.LockVM(ctx, id)
		if err != nil {
			return err
		}
		vm.Name = "renamed"
		return tx.UpdateVM(ctx, vm)
	})
	require.NoError(t, err)

	vm, _ := s.VM(id)
	require.Equal(t, "renamed", vm.Name)
	require.Equal(t, t0, vm.CreatedAt)
	require.Equal(t, t1, vm.UpdatedAt)
}

func TestLockVM_BlocksSecondTransaction(t *testing.T) {
	s := New()
	id := s.PutVM(domain.VirtualMachine{Name: "vm"})

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockVM(ctx, id); err != nil {
				return err
			}
			// Reentrant within the same transaction.
			if _, err := tx.LockVM(ctx, id); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockVM(ctx, id)
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockVM(ctx, id)
		return err
	})
	require.NoError(t, err)
}

func TestNotFound(t *testing.T) {
	s := New()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetVM(ctx, 1)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		_, err = tx.GetFlavor(ctx, 1)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		_, err = tx.GetNetwork(ctx, 1)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		_, err = tx.GetSerial(ctx, 1)
		require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestListStaleTasks(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t0 })

	stale := s.PutVM(domain.VirtualMachine{Task: domain.TaskStart, BackendJobID: 3})
	s.PutVM(domain.VirtualMachine{})
	s.PutVM(domain.VirtualMachine{Task: domain.TaskStop, BackendJobID: 4, UpdatedAt: t0.Add(2 * time.Hour)})

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		vms, err := tx.ListStaleTasks(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, vms, 1)
		require.Equal(t, stale, vms[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestListUnresolvedSerials(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.PutSerial(domain.CommissionSerial{Serial: 1, Pending: true, CreatedAt: t0})
	s.PutSerial(domain.CommissionSerial{Serial: 2, Accept: true, CreatedAt: t0})
	s.PutSerial(domain.CommissionSerial{Serial: 3, Resolved: true, CreatedAt: t0})
	s.PutSerial(domain.CommissionSerial{Serial: 4, Pending: true, CreatedAt: t0.Add(time.Hour)})

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		all, err := tx.ListUnresolvedSerials(ctx, time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		old, err := tx.ListUnresolvedSerials(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, old, 2)
		require.Equal(t, int64(1), old[0].Serial)
		require.Equal(t, int64(2), old[1].Serial)
		return nil
	})
	require.NoError(t, err)
}

func TestNetworkPoolStaging(t *testing.T) {
	s := New()
	s.AddNetwork(domain.Network{ID: 1, Subnet: "10.0.0.0/30", Pool: []byte{0x09}})

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		n, err := tx.LockNetwork(ctx, 1)
		if err != nil {
			return err
		}
		require.Equal(t, []byte{0x09}, n.Pool)
		if err := tx.UpdateNetworkPool(ctx, 1, []byte{0x0b}); err != nil {
			return err
		}
		n, err = tx.GetNetwork(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []byte{0x0b}, n.Pool)
		return nil
	})
	require.NoError(t, err)

	n, _ := s.Network(1)
	require.Equal(t, []byte{0x0b}, n.Pool)
}
