package usecase

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/ippool"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
	"gnt-shepherd.io/shepherd/internal/store"
)

func (s *VMService) requireNICChangeAllowed(vm *domain.VirtualMachine, action string) error {
	if s.settings.Hotplug {
		return requireOperState(vm, action, domain.OperStateStopped, domain.OperStateStarted)
	}
	return requireOperState(vm, action, domain.OperStateStopped)
}

// ConnectPort attaches a port on networkID to the VM. An address taken from
// the pool is given back on every error exit that does not leave it on a
// committed port.
func (s *VMService) ConnectPort(ctx context.Context, vmID, networkID, portID int64) (*domain.VirtualMachine, error) {
	var (
		allocated string
		released  bool
	)
	vm, err := s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := s.requireNICChangeAllowed(vm, "connect a port to"); err != nil {
			return backendAction{}, err
		}
		network, err := tx.GetNetwork(ctx, networkID)
		if err != nil {
			return backendAction{}, err
		}
		port, err := tx.GetPort(ctx, portID)
		if err != nil {
			return backendAction{}, err
		}
		if port.Deleted || port.NetworkID != network.ID {
			return backendAction{}, apperrors.BadRequest(apperrors.CodeBadRequest,
				fmt.Sprintf("port %d does not belong to network %d", port.ID, network.ID))
		}
		if port.VMID != 0 && port.VMID != vm.ID {
			return backendAction{}, apperrors.Conflict(apperrors.CodeConflict,
				fmt.Sprintf("port %d is in use by vm %d", port.ID, port.VMID))
		}

		ports, err := tx.ListPorts(ctx, vm.ID)
		if err != nil {
			return backendAction{}, fmt.Errorf("list ports of vm %d: %w", vm.ID, err)
		}
		index := 0
		for _, p := range ports {
			if p.ID != port.ID && p.Index >= index {
				index = p.Index + 1
			}
		}

		var address string
		if s.settings.Hotplug && network.HasPool() {
			addr, err := s.allocateAddress(ctx, network.ID)
			if err != nil {
				return backendAction{}, err
			}
			address = addr.String()
			allocated = address
		}

		port.VMID = vm.ID
		port.State = domain.PortBuild
		port.Address = address
		if err := tx.UpdatePort(ctx, port); err != nil {
			return backendAction{}, fmt.Errorf("update port %d: %w", port.ID, err)
		}

		change := &domain.NICChange{
			Op:        domain.NICAdd,
			NetworkID: network.ID,
			PortID:    port.ID,
			Address:   address,
			Index:     index,
		}
		req := backend.ModifyRequest{
			NICs:    [][]interface{}{backend.AddNIC(network.BackendName, address)},
			Hotplug: s.settings.Hotplug,
		}
		return backendAction{
			name:   "connect",
			task:   domain.TaskConnect,
			opcode: domain.OpInstanceSetParams,
			call: func(ctx context.Context, instance string) (int64, error) {
				return s.backend.ModifyInstance(ctx, instance, req)
			},
			onSubmitted: func(vm *domain.VirtualMachine) {
				vm.PendingNIC = change
			},
			onFailed: func(ctx context.Context) {
				port.State = domain.PortError
				if err := tx.UpdatePort(ctx, port); err != nil {
					logger.Warn("Failed to mark port as errored", zap.Int64("port_id", port.ID), zap.Error(err))
				}
				if address != "" {
					s.releaseAddress(ctx, network.ID, address)
					released = true
				}
			},
		}, nil
	})
	// A timed-out call committed the port with its address; the job may
	// still attach it.
	if err != nil && allocated != "" && !released && !apperrors.IsKind(err, apperrors.KindBackendTimeout) {
		s.releaseAddress(context.WithoutCancel(ctx), networkID, allocated)
	}
	return vm, err
}

// DisconnectPort detaches a port from the VM.
func (s *VMService) DisconnectPort(ctx context.Context, vmID, portID int64) (*domain.VirtualMachine, error) {
	return s.runAction(ctx, vmID, true, func(ctx context.Context, tx store.Tx, vm *domain.VirtualMachine) (backendAction, error) {
		if err := s.requireNICChangeAllowed(vm, "disconnect a port from"); err != nil {
			return backendAction{}, err
		}
		port, err := tx.GetPort(ctx, portID)
		if err != nil {
			return backendAction{}, err
		}
		if port.Deleted || port.VMID != vm.ID {
			return backendAction{}, apperrors.NotFound(apperrors.CodePortNotFound,
				fmt.Sprintf("port %d is not attached to vm %d", port.ID, vm.ID))
		}

		change := &domain.NICChange{
			Op:        domain.NICRemove,
			NetworkID: port.NetworkID,
			PortID:    port.ID,
			Address:   port.Address,
			Index:     port.Index,
		}
		req := backend.ModifyRequest{
			NICs:    [][]interface{}{backend.RemoveNIC(port.Index)},
			Hotplug: s.settings.Hotplug,
		}
		return backendAction{
			name:   "disconnect",
			task:   domain.TaskDisconnect,
			opcode: domain.OpInstanceSetParams,
			call: func(ctx context.Context, instance string) (int64, error) {
				return s.backend.ModifyInstance(ctx, instance, req)
			},
			onSubmitted: func(vm *domain.VirtualMachine) {
				vm.PendingNIC = change
			},
		}, nil
	})
}

// allocateAddress takes the lowest free address of a network in its own
// transaction so the network lock is not held across the backend call.
func (s *VMService) allocateAddress(ctx context.Context, networkID int64) (netip.Addr, error) {
	var addr netip.Addr
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		network, pool, err := lockPool(ctx, tx, networkID)
		if err != nil {
			return err
		}
		if pool == nil {
			return apperrors.BadRequest(apperrors.CodeBadRequest,
				fmt.Sprintf("network %d has no address pool", networkID))
		}
		addr, err = pool.Allocate()
		if err != nil {
			return err
		}
		return tx.UpdateNetworkPool(ctx, network.ID, pool.Bytes())
	})
	if err != nil {
		return netip.Addr{}, err
	}
	logger.Debug("Address allocated", zap.Int64("network_id", networkID), zap.String("address", addr.String()))
	return addr, nil
}

// releaseAddress returns an address to its pool. Failures are logged; the
// address stays reserved.
func (s *VMService) releaseAddress(ctx context.Context, networkID int64, address string) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return ReleaseAddress(ctx, tx, networkID, address)
	})
	if err != nil {
		logger.Warn("Failed to release address",
			zap.Int64("network_id", networkID),
			zap.String("address", address),
			zap.Error(err),
		)
	}
}

// ReleaseAddress returns address to the pool of networkID within tx.
func ReleaseAddress(ctx context.Context, tx store.Tx, networkID int64, address string) error {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return apperrors.BadRequest(apperrors.CodeBadRequest, fmt.Sprintf("invalid address %q", address))
	}
	network, pool, err := lockPool(ctx, tx, networkID)
	if err != nil {
		return err
	}
	if pool == nil {
		return nil
	}
	if err := pool.Release(addr); err != nil {
		return err
	}
	return tx.UpdateNetworkPool(ctx, network.ID, pool.Bytes())
}

// lockPool locks a network and decodes its pool; pool is nil when the
// network has none.
func lockPool(ctx context.Context, tx store.Tx, networkID int64) (*domain.Network, *ippool.Pool, error) {
	network, err := tx.LockNetwork(ctx, networkID)
	if err != nil {
		return nil, nil, err
	}
	if !network.HasPool() {
		return network, nil, nil
	}
	subnet, err := netip.ParsePrefix(network.Subnet)
	if err != nil {
		return nil, nil, fmt.Errorf("network %d has invalid subnet %q: %w", network.ID, network.Subnet, err)
	}
	pool, err := ippool.FromBytes(subnet, network.Pool)
	if err != nil {
		return nil, nil, fmt.Errorf("load pool of network %d: %w", network.ID, err)
	}
	return network, pool, nil
}
