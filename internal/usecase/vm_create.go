package usecase

import (
	"context"
	"fmt"
	"strings"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/quota"
	"gnt-shepherd.io/shepherd/internal/store"
)


// CreateVMInput represents the input for creating a VM.
type CreateVMInput struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Project  string `json:"project"`
	FlavorID int64  `json:"flavor_id"`
	ImageRef string `json:"image_ref"`
}

func (in CreateVMInput) validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return apperrors.BadRequest(apperrors.CodeBadRequest, "name is required")
	case strings.TrimSpace(in.Owner) == "":
		return apperrors.BadRequest(apperrors.CodeBadRequest, "owner is required")
	case strings.TrimSpace(in.Project) == "":
		return apperrors.BadRequest(apperrors.CodeBadRequest, "project is required")
	case strings.TrimSpace(in.ImageRef) == "":
		return apperrors.BadRequest(apperrors.CodeBadRequest, "image_ref is required")
	}
	return nil
}

// Create inserts a VM in BUILD and submits its creation. When the backend
// refuses the job the VM is kept in ERROR.
func (s *VMService) Create(ctx context.Context, in CreateVMInput) (*domain.VirtualMachine, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		result *domain.VirtualMachine
		opErr  error
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Step 1: Placement and flavor.
		be, err := allocateBackend(ctx, tx, in.Project)
		if err != nil {
			return err
		}
		flavor, err := tx.GetFlavor(ctx, in.FlavorID)
		if err != nil {
			return err
		}
		if err := checkFlavorAccess(ctx, tx, in.Project, flavor); err != nil {
			return err
		}

		// Step 2: Insert the VM row.
		vm := domain.NewVirtualMachine(in.Name, in.Owner, in.Project, flavor.ID, be.ID, in.ImageRef)
		if err := tx.InsertVM(ctx, vm); err != nil {
			return fmt.Errorf("insert vm: %w", err)
		}

		// Step 3: Commission every resource the VM will hold.
		serial, err := s.commission(ctx, tx, vm, quota.CreateDelta(flavor), quota.CommissionBuild)
		if err != nil {
			return err
		}

		// Step 4: Submit the creation job.
		req := s.createRequest(vm, flavor)
		opErr, err = s.submit(ctx, tx, vm, backendAction{
			name:   "create",
			task:   domain.TaskCreate,
			action: domain.ActionCreate,
			opcode: domain.OpInstanceCreate,
			serial: serial,
			call: func(ctx context.Context, instance string) (int64, error) {
				req.Name = instance
				return s.backend.CreateInstance(ctx, req)
			},
		})
		if err != nil {
			return err
		}
		result = vm
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterAction(ctx, "create", result, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return result, nil
}

func (s *VMService) createRequest(vm *domain.VirtualMachine, flavor *domain.Flavor) backend.CreateRequest {
	template := flavor.DiskTemplate
	if template == "" {
		template = s.settings.DiskTemplate
	}
	return backend.CreateRequest{
		DiskTemplate: template,
		OS:           s.settings.OS,
		Disks:        []backend.Disk{{SizeMB: flavor.DiskGB * 1024}},
		NICs:         []backend.NIC{},
		BEParams: map[string]interface{}{
			"vcpus":  flavor.CPU,
			"maxmem": flavor.RAMMB,
			"minmem": flavor.RAMMB,
		},
		OSParams: map[string]interface{}{
			"img_id": vm.ImageRef,
		},
		Tags: []string{"synnefo:project:" + vm.Project},
	}
}

// allocateBackend picks a usable backend, preferring the ones granted to
// project over public ones. Ties go to the lowest id.
func allocateBackend(ctx context.Context, tx store.Tx, project string) (*domain.Backend, error) {
	backends, err := tx.ListBackends(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	granted, err := tx.ProjectBackendIDs(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("list backends of project %s: %w", project, err)
	}

	var fallback *domain.Backend
	for _, be := range backends {
		if !be.Usable() {
			continue
		}
		if containsID(granted, be.ID) {
			return be, nil
		}
		if be.Public && fallback == nil {
			fallback = be
		}
	}
	if fallback == nil {
		return nil, apperrors.ServiceUnavailable(apperrors.CodeNoBackend, "no available backend")
	}
	return fallback, nil
}
