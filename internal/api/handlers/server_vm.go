package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/usecase"
)

// CreateVMRequest is the body of POST /vms.
type CreateVMRequest struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Project  string `json:"project"`
	FlavorID int64  `json:"flavor_id"`
	ImageRef string `json:"image_ref"`
}

// RebootRequest is the body of POST /vms/:id/reboot.
type RebootRequest struct {
	Type backend.RebootType `json:"type"`
}

// ResizeRequest is the body of POST /vms/:id/resize.
type ResizeRequest struct {
	FlavorID int64 `json:"flavor_id"`
}

// ReassignRequest is the body of POST /vms/:id/reassign.
type ReassignRequest struct {
	Project string `json:"project"`
	Shared  bool   `json:"shared_to_project"`
}

// ResetErrorRequest is the body of POST /vms/:id/reset-error.
type ResetErrorRequest struct {
	Target domain.OperState `json:"target"`
}

// ConnectPortRequest is the body of PUT /vms/:id/ports/:port_id.
type ConnectPortRequest struct {
	NetworkID int64 `json:"network_id"`
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeBadRequest, "invalid "+name))
		return 0, false
	}
	return id, true
}

func bindBody(c *gin.Context, body interface{}) bool {
	if err := c.ShouldBindJSON(body); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.KindValidation, apperrors.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

func respondVM(c *gin.Context, status int, vm *domain.VirtualMachine, err error) {
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(status, toAPIVM(vm))
}

// GetVM handles GET /vms/:id.
func (s *Server) GetVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.Get(requestCtx(c), id)
	respondVM(c, http.StatusOK, vm, err)
}

// CreateVM handles POST /vms.
func (s *Server) CreateVM(c *gin.Context) {
	var req CreateVMRequest
	if !bindBody(c, &req) {
		return
	}
	vm, err := s.vms.Create(requestCtx(c), usecase.CreateVMInput{
		Name:     req.Name,
		Owner:    req.Owner,
		Project:  req.Project,
		FlavorID: req.FlavorID,
		ImageRef: req.ImageRef,
	})
	respondVM(c, http.StatusAccepted, vm, err)
}

// DestroyVM handles DELETE /vms/:id.
func (s *Server) DestroyVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.Destroy(requestCtx(c), id)
	respondVM(c, http.StatusAccepted, vm, err)
}

// StartVM handles POST /vms/:id/start.
func (s *Server) StartVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.Start(requestCtx(c), id)
	respondVM(c, http.StatusAccepted, vm, err)
}

// StopVM handles POST /vms/:id/stop.
func (s *Server) StopVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.Stop(requestCtx(c), id)
	respondVM(c, http.StatusAccepted, vm, err)
}

// RebootVM handles POST /vms/:id/reboot. An empty body means a soft reboot.
func (s *Server) RebootVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	req := RebootRequest{Type: backend.RebootSoft}
	if c.Request.ContentLength > 0 && !bindBody(c, &req) {
		return
	}
	vm, err := s.vms.Reboot(requestCtx(c), id, req.Type)
	respondVM(c, http.StatusAccepted, vm, err)
}

// ResizeVM handles POST /vms/:id/resize.
func (s *Server) ResizeVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req ResizeRequest
	if !bindBody(c, &req) {
		return
	}
	vm, err := s.vms.Resize(requestCtx(c), id, req.FlavorID)
	respondVM(c, http.StatusAccepted, vm, err)
}

// RescueVM handles POST /vms/:id/rescue.
func (s *Server) RescueVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.Rescue(requestCtx(c), id)
	respondVM(c, http.StatusAccepted, vm, err)
}

// UnrescueVM handles POST /vms/:id/unrescue.
func (s *Server) UnrescueVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.Unrescue(requestCtx(c), id)
	respondVM(c, http.StatusAccepted, vm, err)
}

// SuspendVM handles POST /vms/:id/suspend.
func (s *Server) SuspendVM(c *gin.Context) {
	s.setSuspended(c, true)
}

// UnsuspendVM handles POST /vms/:id/unsuspend.
func (s *Server) UnsuspendVM(c *gin.Context) {
	s.setSuspended(c, false)
}

func (s *Server) setSuspended(c *gin.Context, suspended bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vm, err := s.vms.SetSuspended(requestCtx(c), id, suspended)
	respondVM(c, http.StatusOK, vm, err)
}

// ResetErrorVM handles POST /vms/:id/reset-error.
func (s *Server) ResetErrorVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req ResetErrorRequest
	if !bindBody(c, &req) {
		return
	}
	vm, err := s.vms.ResetError(requestCtx(c), id, req.Target)
	respondVM(c, http.StatusOK, vm, err)
}

// ReassignVM handles POST /vms/:id/reassign.
func (s *Server) ReassignVM(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req ReassignRequest
	if !bindBody(c, &req) {
		return
	}
	vm, err := s.vms.Reassign(requestCtx(c), id, req.Project, req.Shared)
	respondVM(c, http.StatusOK, vm, err)
}

// ConnectPort handles PUT /vms/:id/ports/:port_id.
func (s *Server) ConnectPort(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	portID, ok := pathID(c, "port_id")
	if !ok {
		return
	}
	var req ConnectPortRequest
	if !bindBody(c, &req) {
		return
	}
	vm, err := s.vms.ConnectPort(requestCtx(c), id, req.NetworkID, portID)
	respondVM(c, http.StatusAccepted, vm, err)
}

// DisconnectPort handles DELETE /vms/:id/ports/:port_id.
func (s *Server) DisconnectPort(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	portID, ok := pathID(c, "port_id")
	if !ok {
		return
	}
	vm, err := s.vms.DisconnectPort(requestCtx(c), id, portID)
	respondVM(c, http.StatusAccepted, vm, err)
}
