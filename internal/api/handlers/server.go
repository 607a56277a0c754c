// Package handlers implements the HTTP API of the control plane.
//
// Handlers translate requests into usecase calls and report failures via
// c.Error so the ErrorHandler middleware renders them.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"gnt-shepherd.io/shepherd/internal/backend"
	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/usecase"
)

// ActorHeader names the user an API call acts on behalf of.
const ActorHeader = "X-Shepherd-Actor"

// VMOperations is the set of VM use cases exposed over HTTP.
type VMOperations interface {
	Get(ctx context.Context, vmID int64) (*domain.VirtualMachine, error)
	Create(ctx context.Context, in usecase.CreateVMInput) (*domain.VirtualMachine, error)
	Start(ctx context.Context, vmID int64) (*domain.VirtualMachine, error)
	Stop(ctx context.Context, vmID int64) (*domain.VirtualMachine, error)
	Reboot(ctx context.Context, vmID int64, rebootType backend.RebootType) (*domain.VirtualMachine, error)
	Destroy(ctx context.Context, vmID int64) (*domain.VirtualMachine, error)
	Resize(ctx context.Context, vmID, flavorID int64) (*domain.VirtualMachine, error)
	ConnectPort(ctx context.Context, vmID, networkID, portID int64) (*domain.VirtualMachine, error)
	DisconnectPort(ctx context.Context, vmID, portID int64) (*domain.VirtualMachine, error)
	Reassign(ctx context.Context, vmID int64, project string, shared bool) (*domain.VirtualMachine, error)
	Rescue(ctx context.Context, vmID int64) (*domain.VirtualMachine, error)
	Unrescue(ctx context.Context, vmID int64) (*domain.VirtualMachine, error)
	SetSuspended(ctx context.Context, vmID int64, suspended bool) (*domain.VirtualMachine, error)
	ResetError(ctx context.Context, vmID int64, target domain.OperState) (*domain.VirtualMachine, error)
}

var _ VMOperations = (*usecase.VMService)(nil)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	vms    VMOperations
	checks map[string]Pinger
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	VMs VMOperations
	// ReadinessChecks are pinged by /readyz, keyed by the name reported.
	ReadinessChecks map[string]Pinger
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		vms:    deps.VMs,
		checks: deps.ReadinessChecks,
	}
}

// Register mounts the VM API under group.
func (s *Server) Register(group *gin.RouterGroup) {
	vms := group.Group("/vms")
	vms.POST("", s.CreateVM)
	vms.GET("/:id", s.GetVM)
	vms.DELETE("/:id", s.DestroyVM)
	vms.POST("/:id/start", s.StartVM)
	vms.POST("/:id/stop", s.StopVM)
	vms.POST("/:id/reboot", s.RebootVM)
	vms.POST("/:id/resize", s.ResizeVM)
	vms.POST("/:id/rescue", s.RescueVM)
	vms.POST("/:id/unrescue", s.UnrescueVM)
	vms.POST("/:id/suspend", s.SuspendVM)
	vms.POST("/:id/unsuspend", s.UnsuspendVM)
	vms.POST("/:id/reset-error", s.ResetErrorVM)
	vms.POST("/:id/reassign", s.ReassignVM)
	vms.PUT("/:id/ports/:port_id", s.ConnectPort)
	vms.DELETE("/:id/ports/:port_id", s.DisconnectPort)
}

// requestCtx returns the request context carrying the acting user.
func requestCtx(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if actor := c.GetHeader(ActorHeader); actor != "" {
		ctx = usecase.WithActor(ctx, actor)
	}
	return ctx
}
