package modules

import (
	"gnt-shepherd.io/shepherd/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		ReadinessChecks: make(map[string]handlers.Pinger),
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
