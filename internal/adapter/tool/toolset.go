package tool

import (
	"log/slog"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase/proposal"
	"lorekeeper/internal/usecase/workitem"
)

// ToolsetDeps holds everything needed to build one session's tools.
type ToolsetDeps struct {
	Backend   domain.EntityBackend
	Proposals *proposal.Tracker
	WorkItems *workitem.Tracker // nil disables work_items
	Config    EntityToolsConfig
	Bus       domain.EventBus
	Logger    *slog.Logger
}

// NewSessionTools returns the read, write and planning tools bound to one
// session's trackers.
func NewSessionTools(deps ToolsetDeps) []domain.Tool {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pd := ProposalToolDeps{
		Backend:   deps.Backend,
		Proposals: deps.Proposals,
		Config:    deps.Config,
		Bus:       deps.Bus,
		Logger:    logger,
	}

	tools := []domain.Tool{
		NewSearchEntitiesTool(deps.Backend, deps.Config, logger),
		NewGetEntityTool(deps.Backend, deps.Config, logger),
		NewListEntitiesTool(deps.Backend, deps.Config, logger),
		NewProposeCreateTool(pd),
		NewProposeUpdateTool(pd),
		NewProposePatchTool(pd),
		NewProposeRelationshipTool(pd),
	}
	if deps.WorkItems != nil {
		tools = append(tools, NewWorkItemsTool(deps.WorkItems, logger))
	}
	return tools
}
