package executor

import (
	"github.com/t77yq/promptcron/internal/approval"
	"github.com/t77yq/promptcron/internal/model"
)

// ResolveOptions applies the task's overrides on top of the assistant defaults.
func ResolveOptions(settings model.Settings, task model.ScheduledTask) model.ExecutionOptions {
	defaults := settings.Assistant
	opts := model.ExecutionOptions{
		AssistantID:     task.AssistantID,
		ModelID:         defaults.ModelID,
		EnabledTools:    append([]string(nil), defaults.EnabledTools...),
		WebSearch:       defaults.WebSearch,
		RequireApproval: defaults.RequireApproval,
		ApprovalRules:   approval.ParseRules(settings.ApprovalBlacklist),
	}
	if opts.AssistantID == "" {
		opts.AssistantID = defaults.ID
	}

	o := task.Overrides
	if o.ModelID != nil && *o.ModelID != "" {
		opts.ModelID = *o.ModelID
	}
	if o.EnabledTools != nil {
		opts.EnabledTools = append([]string(nil), o.EnabledTools...)
	}
	if o.WebSearch != nil {
		opts.WebSearch = *o.WebSearch
	}
	if o.RequireApproval != nil {
		opts.RequireApproval = *o.RequireApproval
	}
	return opts
}
