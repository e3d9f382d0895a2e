package agent

import (
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// Classification splits one turn's proposed calls by approval requirement.
// Both slices keep the order the model proposed the calls in.
type Classification struct {
	AutoApproved  []models.ToolCallRequest
	NeedsApproval []models.ToolCallRequest
}

// Classify partitions calls against an owner's trust snapshot. A call is
// auto-approved when its tool name or its integration is trusted. The engine
// takes a fresh snapshot every turn so grants made mid-run apply at once.
func Classify(calls []models.ToolCallRequest, snap *trust.Snapshot) Classification {
	var c Classification
	for _, call := range calls {
		if snap.Trusts(call.ToolName, call.IntegrationID) {
			c.AutoApproved = append(c.AutoApproved, call)
		} else {
			c.NeedsApproval = append(c.NeedsApproval, call)
		}
	}
	return c
}
