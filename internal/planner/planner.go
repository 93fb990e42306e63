// Package planner converts a stage's required actions into execution
// commands for the adapter layer. Planning has no side effects; commands
// are produced fresh on every call.
package planner

import (
	"github.com/google/uuid"

	"stagegate/internal/domain"
)

// Request names the stage to plan and the identifiers threaded onto every
// produced command.
type Request struct {
	OpportunityID string
	TenantID      string
	StageID       string
	CorrelationID string
}

// PlanStageActions returns one command per must_do action of the named
// stage, in declaration order. Unknown stages and stages without actions
// yield an empty slice. Allowed-actor flags and retry policy pass through
// from the action definition unmodified.
func PlanStageActions(pb domain.Playbook, req Request) []domain.ExecutionCommand {
	stage, ok := pb.Stage(req.StageID)
	if !ok {
		return nil
	}
	commands := make([]domain.ExecutionCommand, 0, len(stage.MustDo))
	for _, a := range stage.MustDo {
		commands = append(commands, domain.ExecutionCommand{
			CommandID:     uuid.New().String(),
			OpportunityID: req.OpportunityID,
			PlaybookID:    pb.PlaybookID,
			StageID:       stage.StageID,
			ActionID:      a.ActionID,
			CommandType:   CommandTypeFor(a.ActionType),
			Channel:       a.Channel,
			Priority:      PriorityFor(a.SLAMinutes),
			HumanAllowed:  a.HumanAllowed,
			AIAllowed:     a.AIAllowed,
			RetryPolicy:   a.RetryPolicy,
			CorrelationID: req.CorrelationID,
		})
	}
	return commands
}

// CommandTypeFor maps an action type to its command type. Unrecognized
// action types fall back to FOLLOW_UP, the least destructive command.
func CommandTypeFor(actionType string) domain.CommandType {
	switch actionType {
	case "contact_attempt", "qualification_call":
		return domain.CommandExecuteContact
	case "send_message":
		return domain.CommandSendMessage
	case "schedule_meeting":
		return domain.CommandScheduleMeeting
	case "followup":
		return domain.CommandFollowUp
	}
	return domain.CommandFollowUp
}

// PriorityFor derives a priority band from an action's SLA. One banding
// table applies everywhere: <=15m urgent, <=60m high, <=240m normal,
// anything longer (or no SLA) low.
func PriorityFor(slaMinutes int) domain.Priority {
	switch {
	case slaMinutes <= 0:
		return domain.PriorityLow
	case slaMinutes <= 15:
		return domain.PriorityUrgent
	case slaMinutes <= 60:
		return domain.PriorityHigh
	case slaMinutes <= 240:
		return domain.PriorityNormal
	default:
		return domain.PriorityLow
	}
}
