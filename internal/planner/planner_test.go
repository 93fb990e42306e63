package planner_test

import (
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/planner"
	"stagegate/internal/playbook"
)

func TestPlanDefaultProspectStage(t *testing.T) {
	pb := playbook.Default()
	commands := planner.PlanStageActions(pb, planner.Request{
		OpportunityID: "opp-1",
		TenantID:      "acme",
		StageID:       "prospect_identified",
		CorrelationID: "corr-1",
	})
	if len(commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(commands))
	}
	c := commands[0]
	if c.CommandType != domain.CommandExecuteContact {
		t.Fatalf("command type = %s", c.CommandType)
	}
	if c.Priority != domain.PriorityUrgent {
		t.Fatalf("priority = %s for a 15 minute SLA", c.Priority)
	}
	if c.CommandID == "" || c.CorrelationID != "corr-1" || c.OpportunityID != "opp-1" {
		t.Fatalf("identifiers not threaded: %+v", c)
	}
	if c.RetryPolicy == nil || c.RetryPolicy.MaxAttempts != 3 {
		t.Fatalf("retry policy not passed through: %+v", c.RetryPolicy)
	}
}

func TestPlanUnknownStage(t *testing.T) {
	if commands := planner.PlanStageActions(playbook.Default(), planner.Request{StageID: "nope"}); commands != nil {
		t.Fatalf("got %v, want nil", commands)
	}
}

func TestPlanTerminalStageEmpty(t *testing.T) {
	commands := planner.PlanStageActions(playbook.Default(), planner.Request{StageID: "won"})
	if len(commands) != 0 {
		t.Fatalf("terminal stage should plan nothing, got %d", len(commands))
	}
}

func TestCommandTypeMapping(t *testing.T) {
	cases := map[string]domain.CommandType{
		"contact_attempt":    domain.CommandExecuteContact,
		"qualification_call": domain.CommandExecuteContact,
		"send_message":       domain.CommandSendMessage,
		"schedule_meeting":   domain.CommandScheduleMeeting,
		"followup":           domain.CommandFollowUp,
		"something_else":     domain.CommandFollowUp,
	}
	for in, want := range cases {
		if got := planner.CommandTypeFor(in); got != want {
			t.Errorf("CommandTypeFor(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPriorityBanding(t *testing.T) {
	cases := []struct {
		sla  int
		want domain.Priority
	}{
		{0, domain.PriorityLow},
		{-5, domain.PriorityLow},
		{1, domain.PriorityUrgent},
		{15, domain.PriorityUrgent},
		{16, domain.PriorityHigh},
		{60, domain.PriorityHigh},
		{61, domain.PriorityNormal},
		{240, domain.PriorityNormal},
		{241, domain.PriorityLow},
		{1440, domain.PriorityLow},
	}
	for _, tc := range cases {
		if got := planner.PriorityFor(tc.sla); got != tc.want {
			t.Errorf("PriorityFor(%d) = %s, want %s", tc.sla, got, tc.want)
		}
	}
}
