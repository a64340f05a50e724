package dispatch

import (
	"context"
	"testing"

	"gateline/internal/domain"
)

func declaredAgent() domain.Agent {
	return domain.Agent{
		Name:        "analyst",
		Version:     "1.0.0",
		OutputTypes: []string{"report", "dataset_summary"},
	}
}

func compliantOutput() AgentOutput {
	return AgentOutput{
		Agent:        "analyst",
		Version:      "1.0.0",
		Intent:       domain.IntentDataAnalysis,
		Summary:      "reviewed the dataset",
		Outputs:      []ArtifactPayload{{Type: "report", Title: "findings", Content: "three anomalies"}},
		LedgerWrites: []LedgerWrite{{Kind: "task", Ref: "task-1"}},
	}
}

func TestValidateOutput(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*AgentOutput)
		code string
	}{
		{"compliant", func(o *AgentOutput) {}, ""},
		{"missing summary", func(o *AgentOutput) { o.Summary = "" }, "missing_field"},
		{"missing version", func(o *AgentOutput) { o.Version = "" }, "missing_field"},
		{"nil outputs", func(o *AgentOutput) { o.Outputs = nil }, "missing_field"},
		{"nil ledger writes", func(o *AgentOutput) { o.LedgerWrites = nil }, "missing_field"},
		{"wrong agent", func(o *AgentOutput) { o.Agent = "writer" }, "agent_mismatch"},
		{"undeclared output type", func(o *AgentOutput) { o.Outputs[0].Type = "slide_deck" }, "undeclared_output_type"},
		{"forbidden name in summary", func(o *AgentOutput) { o.Summary = "drafted and will publish shortly" }, "forbidden_action"},
		{"forbidden name in content", func(o *AgentOutput) { o.Outputs[0].Content = "Deploy instructions enclosed" }, "forbidden_action"},
		{"forbidden name in ledger ref", func(o *AgentOutput) { o.LedgerWrites[0].Ref = "send-queue" }, "forbidden_action"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := compliantOutput()
			tc.mut(&out)
			err := ValidateOutput(out, declaredAgent())
			if tc.code == "" {
				if err != nil {
					t.Fatalf("unexpected violation: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected violation")
			}
			if err.Code != tc.code {
				t.Fatalf("code = %s, want %s", err.Code, tc.code)
			}
		})
	}
}

func TestValidateOutputEmptyButNonNilCollections(t *testing.T) {
	out := compliantOutput()
	out.Outputs = []ArtifactPayload{}
	out.LedgerWrites = []LedgerWrite{}
	if err := ValidateOutput(out, declaredAgent()); err != nil {
		t.Fatalf("empty collections rejected: %v", err)
	}
}

func TestClassifyContract(t *testing.T) {
	if got := ClassifyContract(&ContractError{Code: "forbidden_action"}); got != FailureHardBlock {
		t.Fatalf("got %s", got)
	}
	if got := ClassifyContract(&ContractError{Code: "missing_field"}); got != FailureRejected {
		t.Fatalf("got %s", got)
	}
	if got := ClassifyContract(&ContractError{Code: "agent_mismatch"}); got != FailureRejected {
		t.Fatalf("got %s", got)
	}
}

func TestStubOutputPassesContract(t *testing.T) {
	agent := declaredAgent()
	task := domain.Task{
		ID:    "task-1",
		Title: "analyze the quarterly numbers",
		Owner: agent.Name,
		Meta:  domain.TaskMeta{Intent: domain.IntentDataAnalysis},
	}
	out, err := Stub{}.Dispatch(context.Background(), Request{Task: task, Agent: agent})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if verr := ValidateOutput(out, agent); verr != nil {
		t.Fatalf("stub output violates contract: %v", verr)
	}
	if out.Outputs[0].Type != "report" {
		t.Fatalf("output type = %s", out.Outputs[0].Type)
	}
}

func TestStubRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Stub{}.Dispatch(ctx, Request{Agent: declaredAgent()})); err == nil {
		t.Fatal("expected context error")
	}
}
