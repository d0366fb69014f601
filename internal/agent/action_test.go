package agent

import (
	"testing"

	"github.com/ashureev/termpilot/internal/model"
)

func callPart(name string, args map[string]any) model.Part {
	return model.Part{FunctionCall: &model.FunctionCall{Name: name, Args: args}}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		parts []model.Part
		check func(t *testing.T, a Action)
	}{
		{
			name:  "plain text",
			parts: []model.Part{{Text: "All done."}},
			check: func(t *testing.T, a Action) {
				r, ok := a.(Reply)
				if !ok || r.Text != "All done." {
					t.Errorf("got %#v, want Reply", a)
				}
			},
		},
		{
			name: "run command with text reasoning",
			parts: []model.Part{
				{Text: "Let me look."},
				callPart(model.ToolRunCommand, map[string]any{"command": "ls"}),
			},
			check: func(t *testing.T, a Action) {
				rc, ok := a.(RunCommand)
				if !ok || rc.Command != "ls" || rc.Reasoning != "Let me look." || rc.Call == nil {
					t.Errorf("got %#v, want RunCommand", a)
				}
			},
		},
		{
			name: "explicit reasoning wins",
			parts: []model.Part{
				{Text: "ignored"},
				callPart(model.ToolSendKeys, map[string]any{"keys": ":wq Enter", "reasoning": "save and quit"}),
			},
			check: func(t *testing.T, a Action) {
				sk, ok := a.(SendKeys)
				if !ok || sk.Keys != ":wq Enter" || sk.Reasoning != "save and quit" {
					t.Errorf("got %#v, want SendKeys", a)
				}
			},
		},
		{
			name:  "task complete",
			parts: []model.Part{callPart(model.ToolTaskComplete, map[string]any{"summary": "Listed files"})},
			check: func(t *testing.T, a Action) {
				tc, ok := a.(TaskComplete)
				if !ok || tc.Summary != "Listed files" {
					t.Errorf("got %#v, want TaskComplete", a)
				}
			},
		},
		{
			name:  "ask user",
			parts: []model.Part{callPart(model.ToolAskUser, map[string]any{"question": "Which branch?"})},
			check: func(t *testing.T, a Action) {
				if q, ok := a.(AskUser); !ok || q.Question != "Which branch?" {
					t.Errorf("got %#v, want AskUser", a)
				}
			},
		},
		{
			name:  "read terminal",
			parts: []model.Part{callPart(model.ToolReadTerminal, nil)},
			check: func(t *testing.T, a Action) {
				if _, ok := a.(ReadTerminal); !ok {
					t.Errorf("got %#v, want ReadTerminal", a)
				}
			},
		},
		{
			name:  "unknown tool",
			parts: []model.Part{callPart("delete_everything", nil)},
			check: func(t *testing.T, a Action) {
				u, ok := a.(UnknownTool)
				if !ok || u.Call.Name != "delete_everything" {
					t.Errorf("got %#v, want UnknownTool", a)
				}
			},
		},
		{
			name:  "missing command degrades to text",
			parts: []model.Part{callPart(model.ToolRunCommand, map[string]any{"command": 42})},
			check: func(t *testing.T, a Action) {
				r, ok := a.(Reply)
				if !ok || r.Text == "" {
					t.Errorf("got %#v, want non-empty Reply", a)
				}
			},
		},
		{
			name: "first call wins",
			parts: []model.Part{
				callPart(model.ToolRunCommand, map[string]any{"command": "pwd"}),
				callPart(model.ToolTaskComplete, map[string]any{"summary": "x"}),
			},
			check: func(t *testing.T, a Action) {
				if rc, ok := a.(RunCommand); !ok || rc.Command != "pwd" {
					t.Errorf("got %#v, want RunCommand pwd", a)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, ParseAction(tt.parts))
		})
	}
}

func TestCallTurnKeepsOnlyAnsweredCall(t *testing.T) {
	t.Parallel()

	parts := []model.Part{
		{Text: "checking"},
		callPart(model.ToolRunCommand, map[string]any{"command": "pwd"}),
		callPart(model.ToolRunCommand, map[string]any{"command": "ls"}),
	}
	turn := callTurn(parts, parts[1].FunctionCall)
	if turn.Role != model.RoleModel || len(turn.Parts) != 2 {
		t.Fatalf("turn = %+v, want text plus one call", turn)
	}
	if turn.Parts[1].FunctionCall != parts[1].FunctionCall {
		t.Error("wrong call kept")
	}
}
