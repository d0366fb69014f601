package agent

import (
	"github.com/ashureev/termpilot/internal/model"
)

// callTurn rebuilds the model turn that produced call, keeping its text parts
// and dropping any other calls the model made in the same turn so that every
// call in history is answered.
func callTurn(parts []model.Part, call *model.FunctionCall) model.Turn {
	turn := model.Turn{Role: model.RoleModel}
	for _, p := range parts {
		switch {
		case p.FunctionCall == call:
			turn.Parts = append(turn.Parts, p)
		case p.FunctionCall == nil && p.Text != "":
			turn.Parts = append(turn.Parts, p)
		}
	}
	return turn
}

func outputResult(call *model.FunctionCall, output string) model.Turn {
	return model.ResultTurn(call, map[string]any{"output": output})
}

func statusResult(call *model.FunctionCall, status string) model.Turn {
	return model.ResultTurn(call, map[string]any{"status": status})
}

func errorResult(call *model.FunctionCall, msg string) model.Turn {
	return model.ResultTurn(call, map[string]any{"error": msg})
}

func cloneHistory(history []model.Turn) []model.Turn {
	out := make([]model.Turn, len(history))
	copy(out, history)
	return out
}
