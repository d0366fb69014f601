package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/termpilot/internal/model"
)

// Action is the single thing the loop does with one model turn. The set of
// implementations is closed.
type Action interface {
	isAction()
}

// Reply is a plain text answer with no tool call.
type Reply struct {
	Text string
}

// RunCommand asks for a shell command to be executed.
type RunCommand struct {
	Call      *model.FunctionCall
	Command   string
	Reasoning string
}

// SendKeys asks for keystrokes to be sent to an interactive program.
type SendKeys struct {
	Call      *model.FunctionCall
	Keys      string
	Reasoning string
}

// TaskComplete ends the task with a summary.
type TaskComplete struct {
	Call    *model.FunctionCall
	Summary string
}

// AskUser ends the task with a question for the operator.
type AskUser struct {
	Call      *model.FunctionCall
	Question  string
	Reasoning string
}

// ReadTerminal asks for the current screen contents.
type ReadTerminal struct {
	Call      *model.FunctionCall
	Reasoning string
}

// UnknownTool is a call to a tool the loop does not provide.
type UnknownTool struct {
	Call *model.FunctionCall
	Text string
}

func (Reply) isAction()        {}
func (RunCommand) isAction()   {}
func (SendKeys) isAction()     {}
func (TaskComplete) isAction() {}
func (AskUser) isAction()      {}
func (ReadTerminal) isAction() {}
func (UnknownTool) isAction()  {}

// ParseAction interprets the parts of one model turn. The first function
// call wins. Text parts become the reasoning when the call carries none. A
// call missing a required argument degrades to a Reply.
func ParseAction(parts []model.Part) Action {
	var texts []string
	var call *model.FunctionCall
	for _, p := range parts {
		if p.FunctionCall != nil {
			if call == nil {
				call = p.FunctionCall
			}
			continue
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	text := strings.Join(texts, "\n")

	if call == nil {
		return Reply{Text: text}
	}

	reasoning := stringArg(call, "reasoning")
	if reasoning == "" {
		reasoning = text
	}

	switch call.Name {
	case model.ToolRunCommand:
		if cmd := stringArg(call, "command"); cmd != "" {
			return RunCommand{Call: call, Command: cmd, Reasoning: reasoning}
		}
	case model.ToolSendKeys:
		if keys := stringArg(call, "keys"); keys != "" {
			return SendKeys{Call: call, Keys: keys, Reasoning: reasoning}
		}
	case model.ToolTaskComplete:
		summary := stringArg(call, "summary")
		if summary == "" {
			summary = text
		}
		return TaskComplete{Call: call, Summary: summary}
	case model.ToolAskUser:
		if q := stringArg(call, "question"); q != "" {
			return AskUser{Call: call, Question: q, Reasoning: reasoning}
		}
	case model.ToolReadTerminal:
		return ReadTerminal{Call: call, Reasoning: reasoning}
	default:
		return UnknownTool{Call: call, Text: text}
	}

	return Reply{Text: malformedCallText(call, text)}
}

func stringArg(call *model.FunctionCall, name string) string {
	v, ok := call.Args[name]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func malformedCallText(call *model.FunctionCall, text string) string {
	if text != "" {
		return text
	}
	return fmt.Sprintf("(the model called %s without its required arguments)", call.Name)
}
