package model

// Tool names understood by the agent loop.
const (
	ToolRunCommand   = "run_command"
	ToolSendKeys     = "send_keys"
	ToolTaskComplete = "task_complete"
	ToolAskUser      = "ask_user"
	ToolReadTerminal = "read_terminal"
)

// DefaultTools returns the declarations of every terminal tool.
func DefaultTools() []ToolDeclaration {
	reasoning := Parameter{Name: "reasoning", Description: "Why this step is needed, shown to the operator."}
	return []ToolDeclaration{
		{
			Name:        ToolRunCommand,
			Description: "Run a shell command in the terminal and return its output once it finishes.",
			Parameters: []Parameter{
				{Name: "command", Description: "The command line to execute.", Required: true},
				reasoning,
			},
		},
		{
			Name: ToolSendKeys,
			Description: "Send keystrokes to an interactive program (editors, pagers, prompts). " +
				"Keys are space separated; named keys include Enter, Tab, Escape, Backspace, Delete, " +
				"Up, Down, Left, Right, Home, End, PageUp, PageDown, Space and Ctrl+<letter>.",
			Parameters: []Parameter{
				{Name: "keys", Description: "The keys to send, for example \":wq Enter\" or \"Ctrl+C\".", Required: true},
				reasoning,
			},
		},
		{
			Name:        ToolTaskComplete,
			Description: "Finish the task and report the outcome to the operator.",
			Parameters: []Parameter{
				{Name: "summary", Description: "What was done and what the operator should know.", Required: true},
			},
		},
		{
			Name:        ToolAskUser,
			Description: "Stop and ask the operator a question when the task cannot continue without their input.",
			Parameters: []Parameter{
				{Name: "question", Description: "The question for the operator.", Required: true},
				reasoning,
			},
		},
		{
			Name:        ToolReadTerminal,
			Description: "Return the recent contents of the terminal screen without sending input.",
			Parameters:  []Parameter{reasoning},
		},
	}
}

// DefaultSystemInstruction frames the model as a terminal operator.
const DefaultSystemInstruction = `You operate a live shell session on behalf of the user.
Work step by step: run one command at a time with run_command, read its output, and decide the next step.
Use send_keys only for interactive programs that are waiting for keystrokes.
Use read_terminal to look at the screen when you are unsure what state it is in.
Never run commands that wait for input without a plan to answer them.
If you need information only the user has, call ask_user.
When the task is finished, call task_complete with a short summary.`
