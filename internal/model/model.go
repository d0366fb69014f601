// Package model defines the conversation types exchanged with an LLM and the
// backends that generate model turns.
package model

import (
	"context"
)

// Role identifies who produced a turn.
type Role string

// Turn roles. Tool results travel in user turns.
const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries the result of a tool invocation back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one element of a turn. Exactly one of Text, FunctionCall and
// FunctionResponse is set. Signature is opaque provider data that must be
// echoed back unchanged.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	Signature        []byte            `json:"thoughtSignature,omitempty"`
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Parameter describes one string argument of a tool.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDeclaration advertises a tool to the model.
type ToolDeclaration struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Request is one generation call.
type Request struct {
	Model             string            `json:"model,omitempty"`
	SystemInstruction string            `json:"systemInstruction,omitempty"`
	History           []Turn            `json:"history"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
}

// Response holds the parts of the generated model turn.
type Response struct {
	Parts []Part `json:"parts"`
}

// Model generates the next model turn for a conversation.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// TextTurn builds a turn holding a single text part.
func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Parts: []Part{{Text: text}}}
}

// ResultTurn builds the user turn answering a function call.
func ResultTurn(call *FunctionCall, response map[string]any) Turn {
	return Turn{
		Role: RoleUser,
		Parts: []Part{{FunctionResponse: &FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: response,
		}}},
	}
}
