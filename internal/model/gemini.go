package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when the model produced no candidate content.
var ErrEmptyResponse = errors.New("model returned no content")

// Gemini generates turns with the Google Gen AI SDK.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini creates a Gemini backend for the given model name.
func NewGemini(ctx context.Context, apiKey, modelName string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: modelName, logger: logger}, nil
}

// Generate implements Model.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = g.model
	}

	cfg := &genai.GenerateContentConfig{}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{toGenaiTool(req.Tools)}
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemInstruction}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, modelName, toGenaiContents(req.History), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrEmptyResponse
	}

	parts := fromGenaiParts(resp.Candidates[0].Content.Parts)
	g.logger.Debug("gemini turn generated",
		"model", modelName,
		"parts", len(parts),
		"finish_reason", resp.Candidates[0].FinishReason,
	)
	return &Response{Parts: parts}, nil
}

// Close implements Model. The SDK client holds no resources to release.
func (g *Gemini) Close() error { return nil }

func toGenaiTool(decls []ToolDeclaration) *genai.Tool {
	tool := &genai.Tool{}
	for _, d := range decls {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(d.Parameters)),
		}
		for _, p := range d.Parameters {
			schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return tool
}

func toGenaiContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		c := &genai.Content{Role: string(turn.Role)}
		for _, p := range turn.Parts {
			gp := &genai.Part{Text: p.Text, ThoughtSignature: p.Signature}
			if p.FunctionCall != nil {
				gp.FunctionCall = &genai.FunctionCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				}
			}
			if p.FunctionResponse != nil {
				gp.FunctionResponse = &genai.FunctionResponse{
					ID:       p.FunctionResponse.ID,
					Name:     p.FunctionResponse.Name,
					Response: p.FunctionResponse.Response,
				}
			}
			c.Parts = append(c.Parts, gp)
		}
		contents = append(contents, c)
	}
	return contents
}

func fromGenaiParts(parts []*genai.Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, gp := range parts {
		if gp == nil || gp.Thought {
			continue
		}
		p := Part{Text: gp.Text, Signature: gp.ThoughtSignature}
		if gp.FunctionCall != nil {
			p.FunctionCall = &FunctionCall{
				ID:   gp.FunctionCall.ID,
				Name: gp.FunctionCall.Name,
				Args: gp.FunctionCall.Args,
			}
		}
		if p.Text == "" && p.FunctionCall == nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
