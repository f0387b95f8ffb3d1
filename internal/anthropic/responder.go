// Package anthropic holds the LLM collaborator: completion requests with
// retry discipline and a bounded follow-up tool loop.
package anthropic

import (
	"context"
	"fmt"

	anthropicAPI "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hellausefulsoftware/glbot/internal/budget"
	"github.com/hellausefulsoftware/glbot/internal/config"
	"github.com/hellausefulsoftware/glbot/internal/logging"
	"github.com/hellausefulsoftware/glbot/internal/retry"
)

const maxResponseTokens = 4096

// Responder sends prompts to the Anthropic API. Each call runs under the
// configured retry policy; tool use is bounded by the caller's budget
// tracker.
type Responder struct {
	client *anthropicAPI.Client
	model  string
	policy retry.Policy
	tools  *ToolRegistry
}

// NewResponder creates a responder from configuration. tools may be nil
// for callers that never allow follow-up tool calls (e.g. triage
// classification).
func NewResponder(cfg *config.Config, tools *ToolRegistry) *Responder {
	return &Responder{
		client: anthropicAPI.NewClient(option.WithAPIKey(cfg.Anthropic.Token)),
		model:  cfg.Anthropic.Model,
		policy: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			Initial:    cfg.InitialDelay(),
			Max:        cfg.MaxDelay(),
			Multiplier: cfg.Retry.BackoffMultiplier,
			Timeout:    cfg.RequestTimeout(),
		},
		tools: tools,
	}
}

// Complete sends the prompt and returns the final text answer. When a
// tool registry is attached and the tracker has budget, the model may
// issue follow-up tool calls; each executed call consumes one budget
// unit and the loop returns the best answer gathered once the budget is
// exhausted.
func (r *Responder) Complete(ctx context.Context, prompt string, tracker *budget.Tracker) (string, error) {
	logging.Debug("sending completion request",
		"model", r.model,
		"prompt_tokens_estimate", budget.EstimateTokens(prompt))

	messages := []anthropicAPI.MessageParam{
		anthropicAPI.NewUserMessage(anthropicAPI.NewTextBlock(prompt)),
	}

	withTools := r.tools != nil && tracker != nil && tracker.Remaining() > 0
	var bestText string

	for {
		params := anthropicAPI.MessageNewParams{
			Model:     anthropicAPI.F(r.model),
			MaxTokens: anthropicAPI.F(int64(maxResponseTokens)),
			Messages:  anthropicAPI.F(messages),
		}
		if withTools {
			defs := r.tools.Definitions()
			toolUnions := make([]anthropicAPI.ToolUnionUnionParam, 0, len(defs))
			for _, def := range defs {
				toolUnions = append(toolUnions, def)
			}
			params.Tools = anthropicAPI.F(toolUnions)
		}

		var message *anthropicAPI.Message
		err := retry.Do(ctx, r.policy, "anthropic completion", func(ctx context.Context) error {
			m, apiErr := r.client.Messages.New(ctx, params)
			if apiErr != nil {
				return apiErr
			}
			message = m
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("completion request: %w", err)
		}

		text := ""
		var toolUses []anthropicAPI.ContentBlock
		for _, content := range message.Content {
			switch content.Type {
			case anthropicAPI.ContentBlockTypeText:
				text += content.Text
			case anthropicAPI.ContentBlockTypeToolUse:
				toolUses = append(toolUses, content)
			}
		}
		if text != "" {
			bestText = text
		}

		if message.StopReason != anthropicAPI.MessageStopReasonToolUse || len(toolUses) == 0 {
			return bestText, nil
		}

		assistantBlocks := make([]anthropicAPI.ContentBlockParamUnion, 0, len(message.Content))
		for _, content := range message.Content {
			switch content.Type {
			case anthropicAPI.ContentBlockTypeText:
				assistantBlocks = append(assistantBlocks, anthropicAPI.NewTextBlock(content.Text))
			case anthropicAPI.ContentBlockTypeToolUse:
				assistantBlocks = append(assistantBlocks, anthropicAPI.ToolUseBlockParam{
					ID:    anthropicAPI.F(content.ID),
					Name:  anthropicAPI.F(content.Name),
					Input: anthropicAPI.F[interface{}](content.Input),
					Type:  anthropicAPI.F(anthropicAPI.ToolUseBlockParamTypeToolUse),
				})
			}
		}

		executed := 0
		resultBlocks := make([]anthropicAPI.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			if !tracker.SpendToolCall() {
				resultBlocks = append(resultBlocks,
					anthropicAPI.NewToolResultBlock(tu.ID, "tool call budget exhausted", true))
				continue
			}
			executed++
			logging.Debug("executing tool call", "tool", tu.Name, "remaining_budget", tracker.Remaining())
			result, toolErr := r.tools.Execute(ctx, tu.Name, tu.Input)
			if toolErr != nil {
				resultBlocks = append(resultBlocks,
					anthropicAPI.NewToolResultBlock(tu.ID, toolErr.Error(), true))
				continue
			}
			resultBlocks = append(resultBlocks,
				anthropicAPI.NewToolResultBlock(tu.ID, result, false))
		}

		// Budget gone and nothing ran: stop the loop and answer with
		// whatever the model has produced so far.
		if executed == 0 {
			logging.Info("tool call budget exhausted", "used", tracker.Used())
			if bestText == "" {
				bestText = "I ran out of lookup budget before finishing. Here is what I have so far: " +
					"please narrow the question or mention me again."
			}
			return bestText, nil
		}

		messages = append(messages,
			anthropicAPI.MessageParam{
				Role:    anthropicAPI.F(anthropicAPI.MessageParamRoleAssistant),
				Content: anthropicAPI.F(assistantBlocks),
			},
			anthropicAPI.MessageParam{
				Role:    anthropicAPI.F(anthropicAPI.MessageParamRoleUser),
				Content: anthropicAPI.F(resultBlocks),
			},
		)
	}
}
