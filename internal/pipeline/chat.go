// Package pipeline answers task prompts through an OpenAI-compatible chat API.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/meguminnnnnnnnn/go-openai"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/approval"
	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/toolexec"
)

const (
	defaultMaxToolRounds = 8
	previewLimit         = 120
)

var (
	// ErrEmptyReply is returned when the model answers with no text
	ErrEmptyReply = errors.New("model returned an empty reply")

	// ErrTooManyToolRounds is returned when the model keeps calling tools
	ErrTooManyToolRounds = errors.New("too many tool rounds")
)

// ToolRunner executes tool calls requested by the model
type ToolRunner interface {
	Definitions(opts model.ExecutionOptions) []toolexec.Definition
	Run(ctx context.Context, inv approval.Invocation, opts model.ExecutionOptions) (string, error)
}

// Config defines configuration for the chat pipeline
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	ProviderName  string
	SystemPrompt  string
	MaxToolRounds int
}

// ChatPipeline sends a task prompt to the model and runs the tools it asks for
type ChatPipeline struct {
	logger *zap.Logger
	client *openai.Client
	tools  ToolRunner
	config Config
}

// NewChatPipeline creates a new chat pipeline
func NewChatPipeline(config Config, tools ToolRunner, logger *zap.Logger) *ChatPipeline {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = defaultMaxToolRounds
	}
	return &ChatPipeline{
		logger: logger.Named("pipeline"),
		client: openai.NewClientWithConfig(clientConfig),
		tools:  tools,
		config: config,
	}
}

// Execute runs the task prompt to a final answer
func (p *ChatPipeline) Execute(ctx context.Context, task model.ScheduledTask, opts model.ExecutionOptions) (model.ReplySummary, error) {
	modelName := opts.ModelID
	if modelName == "" {
		modelName = p.config.Model
	}

	var messages []openai.ChatCompletionMessage
	if p.config.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.config.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: task.Prompt,
	})

	tools := p.toolDefinitions(opts)

	for round := 0; round <= p.config.MaxToolRounds; round++ {
		req := openai.ChatCompletionRequest{
			Model:    modelName,
			Messages: messages,
		}
		if len(tools) > 0 {
			req.Tools = tools
		}

		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return model.ReplySummary{}, fmt.Errorf("failed to create chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return model.ReplySummary{}, ErrEmptyReply
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return p.summarize(resp.Model, modelName, msg.Content)
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    p.runTool(ctx, task.ID, call, opts),
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}

	return model.ReplySummary{}, fmt.Errorf("%w: limit is %d", ErrTooManyToolRounds, p.config.MaxToolRounds)
}

func (p *ChatPipeline) summarize(reportedModel, requestedModel, content string) (model.ReplySummary, error) {
	reply := strings.TrimSpace(content)
	if reply == "" {
		return model.ReplySummary{}, ErrEmptyReply
	}

	modelID := reportedModel
	if modelID == "" {
		modelID = requestedModel
	}
	summary := model.ReplySummary{
		ReplyText:    reply,
		ReplyPreview: Preview(reply),
		ProviderName: p.config.ProviderName,
	}
	if modelID != "" {
		summary.ModelID = &modelID
	}
	return summary, nil
}

// runTool executes one call. Failures are reported to the model as the tool result.
func (p *ChatPipeline) runTool(ctx context.Context, taskID string, call openai.ToolCall, opts model.ExecutionOptions) string {
	inv := approval.Invocation{
		ToolName: call.Function.Name,
		Input:    json.RawMessage(call.Function.Arguments),
	}
	if !json.Valid(inv.Input) {
		inv.Input = json.RawMessage("{}")
	}

	out, err := p.tools.Run(ctx, inv, opts)
	if err != nil {
		p.logger.Warn("Tool call failed",
			zap.String("task_id", taskID),
			zap.String("tool", call.Function.Name),
			zap.Error(err))
		if errors.Is(err, toolexec.ErrApprovalRequired) {
			return "Refused: " + err.Error() + ". Nobody is available to approve commands during a scheduled run."
		}
		return "Error: " + err.Error()
	}
	return out
}

func (p *ChatPipeline) toolDefinitions(opts model.ExecutionOptions) []openai.Tool {
	if p.tools == nil {
		return nil
	}
	var tools []openai.Tool
	for _, def := range p.tools.Definitions(opts) {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

// Preview collapses whitespace and keeps the first 120 runes of a reply.
func Preview(reply string) string {
	collapsed := strings.Join(strings.Fields(reply), " ")
	if utf8.RuneCountInString(collapsed) <= previewLimit {
		return collapsed
	}
	return string([]rune(collapsed)[:previewLimit])
}
