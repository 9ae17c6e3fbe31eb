package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/quietriver/chat-relay/backend/internal/config"
	"github.com/quietriver/chat-relay/backend/internal/model/chat"
)

// Service adapts the remote completion provider behind a streaming
// interface. It owns the compiled prompt chain and hides the provider's
// message shape from the relay.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the completion client from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// StreamCompletion submits the conversation plus the new user prompt and
// returns the provider's chunk stream. The stream is finite, in emission
// order and not restartable; it ends with io.EOF or an error. When streaming
// is disabled by configuration the full response arrives as a single chunk.
func (s *Service) StreamCompletion(ctx context.Context, history []chat.Turn, userMessage string) (*schema.StreamReader[*schema.Message], error) {
	if !s.cfg.StreamResponse {
		response, err := s.GenerateResponse(ctx, history, userMessage)
		if err != nil {
			return nil, err
		}
		return schema.StreamReaderFromArray([]*schema.Message{response}), nil
	}

	input := s.buildChainInput(history, userMessage)

	stream, err := s.chain.Stream(ctx, input, s.callOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to stream completion: %w", err)
	}

	return stream, nil
}

// GenerateResponse is the blocking variant used when streaming is disabled.
func (s *Service) GenerateResponse(ctx context.Context, history []chat.Turn, userMessage string) (*schema.Message, error) {
	input := s.buildChainInput(history, userMessage)

	response, err := s.chain.Invoke(ctx, input, s.callOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate completion: %w", err)
	}

	log.Printf("[ai] generated response, length=%d", len(response.Content))
	return response, nil
}

// callOptions maps the configured tool-invocation mode onto the chat model.
// The mode only controls whether the model may call tools mid-generation; it
// does not change the chunk contract.
func (s *Service) callOptions() []compose.Option {
	var choice schema.ToolChoice
	switch s.cfg.ToolChoice {
	case config.ToolChoiceAuto:
		choice = schema.ToolChoiceAllowed
	case config.ToolChoiceNone:
		choice = schema.ToolChoiceForbidden
	default:
		return nil
	}

	return []compose.Option{
		compose.WithChatModelOption(model.WithToolChoice(choice)),
	}
}

func (s *Service) buildChainInput(history []chat.Turn, userMessage string) map[string]any {
	return map[string]any{
		"system":  s.cfg.SystemPrompt,
		"history": s.buildHistoryMessages(history),
		"query":   userMessage,
	}
}

// buildHistoryMessages converts stored turns into provider messages, keeping
// only the most recent window to bound prompt size.
func (s *Service) buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	limit := s.cfg.HistoryLimit
	startIdx := 0
	if limit > 0 && len(turns) > limit {
		startIdx = len(turns) - limit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}

	return history
}
