package brain

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OracleRequest is a single completion call: a system instruction and the
// user-visible prompt built from the candidate event.
type OracleRequest struct {
	System string
	Prompt string
}

type OracleReply struct {
	Content string
}

// Oracle abstracts the language-model endpoint. The replay harness swaps in a
// lookup table; live mode uses the OpenAI-compatible client below.
type Oracle interface {
	Complete(ctx context.Context, req OracleRequest) (OracleReply, error)
}

type OracleConfig struct {
	APIKey  string
	BaseURL string // OpenAI-compatible endpoint, e.g. an OpenRouter URL
	Model   string
	Timeout time.Duration
}

type openAIOracle struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOracle builds the live client. The per-call timeout is enforced here so
// the decision engine can rely on Complete never hanging.
func NewOracle(cfg OracleConfig) (Oracle, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("oracle api key is empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("oracle model is empty")
	}
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAIOracle{
		client:  openai.NewClientWithConfig(cc),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (o *openAIOracle) Complete(ctx context.Context, req OracleRequest) (OracleReply, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return OracleReply{}, err
	}
	if len(resp.Choices) == 0 {
		return OracleReply{}, errors.New("oracle returned no choices")
	}
	return OracleReply{Content: resp.Choices[0].Message.Content}, nil
}
