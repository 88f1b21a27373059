package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/privateai/sidecar/pkg/engines"
	"github.com/privateai/sidecar/pkg/errutils"
	"github.com/privateai/sidecar/pkg/sidecar"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const DefaultModelName = "local"

type OpenAIEngineConfig struct {
	// BaseURL of the OpenAI-compatible API, including the version prefix,
	// e.g. http://127.0.0.1:8081/v1
	BaseURL string
	// APIKey falls back to PRIVATE_AI_ENGINE_API_KEY. llama-server ignores it
	// unless started with --api-key.
	APIKey string
	// Model is sent as the "model" field. A single-model llama-server ignores it.
	Model           string
	ExtraHeaders    map[string]string
	HTTPClient      *http.Client
	RequestRewrites *engines.RewritePolicy
}

// OpenAIEngine drives an inference engine over the OpenAI chat completions
// protocol, as served by llama-server.
type OpenAIEngine struct {
	client   openai.Client
	model    string
	rewriter *engines.JSONRewriter
}

var _ sidecar.Engine = (*OpenAIEngine)(nil)

func NewOpenAIEngine(conf OpenAIEngineConfig) (*OpenAIEngine, error) {
	if conf.BaseURL == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	apiKey := conf.APIKey
	if apiKey == "" {
		// read from env
		apiKey = os.Getenv("PRIVATE_AI_ENGINE_API_KEY")
	}
	if apiKey == "" {
		apiKey = "sk-no-key-required"
	}
	model := conf.Model
	if model == "" {
		model = DefaultModelName
	}
	rewriter, err := engines.NewJSONRewriter(conf.RequestRewrites)
	if err != nil {
		return nil, fmt.Errorf("build request rewriter: %w", err)
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(conf.BaseURL, "/") + "/"),
		option.WithAPIKey(apiKey),
		// a failed generation is reported, never replayed
		option.WithMaxRetries(0),
	}
	if conf.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(conf.HTTPClient))
	}
	for k, v := range conf.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OpenAIEngine{
		client:   openai.NewClient(opts...),
		model:    model,
		rewriter: rewriter,
	}, nil
}

func (e *OpenAIEngine) Complete(ctx context.Context, messages []sidecar.Message) (*sidecar.Completion, error) {
	body, err := e.requestBody(ctx, messages, false)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{},
		option.WithRequestBody("application/json", body))
	if err != nil {
		return nil, engineError(err)
	}

	choice := gjson.Get(resp.RawJSON(), "choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("engine returned no choices")
	}
	logrus.WithContext(ctx).Debugf("[openai-engine] completion finished: %s", choice.Get("finish_reason").String())
	return &sidecar.Completion{
		Content:      choiceContent(choice),
		FinishReason: choice.Get("finish_reason").String(),
	}, nil
}

func (e *OpenAIEngine) Stream(ctx context.Context, messages []sidecar.Message) (sidecar.Stream, error) {
	body, err := e.requestBody(ctx, messages, true)
	if err != nil {
		return nil, err
	}

	s := e.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{},
		option.WithRequestBody("application/json", body))
	if err := s.Err(); err != nil {
		s.Close()
		return nil, engineError(err)
	}
	logrus.WithContext(ctx).Debugf("[openai-engine] stream opened")
	return &chunkStream{stream: s}, nil
}

// requestBody serializes the chat completion request. Roles the SDK has no
// constructor for are written into the body as given.
func (e *OpenAIEngine) requestBody(ctx context.Context, messages []sidecar.Message, stream bool) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(e.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		params.Messages = append(params.Messages, messageParam(m))
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	for i, m := range messages {
		if knownRole(m.Role) {
			continue
		}
		body, err = sjson.SetBytes(body, fmt.Sprintf("messages.%d.role", i), m.Role)
		if err != nil {
			return nil, fmt.Errorf("set role of message %d: %w", i, err)
		}
	}
	body, err = sjson.SetBytes(body, "stream", stream)
	if err != nil {
		return nil, fmt.Errorf("set stream flag: %w", err)
	}
	return e.rewriter.RewriteJSON(ctx, body, engines.NewRewriteEnv(messages, stream)), nil
}

func messageParam(m sidecar.Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case sidecar.RoleSystem:
		return openai.SystemMessage(m.Content)
	case sidecar.RoleAssistant:
		return openai.AssistantMessage(m.Content)
	case "developer":
		return openai.DeveloperMessage(m.Content)
	default:
		return openai.UserMessage(m.Content)
	}
}

func knownRole(role string) bool {
	switch role {
	case sidecar.RoleSystem, sidecar.RoleUser, sidecar.RoleAssistant, "developer":
		return true
	}
	return false
}

// choiceContent reads the text of a completion choice: the message content,
// a bare string message, or the legacy "text" field.
func choiceContent(choice gjson.Result) sidecar.Content {
	msg := choice.Get("message")
	switch {
	case msg.Type == gjson.String:
		return sidecar.PlainContent(msg.Str)
	case msg.IsObject():
		return sidecar.ContentFromJSON(msg.Get("content"))
	default:
		return sidecar.ContentFromJSON(choice.Get("text"))
	}
}

type chunkStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current sidecar.Chunk
}

// Next skips chunks that carry no choice, such as usage-only chunks.
func (s *chunkStream) Next() bool {
	for s.stream.Next() {
		choice := gjson.Get(s.stream.Current().RawJSON(), "choices.0")
		if !choice.Exists() {
			continue
		}
		s.current = sidecar.Chunk{
			Delta:        sidecar.ContentFromJSON(choice.Get("delta.content")),
			FinishReason: choice.Get("finish_reason").String(),
		}
		return true
	}
	return false
}

func (s *chunkStream) Current() sidecar.Chunk {
	return s.current
}

func (s *chunkStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return engineError(err)
	}
	return nil
}

func (s *chunkStream) Close() error {
	return s.stream.Close()
}

func engineError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &errutils.EngineRespError{
			StatusCode: apiErr.StatusCode,
			Body:       []byte(apiErr.RawJSON()),
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &errutils.EngineHTTPError{Err: err}
	}
	return err
}
