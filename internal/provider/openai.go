package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAI(name, baseURL, apiKey, model string, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (o *OpenAIProvider) Name() string { return o.name }

func (o *OpenAIProvider) ModelName() string { return o.model }

func (o *OpenAIProvider) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	o.authorize(req)
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &requestError{provider: o.name, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Provider: o.name, Code: resp.StatusCode, Msg: parseProviderError(resp.StatusCode, body)}
	}
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	models := make([]string, len(result.Data))
	for i, m := range result.Data {
		models[i] = m.ID
	}
	return models, nil
}

type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Stream        bool              `json:"stream"`
	Tools         []oaiTool         `json:"tools,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
	Options       map[string]any    `json:"options,omitempty"` // Ollama-specific parameters
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type oaiToolCall struct {
	Index    *int            `json:"index,omitempty"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Function oaiToolCallFunc `json:"function"`
}

type oaiToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiDelta struct {
	Content   string        `json:"content"`
	ToolCalls []oaiToolCall `json:"tool_calls"`
}

type oaiChoice struct {
	Delta        oaiDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiStreamChunk struct {
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
}

func toOAIMessages(msgs []Message) []oaiMessage {
	out := make([]oaiMessage, len(msgs))
	for i, m := range msgs {
		om := oaiMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaiToolCallFunc{Name: tc.Name, Arguments: tc.Args},
			})
		}
		out[i] = om
	}
	return out
}

func toOAITools(tools []ToolDef) []oaiTool {
	var out []oaiTool
	for _, t := range tools {
		out = append(out, oaiTool{
			Type:     "function",
			Function: oaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func (o *OpenAIProvider) Chat(ctx context.Context, msgs []Message, tools []ToolDef) (<-chan StreamChunk, error) {
	reqBody := oaiRequest{
		Model:         o.model,
		Messages:      toOAIMessages(msgs),
		Stream:        true,
		Tools:         toOAITools(tools),
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}
	// Ollama defaults to a 2048 token window.
	if strings.Contains(o.baseURL, "11434") {
		reqBody.Options = map[string]any{"num_ctx": 32768}
	}

	resp, err := o.post(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	// Ollama rejects tools for models without tool support.
	if resp.StatusCode != http.StatusOK && len(reqBody.Tools) > 0 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if toolsUnsupported(string(body)) {
			o.logger.Warn("model does not support tools, retrying in chat-only mode", "provider", o.name, "model", o.model)
			reqBody.Tools = nil
			if resp, err = o.post(ctx, reqBody); err != nil {
				return nil, err
			}
		} else {
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Provider: o.name, Code: resp.StatusCode, Msg: parseProviderError(resp.StatusCode, body)}
	}

	ch := make(chan StreamChunk, 64)
	go o.stream(ctx, resp.Body, ch)
	return ch, nil
}

func (o *OpenAIProvider) post(ctx context.Context, body oaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	o.authorize(req)
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &requestError{provider: o.name, err: err}
	}
	return resp, nil
}

func (o *OpenAIProvider) authorize(req *http.Request) {
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
}

func toolsUnsupported(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "does not support tools") ||
		strings.Contains(lower, "does not support functions") ||
		strings.Contains(lower, "tool use is not supported")
}

// stream decodes server-sent events until [DONE], a finish reason, or EOF.
func (o *OpenAIProvider) stream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	send := func(c StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		think     thinkParser
		calls     = map[int]*ToolCall{}
		usage     *Usage
		finishing bool
	)
	done := func() {
		for _, c := range think.flush() {
			if !send(c) {
				return
			}
		}
		send(StreamChunk{Done: true, ToolCalls: orderedCalls(calls), Usage: usage})
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			done()
			return
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		for _, c := range think.feed(choice.Delta.Content) {
			if !send(c) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCall{}
				calls[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Args += tc.Function.Arguments
		}
		// Usage arrives in a trailing chunk after the finish reason.
		if choice.FinishReason != nil {
			finishing = true
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamChunk{Error: err, Done: true})
		return
	}
	if finishing || len(calls) > 0 || think.pending() {
		done()
		return
	}
	send(StreamChunk{Done: true})
}

func orderedCalls(calls map[int]*ToolCall) []ToolCall {
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *calls[i])
	}
	return out
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkParser splits content into answer text and <think> reasoning. A tag
// split across deltas is held back until it can be decided.
type thinkParser struct {
	buf     string
	inThink bool
}

func (p *thinkParser) feed(s string) []StreamChunk {
	if s == "" {
		return nil
	}
	p.buf += s
	var out []StreamChunk
	for {
		tag := thinkOpen
		if p.inThink {
			tag = thinkClose
		}
		if i := strings.Index(p.buf, tag); i >= 0 {
			out = p.emit(out, p.buf[:i])
			p.buf = p.buf[i+len(tag):]
			p.inThink = !p.inThink
			continue
		}
		keep := partialSuffix(p.buf, tag)
		out = p.emit(out, p.buf[:len(p.buf)-keep])
		p.buf = p.buf[len(p.buf)-keep:]
		return out
	}
}

func (p *thinkParser) flush() []StreamChunk {
	out := p.emit(nil, p.buf)
	p.buf = ""
	return out
}

func (p *thinkParser) pending() bool { return p.buf != "" }

func (p *thinkParser) emit(out []StreamChunk, s string) []StreamChunk {
	if s == "" {
		return out
	}
	if p.inThink {
		return append(out, StreamChunk{Thinking: s})
	}
	return append(out, StreamChunk{Delta: s})
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	for n := len(tag) - 1; n > 0; n-- {
		if len(s) >= n && strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
