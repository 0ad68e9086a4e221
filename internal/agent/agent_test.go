package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/connect4-arena/internal/registry"
	"github.com/park285/connect4-arena/internal/rules"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestAgent(t *testing.T, p registry.Provider, h fasthttp.RequestHandler) *httpAgent {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	c, ok := codecFor(p)
	if !ok {
		t.Fatalf("no codec for %v", p)
	}
	client := NewClient("http://agent.test",
		WithTimeout(2*time.Second),
		WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
	)
	return &httpAgent{
		model:  registry.Model{Key: "test-model", Provider: p},
		client: client,
		codec:  c,
		apiKey: "secret",
	}
}

func openingRequest() MoveRequest {
	b := rules.NewBoard()
	return MoveRequest{Board: b, Side: b.SideToMove(), Legal: b.LegalColumns()}
}

func chatBody(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		"usage":   map[string]int{"prompt_tokens": 120, "completion_tokens": 30},
	})
	return string(raw)
}

func TestHTTPAgent_OpenAIProposal(t *testing.T) {
	var sawPrompt atomic.Bool
	a := newTestAgent(t, registry.ProviderOpenAI, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/chat/completions" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		if string(ctx.Request.Header.Peek("Authorization")) != "Bearer secret" {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err == nil && len(req.Messages) == 2 &&
			strings.Contains(req.Messages[1].Content, "Valid Columns: [0,1,2,3,4,5,6]") {
			sawPrompt.Store(true)
		}
		ctx.SetBodyString(chatBody("```json\n{\"reasoning\": \"take the center\", \"column\": 3}\n```"))
	})

	p, err := a.ProposeMove(context.Background(), openingRequest())
	if err != nil {
		t.Fatalf("ProposeMove: %v", err)
	}
	if p.Column != 3 || p.Reasoning != "take the center" {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if p.InputTokens != 120 || p.OutputTokens != 30 {
		t.Fatalf("usage = %d/%d", p.InputTokens, p.OutputTokens)
	}
	if !sawPrompt.Load() {
		t.Fatalf("prompt did not list legal columns")
	}
}

func TestHTTPAgent_RateLimited(t *testing.T) {
	a := newTestAgent(t, registry.ProviderOpenAI, func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Retry-After", "30")
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		ctx.SetBodyString(`{"error":{"type":"rate_limit_error"}}`)
	})
	_, err := a.ProposeMove(context.Background(), openingRequest())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %+v", rl)
	}
	if Retryable(err) {
		t.Fatalf("rate limit must not be retryable")
	}
}

func TestHTTPAgent_QuotaBodyIsRateLimit(t *testing.T) {
	a := newTestAgent(t, registry.ProviderGoogle, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		ctx.SetBodyString(`{"error":{"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded"}}`)
	})
	if _, err := a.ProposeMove(context.Background(), openingRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestHTTPAgent_IllegalColumnIsInvalidOutput(t *testing.T) {
	a := newTestAgent(t, registry.ProviderDeepSeek, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(chatBody(`{"reasoning":"edge","column":9}`))
	})
	_, err := a.ProposeMove(context.Background(), openingRequest())
	if !errors.Is(err, ErrInvalidOutput) || !Retryable(err) {
		t.Fatalf("err = %v, want retryable ErrInvalidOutput", err)
	}
}

func TestHTTPAgent_Timeout(t *testing.T) {
	a := newTestAgent(t, registry.ProviderOpenAI, func(ctx *fasthttp.RequestCtx) {
		time.Sleep(300 * time.Millisecond)
		ctx.SetBodyString(chatBody(`{"reasoning":"late","column":0}`))
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.ProposeMove(ctx, openingRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestHTTPAgent_RetriesServerError(t *testing.T) {
	var hits atomic.Int32
	a := newTestAgent(t, registry.ProviderOpenAI, func(ctx *fasthttp.RequestCtx) {
		if hits.Add(1) == 1 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(chatBody(`{"reasoning":"ok","column":1}`))
	})
	p, err := a.ProposeMove(context.Background(), openingRequest())
	if err != nil {
		t.Fatalf("ProposeMove: %v", err)
	}
	if p.Column != 1 || hits.Load() != 2 {
		t.Fatalf("column=%d hits=%d", p.Column, hits.Load())
	}
}

func TestHTTPAgent_Anthropic(t *testing.T) {
	a := newTestAgent(t, registry.ProviderAnthropic, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/v1/messages" || string(ctx.Request.Header.Peek("x-api-key")) != "secret" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		var req anthropicRequest
		_ = json.Unmarshal(ctx.PostBody(), &req)
		if req.MaxTokens != defaultMaxTokens || req.System == "" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		ctx.SetBodyString(`{"content":[{"type":"text","text":"{\"reasoning\":\"block\",\"column\":5}"}],"usage":{"input_tokens":40,"output_tokens":12}}`)
	})
	p, err := a.ProposeMove(context.Background(), openingRequest())
	if err != nil {
		t.Fatalf("ProposeMove: %v", err)
	}
	if p.Column != 5 || p.InputTokens != 40 || p.OutputTokens != 12 {
		t.Fatalf("unexpected proposal %+v", p)
	}
}

func TestHTTPAgent_Gemini(t *testing.T) {
	a := newTestAgent(t, registry.ProviderGoogle, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/v1beta/models/test-model:generateContent" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetBodyString(`{"candidates":[{"content":{"parts":[{"text":"{\"reasoning\":\"r\",\"column\":2}"}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`)
	})
	p, err := a.ProposeMove(context.Background(), openingRequest())
	if err != nil {
		t.Fatalf("ProposeMove: %v", err)
	}
	if p.Column != 2 || p.InputTokens != 7 || p.OutputTokens != 3 {
		t.Fatalf("unexpected proposal %+v", p)
	}
}

func TestParseDecision(t *testing.T) {
	legal := []int{0, 2, 4}
	if _, err := parseDecision("I pick column 2", legal); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("prose accepted: %v", err)
	}
	if _, err := parseDecision(`{"reasoning":"x"}`, legal); !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("missing column accepted: %v", err)
	}
	d, err := parseDecision("Sure! {\"reasoning\":\"fork\",\"column\":4} done", legal)
	if err != nil || *d.Column != 4 {
		t.Fatalf("embedded object: d=%+v err=%v", d, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := parseRetryAfter("12", now); got != 12*time.Second {
		t.Fatalf("seconds = %v", got)
	}
	date := now.Add(90 * time.Second).Format(time.RFC1123)
	if got := parseRetryAfter(date, now); got != 90*time.Second {
		t.Fatalf("date = %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage = %v", got)
	}
}

func TestDirectory_SkipsModelsWithoutCredentials(t *testing.T) {
	reg, err := registry.Parse([]byte(`
models:
  gpt-x:
    provider: openai
  claude-x:
    provider: anthropic
  rnd:
    provider: random
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d, err := NewDirectory(reg, Credentials{OpenAI: "k"})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	if !d.Known("gpt-x") || !d.Known("rnd") {
		t.Fatalf("expected gpt-x and rnd available")
	}
	if d.Known("claude-x") {
		t.Fatalf("claude-x available without key")
	}
	if _, err := d.Agent("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v", err)
	}
}

func TestRandom_PicksLegalColumn(t *testing.T) {
	r := NewRandom(1)
	req := MoveRequest{Legal: []int{2, 6}}
	for i := 0; i < 20; i++ {
		p, err := r.ProposeMove(context.Background(), req)
		if err != nil {
			t.Fatalf("ProposeMove: %v", err)
		}
		if p.Column != 2 && p.Column != 6 {
			t.Fatalf("illegal column %d", p.Column)
		}
	}
}
