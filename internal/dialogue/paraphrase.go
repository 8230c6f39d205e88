package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"imob-leads-go/pkg/llm"
)

// ErrParaphraseUnavailable 表示改写能力未配置或暂不可用。
var ErrParaphraseUnavailable = errors.New("paraphrase unavailable")

// Paraphraser 是可选的提示语改写能力。任何错误都会让状态机回退到原始模板。
type Paraphraser interface {
	Paraphrase(ctx context.Context, template string, answers map[string]string) (string, error)
}

// NoopParaphraser 原样返回模板，用于未配置 LLM 的部署和测试。
type NoopParaphraser struct{}

// Paraphrase 实现 Paraphraser。
func (NoopParaphraser) Paraphrase(_ context.Context, template string, _ map[string]string) (string, error) {
	return template, nil
}

// ParaphraseFunc 让普通函数满足 Paraphraser 接口。
type ParaphraseFunc func(ctx context.Context, template string, answers map[string]string) (string, error)

// Paraphrase 实现 Paraphraser。
func (f ParaphraseFunc) Paraphrase(ctx context.Context, template string, answers map[string]string) (string, error) {
	return f(ctx, template, answers)
}

// LLMParaphraser 通过 OpenAI 兼容的聊天接口改写下一条提示语。
type LLMParaphraser struct {
	client llm.Client
	rules  string
	gen    *llm.GenerationParams
}

// NewLLMParaphraser 创建 LLMParaphraser；client 为 nil 时所有调用都返回 ErrParaphraseUnavailable。
func NewLLMParaphraser(client llm.Client, rules string, gen *llm.GenerationParams) *LLMParaphraser {
	return &LLMParaphraser{client: client, rules: rules, gen: gen}
}

// Paraphrase 实现 Paraphraser。只把已收集的答案作为语气上下文，不让模型改变问题本身。
func (p *LLMParaphraser) Paraphrase(ctx context.Context, template string, answers map[string]string) (string, error) {
	if p == nil || p.client == nil {
		return "", ErrParaphraseUnavailable
	}
	var sys strings.Builder
	sys.WriteString(p.rules)
	if len(answers) > 0 {
		keys := make([]string, 0, len(answers))
		for k := range answers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sys.WriteString("\n\nContexto já coletado:\n")
		for _, k := range keys {
			fmt.Fprintf(&sys, "- %s: %s\n", k, answers[k])
		}
	}
	msgs := []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: template},
	}
	out, err := p.client.Complete(ctx, msgs, p.gen)
	if err != nil {
		return "", fmt.Errorf("paraphrase: %w", err)
	}
	return out, nil
}
