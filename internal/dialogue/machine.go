// Package dialogue 实现逐字段收集线索信息的对话状态机。
//
// 状态即漏斗字段表的下标，外加 Complete 与 Abandoned 两个终态。状态机一次只处理一条输入，
// 校验失败时停留在当前步骤并返回带错误类型的重试提示；校验通过后写入答案并前进。
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"imob-leads-go/internal/funnel"
	"imob-leads-go/internal/model"
	"imob-leads-go/pkg/log"
)

// DefaultParaphraseBudget 是改写调用的默认时间预算。
const DefaultParaphraseBudget = 2 * time.Second

const maxHistory = 50

// TransitionKind 描述一次 Submit/Abandon 的结果。
type TransitionKind string

const (
	Accepted  TransitionKind = "accepted"
	Rejected  TransitionKind = "rejected"
	Completed TransitionKind = "completed"
	Abandoned TransitionKind = "abandoned"
	Closed    TransitionKind = "closed" // 会话已结束后的输入
)

// TransitionResult 是一次状态转换的输出，Reply 为需要依次展示给用户的消息。
type TransitionResult struct {
	Kind   TransitionKind          `json:"kind"`
	Field  string                  `json:"field,omitempty"`
	Value  string                  `json:"value,omitempty"`
	Error  *funnel.ValidationError `json:"error,omitempty"`
	Prompt string                  `json:"prompt,omitempty"`
	Reply  []string                `json:"reply"`
	Step   int                     `json:"step"`
	Status model.SessionStatus     `json:"status"`
}

// Messages 是状态机使用的固定话术。
type Messages struct {
	Ack           string
	Completed     string
	AfterComplete string
	Abandoned     string
}

// DefaultMessages 沿用原脚本的话术。
func DefaultMessages() Messages {
	return Messages{
		Ack: "✅ Entendi!",
		Completed: "Perfeito! Lead completo e salvo.\n\n" +
			"Em breve nossa equipe entrará em contato. " +
			"Se quiser, pode me contar mais preferências (bairro, vagas, pet-friendly etc.).",
		AfterComplete: "Obrigada! Se quiser, posso anotar mais preferências (bairro, vagas, pet-friendly, " +
			"condomínio, lazer). Também posso encaminhar seu contato para um corretor agora.",
		Abandoned: "Tudo bem! Se mudar de ideia, é só voltar a falar comigo.",
	}
}

// Machine 是单个会话的状态机，不是并发安全的：调用方保证同一会话的输入串行到达。
type Machine struct {
	funnel      funnel.Funnel
	session     *model.Session
	paraphraser Paraphraser
	budget      time.Duration
	messages    Messages
	now         func() time.Time
}

// Option 配置 Machine。
type Option func(*Machine)

// WithParaphraser 设置提示语改写能力。
func WithParaphraser(p Paraphraser) Option {
	return func(m *Machine) { m.paraphraser = p }
}

// WithParaphraseBudget 设置单次改写的时间预算。
func WithParaphraseBudget(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.budget = d
		}
	}
}

// WithMessages 替换固定话术。
func WithMessages(msgs Messages) Option {
	return func(m *Machine) { m.messages = msgs }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New 开始一个新会话。UTM 与来源只在这里写入一次，此后不可修改。
func New(f funnel.Funnel, meta model.SessionMeta, opts ...Option) *Machine {
	m := newMachine(f, opts)
	m.session = &model.Session{
		ID:        uuid.NewString(),
		Status:    model.SessionCollecting,
		Answers:   make(map[string]string, len(f)),
		Meta:      meta,
		StartedAt: m.now().UTC(),
	}
	return m
}

// Resume 从保存的会话恢复状态机。
func Resume(f funnel.Funnel, s *model.Session, opts ...Option) (*Machine, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}
	if s.Step < 0 || s.Step > len(f) {
		return nil, fmt.Errorf("session %s: step %d out of range [0,%d]", s.ID, s.Step, len(f))
	}
	if s.Status == model.SessionCollecting && s.Step == len(f) {
		return nil, fmt.Errorf("session %s: collecting but past the last step", s.ID)
	}
	m := newMachine(f, opts)
	m.session = cloneSession(s)
	if m.session.Answers == nil {
		m.session.Answers = make(map[string]string, len(f))
	}
	return m, nil
}

func newMachine(f funnel.Funnel, opts []Option) *Machine {
	m := &Machine{
		funnel:      f,
		paraphraser: NoopParaphraser{},
		budget:      DefaultParaphraseBudget,
		messages:    DefaultMessages(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session 返回会话状态的副本，用于保存。
func (m *Machine) Session() *model.Session {
	return cloneSession(m.session)
}

// Answers 返回已收集答案的副本。
func (m *Machine) Answers() map[string]string {
	out := make(map[string]string, len(m.session.Answers))
	for k, v := range m.session.Answers {
		out[k] = v
	}
	return out
}

// Status 返回会话阶段。
func (m *Machine) Status() model.SessionStatus {
	return m.session.Status
}

// Current 返回当前步骤的字段定义；会话结束后返回 false。
func (m *Machine) Current() (funnel.FieldDef, bool) {
	if m.session.Closed() || m.session.Step >= len(m.funnel) {
		return funnel.FieldDef{}, false
	}
	return m.funnel[m.session.Step], true
}

// NextPrompt 返回当前步骤的提示语。首次请求时才生成（可能经过改写），之后复用同一文本。
// 会话结束后返回空串。
func (m *Machine) NextPrompt(ctx context.Context) string {
	def, ok := m.Current()
	if !ok {
		return ""
	}
	if m.session.Prompt == "" {
		m.session.Prompt = m.render(ctx, def.Prompt)
	}
	return m.session.Prompt
}

// Submit 用当前步骤的校验器处理一条输入。
func (m *Machine) Submit(ctx context.Context, input string) TransitionResult {
	if m.session.Closed() {
		return m.result(Closed, m.messages.AfterComplete)
	}
	def, _ := m.Current()
	prompt := m.NextPrompt(ctx)
	m.record("user", input)

	value, err := funnel.Validate(def, input)
	if err != nil {
		var verr *funnel.ValidationError
		if !errors.As(err, &verr) {
			verr = &funnel.ValidationError{Field: def.Name, Kind: funnel.Empty, Detail: err.Error()}
		}
		res := m.result(Rejected, retryText(def, verr), prompt)
		res.Field = def.Name
		res.Error = verr
		res.Prompt = prompt
		return res
	}

	m.session.Answers[def.Name] = value
	m.session.Step++
	m.session.Prompt = ""

	if m.session.Step >= len(m.funnel) {
		m.session.Status = model.SessionComplete
		res := m.result(Completed, m.messages.Ack, m.messages.Completed)
		res.Field = def.Name
		res.Value = value
		return res
	}

	next := m.NextPrompt(ctx)
	res := m.result(Accepted, m.messages.Ack, next)
	res.Field = def.Name
	res.Value = value
	res.Prompt = next
	return res
}

// Abandon 结束会话。只能由用户显式触发，校验失败不会导致放弃。
func (m *Machine) Abandon() TransitionResult {
	if m.session.Closed() {
		return m.result(Closed, m.messages.AfterComplete)
	}
	m.session.Status = model.SessionAbandoned
	m.session.Prompt = ""
	return m.result(Abandoned, m.messages.Abandoned)
}

func (m *Machine) result(kind TransitionKind, reply ...string) TransitionResult {
	for _, r := range reply {
		m.record("assistant", r)
	}
	return TransitionResult{
		Kind:   kind,
		Reply:  reply,
		Step:   m.session.Step,
		Status: m.session.Status,
	}
}

func (m *Machine) record(role, content string) {
	if content == "" {
		return
	}
	m.session.History = append(m.session.History, model.ChatMessage{Role: role, Content: content, Timestamp: m.now().UTC()})
	if len(m.session.History) > maxHistory {
		m.session.History = m.session.History[len(m.session.History)-maxHistory:]
	}
}

// render 在时间预算内请求改写；失败、超时、空结果或 panic 都回退到原始模板。
func (m *Machine) render(ctx context.Context, template string) string {
	if m.paraphraser == nil {
		return template
	}
	ctx, cancel := context.WithTimeout(ctx, m.budget)
	defer cancel()

	answers := m.Answers()
	out := make(chan string, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warnf("改写提示语时发生 panic，使用原始模板: %v", r)
				out <- ""
			}
		}()
		text, err := m.paraphraser.Paraphrase(ctx, template, answers)
		if err != nil {
			log.Warnf("改写提示语失败，使用原始模板: %v", err)
			out <- ""
			return
		}
		out <- strings.TrimSpace(text)
	}()

	select {
	case text := <-out:
		if text == "" {
			return template
		}
		return text
	case <-ctx.Done():
		log.Warnf("改写提示语超时（%s），使用原始模板", m.budget)
		return template
	}
}

func retryText(def funnel.FieldDef, verr *funnel.ValidationError) string {
	msg := def.Retry
	if msg == "" {
		msg = "A resposta não é válida. Tente novamente."
	}
	if verr.Detail != "" {
		msg += " (" + verr.Detail + ")"
	}
	return "⚠️ " + msg
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	if s.Answers != nil {
		c.Answers = make(map[string]string, len(s.Answers))
		for k, v := range s.Answers {
			c.Answers[k] = v
		}
	}
	if s.History != nil {
		c.History = append([]model.ChatMessage(nil), s.History...)
	}
	return &c
}
