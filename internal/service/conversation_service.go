// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imob-leads-go/internal/dialogue"
	"imob-leads-go/internal/funnel"
	"imob-leads-go/internal/lead"
	"imob-leads-go/internal/model"
	"imob-leads-go/internal/pipeline"
	"imob-leads-go/internal/repository"
	"imob-leads-go/pkg/kafka"
	"imob-leads-go/pkg/lock"
	"imob-leads-go/pkg/log"
	"imob-leads-go/pkg/tasks"
)

var (
	// ErrSessionClosed 表示会话已经完成或放弃，不能再放弃一次。
	ErrSessionClosed = errors.New("session closed")
	// ErrNothingToRetry 表示会话没有落库失败的线索需要重试。
	ErrNothingToRetry = errors.New("session has no failed save to retry")
)

// StepComplete 是漏斗统计中“完成全部步骤”的步骤名。
const StepComplete = "complete"

// 会话上记录的落库结果，除 pipeline.StoreOutcome 之外的两种情况。
const (
	OutcomeQueued = "queued" // 已放入重试队列
	OutcomeFailed = "failed"
)

// WelcomeMessage 生成会话开场白。
func WelcomeMessage(companyName, blurb string) string {
	return fmt.Sprintf("Oi! Sou a **Ayla**, da **%s**. %s\n\n"+
		"Posso te ajudar a encontrar o seu imóvel dos sonhos, que cabe no seu bolso. Vamos começar?",
		companyName, blurb)
}

// LeadPersister 是线索落库能力，由 pipeline.Engine 实现。
type LeadPersister interface {
	Save(ctx context.Context, l model.Lead) (model.Lead, pipeline.StoreOutcome, error)
	SavePrimaryIfNewer(ctx context.Context, l model.Lead) (model.Lead, pipeline.StoreOutcome, error)
}

// SessionView 是对外返回的会话状态。
type SessionView struct {
	ID         string              `json:"id"`
	Status     model.SessionStatus `json:"status"`
	Step       int                 `json:"step"`
	TotalSteps int                 `json:"totalSteps"`
	Field      string              `json:"field,omitempty"`
	Prompt     string              `json:"prompt,omitempty"`
	Answers    map[string]string   `json:"answers"`
	Meta       model.SessionMeta   `json:"meta"`
	StartedAt  time.Time           `json:"startedAt"`
	LeadID     string              `json:"leadId,omitempty"`
	Outcome    string              `json:"outcome,omitempty"`
	History    []model.ChatMessage `json:"history,omitempty"`
}

// TurnResult 是一轮对话的结果。
type TurnResult struct {
	Session *SessionView            `json:"session"`
	Kind    dialogue.TransitionKind `json:"kind"`
	Reply   []string                `json:"reply"`
	Error   *funnel.ValidationError `json:"error,omitempty"`
}

// ConversationService 接口定义了线索收集对话的业务操作。
type ConversationService interface {
	StartSession(ctx context.Context, meta model.SessionMeta) (*TurnResult, error)
	GetSession(ctx context.Context, id string) (*SessionView, error)
	Submit(ctx context.Context, id, input string) (*TurnResult, error)
	Abandon(ctx context.Context, id string) (*TurnResult, error)
	Retry(ctx context.Context, id string) (*TurnResult, error)
}

// ConversationDeps 汇总 ConversationService 的依赖。Publisher 可以为 nil。
type ConversationDeps struct {
	Funnel      funnel.Funnel
	Sessions    repository.SessionRepository
	Stats       repository.FunnelStatRepository
	Leads       LeadPersister
	Builder     *lead.Builder
	Publisher   kafka.Publisher
	Locker      lock.Locker
	Welcome     string
	MachineOpts []dialogue.Option
}

type conversationService struct {
	deps     ConversationDeps
	lockWait time.Duration
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(deps ConversationDeps) ConversationService {
	if deps.Funnel == nil {
		deps.Funnel = funnel.Default()
	}
	if deps.Builder == nil {
		deps.Builder = lead.NewBuilder()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Stats == nil {
		deps.Stats = repository.NewMemoryFunnelStatRepository()
	}
	return &conversationService{deps: deps, lockWait: 5 * time.Second}
}

// StartSession 创建会话，返回开场白和第一个问题。
func (s *conversationService) StartSession(ctx context.Context, meta model.SessionMeta) (*TurnResult, error) {
	m := dialogue.New(s.deps.Funnel, meta, s.deps.MachineOpts...)
	prompt := m.NextPrompt(ctx)
	sess := m.Session()
	if s.deps.Welcome != "" {
		// 开场白放在第一个问题之前
		sess.History = append([]model.ChatMessage{{Role: "assistant", Content: s.deps.Welcome, Timestamp: sess.StartedAt}}, sess.History...)
	}
	sess.History = append(sess.History, model.ChatMessage{Role: "assistant", Content: prompt, Timestamp: sess.StartedAt})

	if err := s.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("保存会话失败: %w", err)
	}
	if def, ok := m.Current(); ok {
		s.markReached(ctx, def.Name, sess.ID)
	}
	log.Infow("会话已创建", "session_id", sess.ID, "utm_source", meta.UTM.Source, "app_origin", meta.Origin)

	reply := []string{prompt}
	if s.deps.Welcome != "" {
		reply = []string{s.deps.Welcome, prompt}
	}
	return &TurnResult{Session: s.view(sess), Kind: dialogue.Accepted, Reply: reply}, nil
}

// GetSession 返回会话当前状态。
func (s *conversationService) GetSession(ctx context.Context, id string) (*SessionView, error) {
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(sess), nil
}

// Submit 处理一条用户输入。会话完成时构建线索并落库；
// 落库彻底失败且无法放入重试队列时，同时返回结果和 pipeline.ErrUnrecoverable。
func (s *conversationService) Submit(ctx context.Context, id, input string) (*TurnResult, error) {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.resume(ctx, id)
	if err != nil {
		return nil, err
	}
	res := m.Submit(ctx, input)
	sess := m.Session()

	var persistErr error
	switch res.Kind {
	case dialogue.Accepted:
		if def, ok := m.Current(); ok {
			s.markReached(ctx, def.Name, sess.ID)
		}
	case dialogue.Completed:
		s.markReached(ctx, StepComplete, sess.ID)
		persistErr = s.persist(ctx, m, sess)
	case dialogue.Closed:
		// 上次落库彻底失败的会话，客户端再发消息时重新保存
		if sess.Outcome == OutcomeFailed {
			persistErr = s.persist(ctx, m, sess)
		}
	}

	if err := s.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("保存会话失败: %w", err)
	}
	return &TurnResult{Session: s.view(sess), Kind: res.Kind, Reply: res.Reply, Error: res.Error}, persistErr
}

// Abandon 结束会话。已收集到手机号或邮箱时，按已有答案保存一条线索。
func (s *conversationService) Abandon(ctx context.Context, id string) (*TurnResult, error) {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status() != model.SessionCollecting {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	res := m.Abandon()
	sess := m.Session()
	persistErr := s.persist(ctx, m, sess)

	if err := s.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("保存会话失败: %w", err)
	}
	log.Infow("会话已放弃", "session_id", id, "step", sess.Step, "lead_id", sess.LeadID)
	return &TurnResult{Session: s.view(sess), Kind: res.Kind, Reply: res.Reply}, persistErr
}

// Retry 重新保存上次落库彻底失败（Outcome 为 failed）的会话线索，其他会话返回 ErrNothingToRetry。
func (s *conversationService) Retry(ctx context.Context, id string) (*TurnResult, error) {
	unlock, err := s.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.resume(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := m.Session()
	if sess.Outcome != OutcomeFailed {
		return nil, fmt.Errorf("%w: %s", ErrNothingToRetry, id)
	}
	persistErr := s.persist(ctx, m, sess)

	if err := s.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("保存会话失败: %w", err)
	}
	log.Infow("重新保存线索", "session_id", id, "outcome", sess.Outcome, "lead_id", sess.LeadID)
	return &TurnResult{Session: s.view(sess), Kind: dialogue.Closed}, persistErr
}

func (s *conversationService) lockSession(ctx context.Context, id string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	unlock, err := s.deps.Locker.Lock(lockCtx, "session:"+id)
	if err != nil {
		return nil, fmt.Errorf("会话 %s 正在处理其他消息: %w", id, err)
	}
	return unlock, nil
}

func (s *conversationService) resume(ctx context.Context, id string) (*dialogue.Machine, error) {
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := dialogue.Resume(s.deps.Funnel, sess, s.deps.MachineOpts...)
	if err != nil {
		return nil, fmt.Errorf("恢复会话失败: %w", err)
	}
	return m, nil
}

// persist 把答案转换成线索并落库，结果记在 sess 上。没有手机号和邮箱时不产生线索。
func (s *conversationService) persist(ctx context.Context, m *dialogue.Machine, sess *model.Session) error {
	answers := m.Answers()
	if !lead.Submittable(answers) {
		return nil
	}
	l := s.deps.Builder.Build(answers, sess.Meta)

	stored, outcome, err := s.deps.Leads.Save(ctx, l)
	if err == nil {
		sess.LeadID = stored.LeadID
		sess.Outcome = string(outcome)
		return nil
	}

	if errors.Is(err, pipeline.ErrUnrecoverable) && s.deps.Publisher != nil {
		task := tasks.LeadRetryTask{Lead: l, SessionID: sess.ID, EnqueuedAt: time.Now().UTC()}
		perr := s.deps.Publisher.PublishLeadRetry(context.WithoutCancel(ctx), task)
		if perr == nil {
			log.Warnw("线索落库失败，已放入重试队列", "session_id", sess.ID, "lead_id", l.LeadID)
			sess.LeadID = l.LeadID
			sess.Outcome = OutcomeQueued
			return nil
		}
		log.Error("线索放入重试队列失败", perr)
		err = errors.Join(err, perr)
	}
	sess.Outcome = OutcomeFailed
	return err
}

func (s *conversationService) markReached(ctx context.Context, step, sessionID string) {
	if err := s.deps.Stats.MarkReached(ctx, step, sessionID); err != nil {
		log.Warnf("记录漏斗步骤失败: step=%s, session=%s, err=%v", step, sessionID, err)
	}
}

func (s *conversationService) view(sess *model.Session) *SessionView {
	v := &SessionView{
		ID:         sess.ID,
		Status:     sess.Status,
		Step:       sess.Step,
		TotalSteps: len(s.deps.Funnel),
		Answers:    sess.Answers,
		Meta:       sess.Meta,
		StartedAt:  sess.StartedAt,
		LeadID:     sess.LeadID,
		Outcome:    sess.Outcome,
		History:    sess.History,
	}
	if !sess.Closed() && sess.Step < len(s.deps.Funnel) {
		v.Field = s.deps.Funnel[sess.Step].Name
		v.Prompt = sess.Prompt
	}
	return v
}
