package model

import "time"

// UTM 是会话创建时捕获的营销归因参数，之后不可修改。
type UTM struct {
	Source   string `json:"utm_source" form:"utm_source"`
	Medium   string `json:"utm_medium" form:"utm_medium"`
	Campaign string `json:"utm_campaign" form:"utm_campaign"`
	Term     string `json:"utm_term" form:"utm_term"`
	Content  string `json:"utm_content" form:"utm_content"`
}

// SessionMeta 由宿主环境在会话创建时提供一次。
type SessionMeta struct {
	UTM    UTM    `json:"utm"`
	Origin string `json:"app_origin"`
}

// SessionStatus 会话所处的阶段。
type SessionStatus string

const (
	SessionCollecting SessionStatus = "collecting"
	SessionComplete   SessionStatus = "complete"
	SessionAbandoned  SessionStatus = "abandoned"
)

// ChatMessage 代表会话记录中的单条消息。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session 是单个对话的全部状态，只归属于这一个对话。
// 以 JSON 形式保存在 Redis（或内存）中，跨 HTTP 请求恢复状态机。
type Session struct {
	ID        string            `json:"id"`
	Step      int               `json:"step"`
	Status    SessionStatus     `json:"status"`
	Answers   map[string]string `json:"answers"`
	Meta      SessionMeta       `json:"meta"`
	StartedAt time.Time         `json:"started_at"`
	Prompt    string            `json:"prompt"` // 当前步骤已生成的提示语（可能经过改写）
	History   []ChatMessage     `json:"history,omitempty"`

	// 持久化结果，落库后填写
	LeadID  string `json:"lead_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Closed 表示会话已结束，不再接受漏斗输入。
func (s *Session) Closed() bool {
	return s.Status == SessionComplete || s.Status == SessionAbandoned
}
