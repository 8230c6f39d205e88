// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import (
	"time"

	"imob-leads-go/internal/model"
)

// LeadRetryTask 是一条主存储与降级存储都没有写成功的线索，交给消费者重新落库。
type LeadRetryTask struct {
	Lead       model.Lead `json:"lead"`
	SessionID  string     `json:"session_id"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}
