package pipeline

import (
	"context"
	"fmt"

	"imob-leads-go/pkg/log"
	"imob-leads-go/pkg/tasks"
)

// Processor 消费重试队列中的线索，重新走一遍 Upsert。
type Processor struct {
	engine *Engine
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(engine *Engine) *Processor {
	return &Processor{engine: engine}
}

// Process 重新保存一条线索。只有主存储和降级存储仍然都失败时才返回错误，由消费者决定是否重试。
func (p *Processor) Process(ctx context.Context, task tasks.LeadRetryTask) error {
	log.Infof("[Processor] 重新保存线索, LeadID: %s, SessionID: %s", task.Lead.LeadID, task.SessionID)
	outcome, err := p.engine.Upsert(ctx, task.Lead)
	if err != nil {
		return fmt.Errorf("重新保存线索 %s 失败: %w", task.Lead.LeadID, err)
	}
	log.Infof("[Processor] 线索重新保存成功, LeadID: %s, Outcome: %s", task.Lead.LeadID, outcome)
	return nil
}
