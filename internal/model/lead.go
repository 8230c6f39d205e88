// Package model 定义了线索记录、会话等数据模型。
package model

import (
	"fmt"
	"time"
)

// Columns 是主存储与降级存储共用的固定列顺序，不可调整。
var Columns = []string{
	"lead_id", "dedup_key", "criado_em", "app_origin",
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"nome", "telefone", "email", "operacao", "tipo_imovel",
	"metragem", "quartos", "faixa_preco", "urgencia",
}

// CriadoEmLayout 是 criado_em 写入表格文件时的格式。
const CriadoEmLayout = time.RFC3339

// Lead 定义了 leads 表的 ORM 模型，也是写入表格文件的一行。
// 漏斗字段一律以字符串保存，缺失的答案为空串而不是省略。
type Lead struct {
	LeadID      string    `gorm:"column:lead_id;type:varchar(36);primaryKey" json:"lead_id"`
	DedupKey    string    `gorm:"column:dedup_key;type:varchar(64);index;not null;default:''" json:"dedup_key"`
	CriadoEm    time.Time `gorm:"column:criado_em;not null" json:"criado_em"`
	AppOrigin   string    `gorm:"column:app_origin;type:varchar(100)" json:"app_origin"`
	UTMSource   string    `gorm:"column:utm_source;type:varchar(255)" json:"utm_source"`
	UTMMedium   string    `gorm:"column:utm_medium;type:varchar(255)" json:"utm_medium"`
	UTMCampaign string    `gorm:"column:utm_campaign;type:varchar(255)" json:"utm_campaign"`
	UTMTerm     string    `gorm:"column:utm_term;type:varchar(255)" json:"utm_term"`
	UTMContent  string    `gorm:"column:utm_content;type:varchar(255)" json:"utm_content"`
	Nome        string    `gorm:"column:nome;type:varchar(255)" json:"nome"`
	Telefone    string    `gorm:"column:telefone;type:varchar(20)" json:"telefone"`
	Email       string    `gorm:"column:email;type:varchar(255)" json:"email"`
	Operacao    string    `gorm:"column:operacao;type:varchar(50)" json:"operacao"`
	TipoImovel  string    `gorm:"column:tipo_imovel;type:varchar(50)" json:"tipo_imovel"`
	Metragem    string    `gorm:"column:metragem;type:varchar(20)" json:"metragem"`
	Quartos     string    `gorm:"column:quartos;type:varchar(20)" json:"quartos"`
	FaixaPreco  string    `gorm:"column:faixa_preco;type:varchar(50)" json:"faixa_preco"`
	Urgencia    string    `gorm:"column:urgencia;type:varchar(20)" json:"urgencia"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Lead) TableName() string {
	return "leads"
}

// Row 按 Columns 的顺序返回字段值。
func (l Lead) Row() []string {
	criado := ""
	if !l.CriadoEm.IsZero() {
		criado = l.CriadoEm.UTC().Format(CriadoEmLayout)
	}
	return []string{
		l.LeadID, l.DedupKey, criado, l.AppOrigin,
		l.UTMSource, l.UTMMedium, l.UTMCampaign, l.UTMTerm, l.UTMContent,
		l.Nome, l.Telefone, l.Email, l.Operacao, l.TipoImovel,
		l.Metragem, l.Quartos, l.FaixaPreco, l.Urgencia,
	}
}

// LeadFromRow 是 Row 的逆操作。行尾缺失的单元格按空串处理（表格软件会省略尾部空列）。
func LeadFromRow(row []string) (Lead, error) {
	if len(row) > len(Columns) {
		return Lead{}, fmt.Errorf("行包含 %d 列，期望最多 %d 列", len(row), len(Columns))
	}
	cells := make([]string, len(Columns))
	copy(cells, row)

	var criado time.Time
	if cells[2] != "" {
		t, err := time.Parse(CriadoEmLayout, cells[2])
		if err != nil {
			return Lead{}, fmt.Errorf("解析 criado_em 失败: %w", err)
		}
		criado = t
	}
	return Lead{
		LeadID:      cells[0],
		DedupKey:    cells[1],
		CriadoEm:    criado,
		AppOrigin:   cells[3],
		UTMSource:   cells[4],
		UTMMedium:   cells[5],
		UTMCampaign: cells[6],
		UTMTerm:     cells[7],
		UTMContent:  cells[8],
		Nome:        cells[9],
		Telefone:    cells[10],
		Email:       cells[11],
		Operacao:    cells[12],
		TipoImovel:  cells[13],
		Metragem:    cells[14],
		Quartos:     cells[15],
		FaixaPreco:  cells[16],
		Urgencia:    cells[17],
	}, nil
}

// MergeInto 用 l 的字段覆盖 existing，但保留首次写入的 lead_id 与 criado_em。
func (l Lead) MergeInto(existing Lead) Lead {
	merged := l
	merged.LeadID = existing.LeadID
	merged.CriadoEm = existing.CriadoEm
	return merged
}
