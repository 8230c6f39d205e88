package lead

import (
	"time"

	"github.com/google/uuid"

	"imob-leads-go/internal/funnel"
	"imob-leads-go/internal/model"
)

// Builder 把会话答案和会话元数据组装成线索记录，不接触存储。
type Builder struct {
	now   func() time.Time
	newID func() string
}

// BuilderOption 用于在测试中替换时钟和 ID 生成器。
type BuilderOption func(*Builder)

// WithClock 替换 criado_em 使用的时钟。
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator 替换 lead_id 生成器。
func WithIDGenerator(newID func() string) BuilderOption {
	return func(b *Builder) { b.newID = newID }
}

// NewBuilder 创建一个 Builder，默认使用 UUIDv4 和当前 UTC 时间。
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 生成新的 lead_id，盖上 criado_em，复制 UTM/来源和已收集的答案，并计算去重键。
// criado_em 截断到秒，保证在表格文件和数据库之间往返后仍然相等。
func (b *Builder) Build(answers map[string]string, meta model.SessionMeta) model.Lead {
	get := func(name string) string { return answers[name] }

	l := model.Lead{
		LeadID:      b.newID(),
		CriadoEm:    b.now().UTC().Truncate(time.Second),
		AppOrigin:   meta.Origin,
		UTMSource:   meta.UTM.Source,
		UTMMedium:   meta.UTM.Medium,
		UTMCampaign: meta.UTM.Campaign,
		UTMTerm:     meta.UTM.Term,
		UTMContent:  meta.UTM.Content,
		Nome:        get(funnel.FieldNome),
		Telefone:    get(funnel.FieldTelefone),
		Email:       get(funnel.FieldEmail),
		Operacao:    get(funnel.FieldOperacao),
		TipoImovel:  get(funnel.FieldTipoImovel),
		Metragem:    get(funnel.FieldMetragem),
		Quartos:     get(funnel.FieldQuartos),
		FaixaPreco:  get(funnel.FieldFaixaPreco),
		Urgencia:    get(funnel.FieldUrgencia),
	}
	l.DedupKey = DeriveKey(l.Telefone, l.Email)
	return l
}

// Submittable 判断一组答案能否成为线索：至少要有手机号或邮箱。
func Submittable(answers map[string]string) bool {
	return answers[funnel.FieldTelefone] != "" || answers[funnel.FieldEmail] != ""
}
