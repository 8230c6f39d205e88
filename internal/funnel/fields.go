// Package funnel 定义了线索收集漏斗的字段表以及逐字段的校验与规范化。
// 调整字段顺序或增删字段只需修改字段表，不涉及状态机的控制流。
package funnel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// 漏斗字段名，同时也是线索记录里的列名。
const (
	FieldNome       = "nome"
	FieldTelefone   = "telefone"
	FieldEmail      = "email"
	FieldOperacao   = "operacao"
	FieldTipoImovel = "tipo_imovel"
	FieldMetragem   = "metragem"
	FieldQuartos    = "quartos"
	FieldFaixaPreco = "faixa_preco"
	FieldUrgencia   = "urgencia"
)

// Kind 决定字段使用哪种校验器。
type Kind int

const (
	KindText Kind = iota
	KindPhone
	KindEmail
	KindChoice
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPhone:
		return "phone"
	case KindEmail:
		return "email"
	case KindChoice:
		return "choice"
	case KindNumber:
		return "number"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Option 是枚举字段的一个可选值。Value 为写入记录的规范值。
type Option struct {
	Value   string
	Label   string
	Aliases []string
}

// FieldDef 是一个漏斗步骤的静态定义，进程内只读。
type FieldDef struct {
	Name     string
	Order    int
	Kind     Kind
	Required bool
	Prompt   string
	Retry    string
	Options  []Option
}

// OptionLabels 返回可选项的展示文本，用于重试提示。
func (d FieldDef) OptionLabels() []string {
	labels := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		if o.Label != "" {
			labels = append(labels, o.Label)
		} else {
			labels = append(labels, o.Value)
		}
	}
	return labels
}

// Funnel 是按 Order 排好序的字段表。
type Funnel []FieldDef

// New 校验字段表（名称与顺序号唯一、枚举字段必须有选项）并按 Order 排序。
func New(defs ...FieldDef) (Funnel, error) {
	if len(defs) == 0 {
		return nil, errors.New("漏斗至少需要一个字段")
	}
	names := make(map[string]struct{}, len(defs))
	orders := make(map[int]struct{}, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, errors.New("字段名不能为空")
		}
		if _, dup := names[d.Name]; dup {
			return nil, fmt.Errorf("字段名重复: %s", d.Name)
		}
		if _, dup := orders[d.Order]; dup {
			return nil, fmt.Errorf("字段顺序号重复: %d (%s)", d.Order, d.Name)
		}
		if d.Kind == KindChoice && len(d.Options) == 0 {
			return nil, fmt.Errorf("枚举字段 %s 没有可选项", d.Name)
		}
		names[d.Name] = struct{}{}
		orders[d.Order] = struct{}{}
	}
	f := make(Funnel, len(defs))
	copy(f, defs)
	sort.Slice(f, func(i, j int) bool { return f[i].Order < f[j].Order })
	return f, nil
}

// MustNew 与 New 相同，出错时 panic。仅用于包级静态字段表。
func MustNew(defs ...FieldDef) Funnel {
	f, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return f
}

// Index 返回字段在漏斗中的位置，不存在时返回 -1。
func (f Funnel) Index(name string) int {
	for i, d := range f {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Field 按名称查找字段定义。
func (f Funnel) Field(name string) (FieldDef, bool) {
	if i := f.Index(name); i >= 0 {
		return f[i], true
	}
	return FieldDef{}, false
}

var defaultFunnel = MustNew(
	FieldDef{
		Name: FieldNome, Order: 0, Kind: KindText, Required: true,
		Prompt: "Qual é o seu nome completo?",
		Retry:  "Por favor, informe seu nome.",
	},
	FieldDef{
		Name: FieldTelefone, Order: 1, Kind: KindPhone, Required: true,
		Prompt: "Informe seu telefone com DDD (11 dígitos, ex: 11987654321):",
		Retry:  "Telefone deve ter 11 dígitos (DDD + número), ex.: 11987654321.",
	},
	FieldDef{
		Name: FieldEmail, Order: 2, Kind: KindEmail, Required: true,
		Prompt: "Qual é o seu e-mail?",
		Retry:  "Digite um e-mail válido, ex.: nome@dominio.com.",
	},
	FieldDef{
		Name: FieldOperacao, Order: 3, Kind: KindChoice, Required: true,
		Prompt: "Você deseja comprar ou alugar? (Digite 1 para Compra ou 2 para Aluguel)",
		Retry:  "Responda com 1 (Compra) ou 2 (Aluguel).",
		Options: []Option{
			{Value: "compra", Label: "compra", Aliases: []string{"comprar"}},
			{Value: "aluguel", Label: "aluguel", Aliases: []string{"alugar", "locação", "locacao"}},
		},
	},
	FieldDef{
		Name: FieldTipoImovel, Order: 4, Kind: KindChoice, Required: true,
		Prompt: "Qual tipo de imóvel você procura? (casa, apartamento ou outro)",
		Retry:  "Escolha entre casa, apartamento ou outro.",
		Options: []Option{
			{Value: "casa", Label: "casa", Aliases: []string{"sobrado"}},
			{Value: "apartamento", Label: "apartamento", Aliases: []string{"apto", "ap"}},
			{Value: "outro", Label: "outro", Aliases: []string{"outros"}},
		},
	},
	FieldDef{
		Name: FieldMetragem, Order: 5, Kind: KindNumber, Required: true,
		Prompt: "Qual a metragem desejada? (apenas números, ex: 80)",
		Retry:  "Digite apenas números, ex.: 80.",
	},
	FieldDef{
		Name: FieldQuartos, Order: 6, Kind: KindNumber, Required: true,
		Prompt: "Quantos quartos você deseja? (apenas números)",
		Retry:  "Digite apenas números, ex.: 2.",
	},
	FieldDef{
		Name: FieldFaixaPreco, Order: 7, Kind: KindChoice, Required: true,
		Prompt: "Qual a faixa de preço que você tem em mente? (até 300k, 300-500k, 500k-1M ou acima de 1M)",
		Retry:  "Escolha uma das faixas de preço.",
		Options: []Option{
			{Value: "ate-300k", Label: "até 300k", Aliases: []string{"ate 300 mil", "até 300 mil"}},
			{Value: "300-500k", Label: "300-500k", Aliases: []string{"300 a 500k", "300 a 500 mil"}},
			{Value: "500k-1m", Label: "500k-1M", Aliases: []string{"500k a 1m", "500 mil a 1 milhão"}},
			{Value: "acima-1m", Label: "acima de 1M", Aliases: []string{"acima de 1 milhão", "mais de 1m"}},
		},
	},
	FieldDef{
		Name: FieldUrgencia, Order: 8, Kind: KindChoice, Required: true,
		Prompt: "Qual é a urgência da sua busca? (alta, media, baixa)",
		Retry:  "Responda alta, media ou baixa.",
		Options: []Option{
			{Value: "alta", Label: "alta"},
			{Value: "media", Label: "media", Aliases: []string{"média", "medio", "médio"}},
			{Value: "baixa", Label: "baixa"},
		},
	},
)

// Default 返回标准的九步漏斗：nome → telefone → email → operacao → tipo_imovel →
// metragem → quartos → faixa_preco → urgencia。
func Default() Funnel {
	return append(Funnel(nil), defaultFunnel...)
}
