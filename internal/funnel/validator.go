package funnel

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrorKind 对校验失败进行分类，状态机据此生成重试提示。
type ErrorKind string

const (
	InvalidPhone  ErrorKind = "invalid_phone"
	InvalidEmail  ErrorKind = "invalid_email"
	InvalidChoice ErrorKind = "invalid_choice"
	InvalidNumber ErrorKind = "invalid_number"
	Empty         ErrorKind = "empty"
)

// PhoneDigits 是合法手机号（DDD + 号码）的位数。
const PhoneDigits = 11

// ValidationError 描述一次可恢复的输入错误，只在状态机内部消化。
type ValidationError struct {
	Field  string    `json:"field"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Kind, e.Detail)
}

var numberPattern = regexp.MustCompile(`^-?[0-9]+(?:[.,][0-9]+)?$`)

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?)*\.[a-z]{2,}$`)

// Validate 校验并规范化一个字段的原始输入。纯函数，无副作用。
// 非必填字段的空输入视为跳过，返回空串。
func Validate(def FieldDef, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" && !def.Required {
		return "", nil
	}

	switch def.Kind {
	case KindPhone:
		return NormalizePhone(def.Name, raw)
	case KindEmail:
		return NormalizeEmail(def.Name, raw)
	case KindChoice:
		return matchChoice(def, trimmed)
	case KindNumber:
		return normalizeNumber(def.Name, trimmed)
	default:
		if trimmed == "" {
			return "", &ValidationError{Field: def.Name, Kind: Empty}
		}
		return strings.Join(strings.Fields(trimmed), " "), nil
	}
}

// NormalizePhone 去掉所有非数字字符，剩余恰好 11 位时合法。
func NormalizePhone(field, raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) != PhoneDigits {
		return "", &ValidationError{
			Field:  field,
			Kind:   InvalidPhone,
			Detail: fmt.Sprintf("recebidos %d dígitos, são necessários %d", len(digits), PhoneDigits),
		}
	}
	return digits, nil
}

// NormalizeEmail 去空白并转小写，要求形如 local@domain.tld。
func NormalizeEmail(field, raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(email) {
		return "", &ValidationError{Field: field, Kind: InvalidEmail}
	}
	return email, nil
}

func normalizeNumber(field, s string) (string, error) {
	if s == "" {
		return "", &ValidationError{Field: field, Kind: InvalidNumber, Detail: "valor vazio"}
	}
	// 只接受普通十进制写法，ParseFloat 认识的指数和十六进制格式一律拒绝
	if !numberPattern.MatchString(s) {
		return "", &ValidationError{Field: field, Kind: InvalidNumber}
	}
	// 接受巴西习惯的小数逗号，例如 "72,5"
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil || math.IsInf(v, 0) {
		return "", &ValidationError{Field: field, Kind: InvalidNumber}
	}
	if v < 0 {
		return "", &ValidationError{Field: field, Kind: InvalidNumber, Detail: "valor negativo"}
	}
	if v == 0 {
		// "-0" 和 "0,00" 都记为 0
		return "0", nil
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

func matchChoice(def FieldDef, s string) (string, error) {
	if s != "" {
		// 与原脚本一致，允许用序号作答（"1" 表示第一项）
		if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= len(def.Options) {
			return def.Options[n-1].Value, nil
		}
		key := compact(s)
		for _, o := range def.Options {
			if compact(o.Value) == key || (o.Label != "" && compact(o.Label) == key) {
				return o.Value, nil
			}
			for _, a := range o.Aliases {
				if compact(a) == key {
					return o.Value, nil
				}
			}
		}
	}
	return "", &ValidationError{
		Field:  def.Name,
		Kind:   InvalidChoice,
		Detail: "opções: " + strings.Join(def.OptionLabels(), ", "),
	}
}

// Fold 去除变音符号并转小写，"Média" 与 "media" 折叠后相同。
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// compact 在 Fold 的基础上只保留字母和数字，使 "300 - 500k" 与 "300-500k" 等价。
func compact(s string) string {
	folded := Fold(s)
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
