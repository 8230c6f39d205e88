// Package lead 负责从会话答案构建线索记录以及计算去重键。
package lead

import (
	"crypto/sha256"
	"encoding/hex"

	"imob-leads-go/internal/funnel"
)

// EmptyKey 表示手机号和邮箱都无法规范化，此类记录只追加、永不合并。
const EmptyKey = ""

// DeriveKey 由手机号和邮箱计算去重键。
// 有合法的 11 位手机号时对 phone + lower(email) 取 SHA-256；只有邮箱时对 "" + lower(email)
// 取摘要；两者都无法规范化时返回 EmptyKey。结果只依赖输入，不含随机数或本机状态。
func DeriveKey(phone, email string) string {
	p, err := funnel.NormalizePhone(funnel.FieldTelefone, phone)
	if err != nil {
		p = ""
	}
	e, err := funnel.NormalizeEmail(funnel.FieldEmail, email)
	if err != nil {
		e = ""
	}
	if p == "" && e == "" {
		return EmptyKey
	}
	sum := sha256.Sum256([]byte(p + e))
	return hex.EncodeToString(sum[:])
}
