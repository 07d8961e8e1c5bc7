package types

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxIdentifierLen 用户/设备/会话标识符最大长度
const MaxIdentifierLen = 128

// NewMessageID 生成消息 ID
func NewMessageID() string {
	return uuid.NewString()
}

// ValidateIdentifier 校验标识符格式
//
// 允许字母、数字以及 . _ - : @，长度 1..128。
func ValidateIdentifier(field, id string) error {
	if id == "" {
		return NewError(KindValidation, field+" is empty", nil)
	}
	if len(id) > MaxIdentifierLen {
		return NewError(KindValidation, fmt.Sprintf("%s too long (%d > %d)", field, len(id), MaxIdentifierLen), nil)
	}
	for i := 0; i < len(id); i++ {
		if !identChar(id[i]) {
			return NewError(KindValidation, fmt.Sprintf("%s contains invalid character %q", field, id[i]), nil)
		}
	}
	return nil
}

func identChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-', c == ':', c == '@':
		return true
	}
	return false
}
