package types

import (
	"errors"
	"strings"
)

// ============================================================================
//                              错误分类
// ============================================================================

// Kind 机器可读的错误类别
//
// 调用方通过 KindOf 或 errors.Is(err, ErrValidation) 等哨兵分支处理，
// 在确认成功前不得使用返回值。
type Kind string

const (
	KindUnknown          Kind = ""
	KindValidation       Kind = "validation"
	KindTransport        Kind = "transport"
	KindStorage          Kind = "storage"
	KindExhaustedRetries Kind = "exhausted_retries"
	KindCapacity         Kind = "capacity"
	KindSequenceConflict Kind = "sequence_conflict"
	KindSequenceGap      Kind = "sequence_gap"
	KindNotFound         Kind = "not_found"
	KindCrypto           Kind = "crypto"
	KindClosed           Kind = "closed"
)

// Error 带类别的错误
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != KindUnknown {
		b.WriteString(string(e.Kind))
	}
	if e.Detail != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 同类别即匹配；目标带 Detail 时要求 Detail 一致
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Detail == "" || t.Detail == e.Detail
}

// NewError 创建带类别的错误
func NewError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf 提取错误类别，非 *Error 返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// DetailOf 提取错误详情（人类可读）
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

// 类别哨兵
var (
	// ErrValidation 结构校验失败，不重试
	ErrValidation = &Error{Kind: KindValidation}

	// ErrTransport 传输失败，进入重试
	ErrTransport = &Error{Kind: KindTransport}

	// ErrStorage 持久化失败，非致命
	ErrStorage = &Error{Kind: KindStorage}

	// ErrExhaustedRetries 重试预算耗尽
	ErrExhaustedRetries = &Error{Kind: KindExhaustedRetries}

	// ErrCapacity 容量不足（队列满、被驱逐）
	ErrCapacity = &Error{Kind: KindCapacity}

	// ErrSequenceConflict 序号唯一约束冲突
	ErrSequenceConflict = &Error{Kind: KindSequenceConflict}

	// ErrSequenceGap 追赶时发现序号空洞
	ErrSequenceGap = &Error{Kind: KindSequenceGap}

	// ErrNotFound 对象不存在
	ErrNotFound = &Error{Kind: KindNotFound}

	// ErrCrypto 加解密失败
	ErrCrypto = &Error{Kind: KindCrypto}

	// ErrClosed 组件已关闭
	ErrClosed = &Error{Kind: KindClosed}
)
