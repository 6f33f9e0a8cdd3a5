// =============================================================================
// 文件: internal/protocol/errors.go
// 描述: 链路层错误分类 - 致命错误(配置/记账) 与 可恢复错误(单帧丢弃)
// =============================================================================

package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind 错误类别
type ErrorKind uint8

const (
	// KindRecoverable 丢弃当前帧后继续运行
	KindRecoverable ErrorKind = iota
	// KindFatal 必须停止链路
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "recoverable"
}

// 哨兵错误
var (
	ErrInvalidMacLength = errors.New("MAC 地址长度必须为 6 字节")
	ErrPayloadTooLarge  = errors.New("负载超过 MTU")
	ErrMalformed        = errors.New("帧格式错误")
	ErrChecksumMismatch = errors.New("FCS 校验失败")
)

// LinkError 带类别的链路错误
type LinkError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *LinkError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Fatal 包装为致命错误
func Fatal(op string, err error) error {
	return &LinkError{Kind: KindFatal, Op: op, Err: err}
}

// Recoverable 包装为可恢复错误
func Recoverable(op string, err error) error {
	return &LinkError{Kind: KindRecoverable, Op: op, Err: err}
}

// IsFatal 判断错误链中是否存在致命错误
func IsFatal(err error) bool {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind == KindFatal
	}
	return false
}

// IsRecoverable 判断是否为可恢复错误
func IsRecoverable(err error) bool {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind == KindRecoverable
	}
	return false
}
