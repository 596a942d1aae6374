package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 标记语义校验失败；所有 FieldError 都可用 errors.Is 匹配它。
var ErrInvalidConfig = errors.New("invalid config")

// FieldError 提供字段路径与错误原因，例如 App[keypad].Proxy: 仅支持 http/https/socks5。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e FieldError) Unwrap() error { return ErrInvalidConfig }

// FieldOf 返回 err 链上第一个 FieldError 的字段路径。
func FieldOf(err error) (string, bool) {
	var fe FieldError
	if errors.As(err, &fe) {
		return fe.Field, true
	}
	return "", false
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func appField(name, field string) string {
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("App[%s].%s", name, field)
}
