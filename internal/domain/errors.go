package domain

import (
	"errors"
	"fmt"
)

// ErrNoPosition is returned when the venue rejects a close order because there
// is no position to close. It is a control signal, not a fault.
var ErrNoPosition = errors.New("no position to close")

// ConfigError 配置或启动参数错误，对该策略是致命的
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
