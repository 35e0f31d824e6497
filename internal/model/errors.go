package model

import (
	"errors"
	"fmt"
)

// ValidationError は入力検証エラー。キューには投入されず同期的に拒否される。
type ValidationError struct {
	// Field は問題のあるフィールド名。
	Field string
	// Reason はエラーの理由。
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("入力が不正です (%s): %s", e.Field, e.Reason)
}

// IsValidationError はerrが入力検証エラーかどうかを返す。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
