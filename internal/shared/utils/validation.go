package utils

import "fmt"

// Limits on a single wire message
const (
	MaxMessageSize = 8 * 1024 * 1024 // 8MB - single wire message
	MaxDepth       = 512             // nesting of a single value
)

// SizeValidator validates payload size limits
type SizeValidator struct {
	maxSize int
}

// NewSizeValidator creates a new validator with the specified max size
func NewSizeValidator(maxSize int) *SizeValidator {
	return &SizeValidator{maxSize: maxSize}
}

// DefaultSizeValidator returns a validator with the default message limit
func DefaultSizeValidator() *SizeValidator {
	return NewSizeValidator(MaxMessageSize)
}

// MaxSize returns the configured limit; zero or less means unlimited
func (v *SizeValidator) MaxSize() int {
	return v.maxSize
}

// ValidateSize checks if the data size is within limits
func (v *SizeValidator) ValidateSize(data []byte) error {
	if v.maxSize <= 0 {
		return nil
	}
	if size := len(data); size > v.maxSize {
		return fmt.Errorf("message size %d bytes exceeds maximum %d bytes", size, v.maxSize)
	}
	return nil
}
