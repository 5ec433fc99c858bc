package response

import (
	"time"
)

// ApiResponse is a generic response wrapper for all API responses
type ApiResponse[T any] struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Code      string    `json:"code,omitempty"`
	Data      T         `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSuccess creates a successful API response
func NewSuccess[T any](data T, message string) ApiResponse[T] {
	return ApiResponse[T]{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewSuccessWithData creates a successful API response with just data
func NewSuccessWithData[T any](data T) ApiResponse[T] {
	return ApiResponse[T]{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewError creates an error API response
func NewError[T any](message string) ApiResponse[T] {
	return ApiResponse[T]{
		Success:   false,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCode creates an error API response carrying a machine-readable code
func NewErrorWithCode[T any](code, message string) ApiResponse[T] {
	return ApiResponse[T]{
		Success:   false,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// ListResponse wraps a list with its total count
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// NewListResponse creates a new list response
func NewListResponse[T any](items []T) ListResponse[T] {
	return ListResponse[T]{Items: items, Total: len(items)}
}
