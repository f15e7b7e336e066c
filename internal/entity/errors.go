package entity

import (
	"errors"
	"strings"
)

var (
	ErrInvalidQuantity      = errors.New("quantity must be between 1 and 20")
	ErrItemQuantityExceeded = errors.New("cannot sell more than 20 identical items")
	ErrAlreadyCancelled     = errors.New("sale is already cancelled")
	ErrSaleNotMutable       = errors.New("cancelled sale cannot be modified")
	ErrItemNotFound         = errors.New("sale item not found")
	ErrSaleDateInFuture     = errors.New("sale date cannot be in the future")
	ErrValidation           = errors.New("validation failed")
)

// ValidationError collects every field violation found by Validate.
type ValidationError struct {
	Fields []FieldError
}

// FieldError is a single field violation.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
