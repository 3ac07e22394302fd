package core

import (
	"errors"
	"fmt"

	"gwi.com/chat-history/internal/store"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrProvider        = errors.New("ai provider error")
	ErrAnalysisParse   = errors.New("analysis parse error")
	ErrSearchFailed    = errors.New("search failed")
)

// storeError maps store.ErrNotFound onto ErrNotFound and leaves other errors wrapped as-is.
func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func providerError(op string, err error) error {
	if errors.Is(err, ErrProvider) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
}
