package entities

import "errors"

var (
	ErrEntityNotFound     = errors.New("entity not found")
	ErrInvalidMergeTarget = errors.New("invalid merge target")
	ErrMentionNotFound    = errors.New("mention not found")
	ErrHistoryNotFound    = errors.New("merge history not found")
	ErrAlreadyUndone      = errors.New("merge already undone")
	ErrInvalidSplit       = errors.New("invalid split")
	ErrInvalidAlias       = errors.New("invalid alias")
)
