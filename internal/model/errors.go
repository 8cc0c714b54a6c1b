package model

import "errors"

var (
	ErrIDRequired         = errors.New("queue entry id is required")
	ErrInvalidAction      = errors.New("queue entry action must be create, update or delete")
	ErrCollectionRequired = errors.New("queue entry collection is required")
	ErrDocumentIDRequired = errors.New("queue entry document id is required")
	ErrTimestampRequired  = errors.New("queue entry timestamp is required")
	ErrInvalidStatus      = errors.New("queue entry status is invalid")
	ErrNegativeRetryCount = errors.New("queue entry retry count must not be negative")
	ErrInvalidData        = errors.New("queue entry data must be valid JSON")
	ErrInvalidTransition  = errors.New("queue entry status transition is not allowed")
)
