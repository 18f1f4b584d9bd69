package storage

import (
	"errors"
	"fmt"
)

var (
	// Creation errors

	// ErrCollision if an item already exists within the store. BeginInProgress returns it when
	// another execution already holds the fingerprint.
	ErrCollision = errors.New("item already exists")

	// Read errors

	// ErrNotFound if a cache entry is absent or expired.
	ErrNotFound = errors.New("not found")

	// Write errors

	// ErrInvalidDocument if a document to be written is not a JSON object.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrExceededWriteBatchLimit if more documents than MaxDocumentsPerWrite are written at once.
	ErrExceededWriteBatchLimit = errors.New("number of documents exceeded write batch limit")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
)

func InvalidDocumentError(index int, reason string) error {
	return fmt.Errorf("document %d: %s: %w", index, reason, ErrInvalidDocument)
}

func ExceededWriteBatchLimitError(count, limit int) error {
	return fmt.Errorf("%d documents, limit %d: %w", count, limit, ErrExceededWriteBatchLimit)
}
