package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can react without parsing messages.
type ErrorKind string

const (
	KindExtractionFailure          ErrorKind = "extraction_failure"
	KindEmbeddingUnavailable       ErrorKind = "embedding_unavailable"
	KindEmbeddingDimensionMismatch ErrorKind = "embedding_dimension_mismatch"
	KindNoDocumentsSelected        ErrorKind = "no_documents_selected"
	// KindInsufficientContext is not returned as an error. It tags a
	// no-information answer in PromptResponse.Reason.
	KindInsufficientContext        ErrorKind = "insufficient_context"
	KindStoreUnavailable           ErrorKind = "store_unavailable"
	KindCompletionUnavailable      ErrorKind = "completion_unavailable"
	KindDocumentExists             ErrorKind = "document_exists"
	KindInvalidInput               ErrorKind = "invalid_input"
)

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinel values below work
// with errors.Is regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message and no cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrExtractionFailure          = &Error{Kind: KindExtractionFailure}
	ErrEmbeddingUnavailable       = &Error{Kind: KindEmbeddingUnavailable}
	ErrEmbeddingDimensionMismatch = &Error{Kind: KindEmbeddingDimensionMismatch}
	ErrNoDocumentsSelected        = &Error{Kind: KindNoDocumentsSelected}
	ErrStoreUnavailable           = &Error{Kind: KindStoreUnavailable}
	ErrCompletionUnavailable      = &Error{Kind: KindCompletionUnavailable}
	ErrDocumentExists             = &Error{Kind: KindDocumentExists}
	ErrInvalidInput               = &Error{Kind: KindInvalidInput}
)
