package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("search: %w", NewError(KindStoreUnavailable, "db.search", cause))

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrEmbeddingUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindStoreUnavailable, KindOf(err))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "db.search", e.Op)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "rag.retrieve: no_documents_selected: document filter is empty",
		Errorf(KindNoDocumentsSelected, "rag.retrieve", "document filter is empty").Error())
	assert.Equal(t, "store_unavailable: boom",
		NewError(KindStoreUnavailable, "", errors.New("boom")).Error())
	assert.Equal(t, "invalid_input", ErrInvalidInput.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestAssembledContextText(t *testing.T) {
	ac := AssembledContext{Entries: []ContextEntry{
		{Content: "one", SourceFilename: "a.txt"},
		{Content: "two", SourceFilename: "b.txt"},
	}}
	assert.False(t, ac.Empty())
	assert.Equal(t, "[source: a.txt]\none\n\n[source: b.txt]\ntwo", ac.Text())
}
