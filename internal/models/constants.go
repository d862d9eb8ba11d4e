package models

const (
	ContextSeparator = "\n\n"
	SourcePrefix     = "[source: %s]\n"

	// NoInformationAnswer is returned when retrieval yields nothing to ground an answer on.
	NoInformationAnswer = "No relevant information found in the selected documents."

	SystemPrompt = "You are a helpful assistant that provides concise, accurate answers based on the provided context."
)

var (
	AnswerPromptTemplate = `Answer the following question based on the context below:

Context:
%s

Question:
%s`
)
