package core

// QueryRequest is the body accepted by the gateway's streaming endpoint.
// Query is a pointer so a missing field can be told apart from an empty one.
type QueryRequest struct {
	Query *string `json:"query"`
}

// GenerateRequest is the payload sent to the backend's generation endpoint.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Fragment is one decoded line of the backend's newline-delimited stream.
// Only Text is forwarded to the caller. The metadata fields are populated on
// the final fragment (Done == true).
type Fragment struct {
	Text       string
	Done       bool
	Model      string
	DoneReason string

	PromptTokens     int64
	CompletionTokens int64
	TotalDurationNs  int64
}
