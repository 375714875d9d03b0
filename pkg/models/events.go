package models

// StreamEventType names one SSE event emitted during a chat turn. The set is
// closed; clients switch on these strings.
type StreamEventType string

const (
	EventStart                  StreamEventType = "start"
	EventChunk                  StreamEventType = "chunk"
	EventThinking               StreamEventType = "thinking"
	EventToolsStart             StreamEventType = "tools_start"
	EventToolsStream            StreamEventType = "tools_stream"
	EventToolsEnd               StreamEventType = "tools_end"
	EventContextSummarizedStart StreamEventType = "context_summarized_start"
	EventContextSummarizedDelta StreamEventType = "context_summarized_stream"
	EventContextSummarizedEnd   StreamEventType = "context_summarized_end"
	EventContextSummarized      StreamEventType = "context_summarized"
	EventComplete               StreamEventType = "complete"
	EventCancelled              StreamEventType = "cancelled"
	EventError                  StreamEventType = "error"
	EventTaskReviewRequired     StreamEventType = "task_create_review_required"
	EventTaskReviewResolved     StreamEventType = "task_create_review_resolved"
	EventHeartbeat              StreamEventType = "heartbeat"
)
