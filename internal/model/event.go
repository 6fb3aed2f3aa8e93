package model

// EventType names a progress event kind emitted by a streaming sync.
type EventType string

const (
	EventStart         EventType = "start"
	EventFetch         EventType = "fetch"
	EventFetched       EventType = "fetched"
	EventProcessing    EventType = "processing"
	EventBatchStart    EventType = "batch_start"
	EventBatchComplete EventType = "batch_complete"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Event is a progress event. The set of implementations is closed: consumers
// can switch over the concrete types below exhaustively. A stream always ends
// with exactly one [CompleteEvent] or [ErrorEvent].
type Event interface {
	EventType() EventType
	event()
}

// Header carries the fields common to every event.
type Header struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// EventType implements [Event].
func (h Header) EventType() EventType { return h.Type }

func (Header) event() {}

// StartEvent opens a stream.
type StartEvent struct {
	Header
	Collection string `json:"collection"`
}

// FetchEvent is sent before the remote request.
type FetchEvent struct {
	Header
}

// FetchedEvent reports how many records the remote returned.
type FetchedEvent struct {
	Header
	TotalRecords int `json:"totalRecords"`
}

// ProcessingEvent announces the batch plan.
type ProcessingEvent struct {
	Header
	TotalRecords int `json:"totalRecords"`
	BatchSize    int `json:"batchSize"`
	TotalBatches int `json:"totalBatches"`
}

// BatchStartEvent is sent before each batch. TotalProcessed counts records
// handled by earlier batches.
type BatchStartEvent struct {
	Header
	Batch          int `json:"batch"`
	TotalBatches   int `json:"totalBatches"`
	RecordsInBatch int `json:"recordsInBatch"`
	TotalProcessed int `json:"totalProcessed"`
	TotalRecords   int `json:"totalRecords"`
}

// BatchCompleteEvent is sent after each batch with running counters.
type BatchCompleteEvent struct {
	Header
	Batch          int `json:"batch"`
	TotalBatches   int `json:"totalBatches"`
	RecordsInBatch int `json:"recordsInBatch"`
	TotalProcessed int `json:"totalProcessed"`
	TotalRecords   int `json:"totalRecords"`
	CreatedCount   int `json:"createdCount"`
	UpdatedCount   int `json:"updatedCount"`
	ErrorCount     int `json:"errorCount"`
}

// CompleteEvent terminates a successful stream. It embeds the final
// [SyncResult] so consumers see the same shape as a non-streaming pass.
type CompleteEvent struct {
	Header
	SyncResult
	CreatedCount   int `json:"createdCount"`
	UpdatedCount   int `json:"updatedCount"`
	TotalProcessed int `json:"totalProcessed"`
}

// ErrorEvent terminates a stream that could not run to completion.
type ErrorEvent struct {
	Header
	Error string `json:"error"`
}
