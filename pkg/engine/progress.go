package engine

// StopReason tells why an execution stopped consuming documents.
type StopReason string

const (
	// StopNone is the reason of an execution that is still running.
	StopNone StopReason = ""
	// StopExhausted means the cursor reached the end of the matching documents.
	StopExhausted StopReason = "exhausted"
	// StopLimit means the configured number of documents was scanned.
	StopLimit StopReason = "limit"
	// StopAborted means an abort was requested.
	StopAborted StopReason = "aborted"
	// StopTimeout means the timeout fired and the cursor was terminated.
	StopTimeout StopReason = "timeout"
)

// Progress receives the live counters of an execution and tells it whether an abort was
// requested. Implementations must be safe for concurrent use.
type Progress interface {
	AbortRequested() bool
	AddScanned(n int64)
	AddResults(n int64)
	AddErrors(n int64)
	SetStopReason(reason StopReason)
}

type noopProgress struct{}

func (noopProgress) AbortRequested() bool     { return false }
func (noopProgress) AddScanned(int64)         {}
func (noopProgress) AddResults(int64)         {}
func (noopProgress) AddErrors(int64)          {}
func (noopProgress) SetStopReason(StopReason) {}
