package dispatch

import "github.com/odin-labs/eventcore/internal/eventstore"

// ErrorKind is the finite, stable set of dispatcher failure classes (spec
// §6/§7). Every CommandResult.Failure carries exactly one.
type ErrorKind string

const (
	ErrorHandlerNotFound   ErrorKind = "HandlerNotFound"
	ErrorExecutionError    ErrorKind = "ExecutionError"
	ErrorConcurrencyConflict ErrorKind = "ConcurrencyConflict"
	ErrorStoreError        ErrorKind = "StoreError"
	ErrorUnknown           ErrorKind = "UnknownError"
)

// CommandResult is the tagged union of Success/Failure described in spec
// §3. Exactly one of the two branches is meaningful, discriminated by
// Success.
type CommandResult struct {
	Success bool

	// Success branch
	Position eventstore.StreamPosition

	// Failure branch
	ErrorKind   ErrorKind
	Message     string
	CommandId   string
	CommandName string
	Details     map[string]any
}

// SuccessResult builds a Success CommandResult.
func SuccessResult(pos eventstore.StreamPosition) CommandResult {
	return CommandResult{Success: true, Position: pos}
}

// FailureResult builds a Failure CommandResult.
func FailureResult(kind ErrorKind, commandId, commandName, message string) CommandResult {
	return CommandResult{
		Success:     false,
		ErrorKind:   kind,
		CommandId:   commandId,
		CommandName: commandName,
		Message:     message,
	}
}
