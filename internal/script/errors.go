package script

import (
	"errors"
	"fmt"
)

var (
	// ErrResolverNotCallable is returned when a registered resolver is nil.
	ErrResolverNotCallable = errors.New("script: resolver is not callable")

	// ErrUnresolved is wrapped by ResolutionError when every resolver
	// returned nothing for a name.
	ErrUnresolved = errors.New("no resolver produced a value")

	// ErrClosed is returned by calls on a closed Context.
	ErrClosed = errors.New("script: context closed")
)

// ResolutionError reports an implicit identifier that could not be bound.
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Position locates a parse error in the evaluated source.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	file := p.File
	if file == "" {
		file = "<input>"
	}
	return fmt.Sprintf("%s:%d:%d", file, p.Line, p.Column)
}

// IncompleteInputError reports source that ended before a statement was
// complete. An interactive caller should read more input and retry.
type IncompleteInputError struct {
	Position
	Message string
}

func (e *IncompleteInputError) Error() string {
	return fmt.Sprintf("%s: incomplete input: %s", e.Position, e.Message)
}

// SyntaxError reports source that can never parse, however much input
// follows.
type SyntaxError struct {
	Position
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: syntax error: %s", e.Position, e.Message)
}

// RejectionError is returned when an awaited promise is rejected.
type RejectionError struct {
	// Value is the exported rejection reason.
	Value   any
	Message string
}

func (e *RejectionError) Error() string {
	return "promise rejected: " + e.Message
}

// Unwrap returns the rejection reason when it is a Go error.
func (e *RejectionError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
