package data

import "errors"

// Error kinds shared by every hop of the pipeline. Call sites wrap one of
// these with fmt.Errorf("...: %w", ...) and callers match with errors.Is.
var (
	ErrTransport     = errors.New("transport error")
	ErrAuth          = errors.New("auth error")
	ErrParse         = errors.New("parse error")
	ErrUnknownEntity = errors.New("unknown entity")
)
