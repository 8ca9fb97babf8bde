package export

import (
	"errors"
	"fmt"
	"strings"
)

// User-facing validation messages.
const (
	MsgNoStrategies   = "No export strategies have been defined."
	MsgNoKeys         = "No export destination keys have been provided."
	MsgMissingLinks   = "Failed to generate signed URLs for all export files."
	msgDuplicateFile  = "Duplicate export file name"
	msgDuplicateKey   = "Duplicate export destination key"
	msgUnknownSection = "Unknown export section"
)

// ErrTooManyExports is returned when all export slots are occupied and the
// wait timeout expires. Clients should retry after a short delay.
var ErrTooManyExports = errors.New("too many concurrent exports, please try again later")

// ValidationError reports a request that cannot be exported as given.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StrategyError reports a strategy that failed to produce its config. The
// strategy's own error is kept as the cause.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("export strategy %s: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// wrapStrategyError attributes err to strategy unless a nested strategy
// already claimed it.
func wrapStrategyError(strategy string, err error) error {
	if _, ok := err.(*StrategyError); ok {
		return err
	}
	return &StrategyError{Strategy: strategy, Err: err}
}

// ResourceError reports a source that failed while its entry was being
// written. It is contained, not returned: the entry is truncated.
type ResourceError struct {
	FileName string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("export source %s: %v", e.FileName, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// FinalizeError reports an archive that could not be completed.
type FinalizeError struct {
	Err error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize export archive: %v", e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// UploadError reports a failed upload to one destination key.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload export to %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// LinkError reports destination keys that did not get a signed link.
type LinkError struct {
	Missing []string
	Err     error
}

func (e *LinkError) Error() string {
	var b strings.Builder
	b.WriteString(MsgMissingLinks)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " missing: %s", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
