package domain

import "fmt"

// Sentinel errors the Job Registry and admission path return. Callers use
// errors.Is against these; message text carries the offending detail.
var (
	ErrDuplicateName    = fmt.Errorf("duplicate job name")
	ErrUnknownJob       = fmt.Errorf("unknown job")
	ErrInvalidDefinition = fmt.Errorf("invalid job definition")
	ErrInvalidInputSent = fmt.Errorf("invalid input")
)

type wrappedSentinel struct {
	sentinel error
	detail   string
}

func (w *wrappedSentinel) Error() string { return w.sentinel.Error() + ": " + w.detail }
func (w *wrappedSentinel) Unwrap() error { return w.sentinel }

func ErrDuplicateNamef(format string, args ...any) error {
	return &wrappedSentinel{sentinel: ErrDuplicateName, detail: fmt.Sprintf(format, args...)}
}

func ErrUnknownJobf(format string, args ...any) error {
	return &wrappedSentinel{sentinel: ErrUnknownJob, detail: fmt.Sprintf(format, args...)}
}

func ErrInvalidDefinitionf(format string, args ...any) error {
	return &wrappedSentinel{sentinel: ErrInvalidDefinition, detail: fmt.Sprintf(format, args...)}
}

func ErrInvalidInputf(format string, args ...any) error {
	return &wrappedSentinel{sentinel: ErrInvalidInputSent, detail: fmt.Sprintf(format, args...)}
}
