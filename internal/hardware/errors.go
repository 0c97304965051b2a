package hardware

import "fmt"

// PathNotFoundError is returned when a path or id does not name a live entity.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("config path not found: %s", e.Path)
}

// ValidationError rejects a config write; the entity is left unchanged.
type ValidationError struct {
	Path   string
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s.%s: %s", e.Path, e.Key, e.Reason)
}

// ReadError wraps a failed read through a hardware capability.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("hardware read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a failed write through a hardware capability.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("hardware write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
