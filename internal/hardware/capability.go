package hardware

import "context"

// Direction of a channel line.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Line identifies one physical or logical signal to a driver.
type Line struct {
	Path      string
	Name      string
	Pin       string
	Type      string
	Direction Direction
}

// Capability is the raw register access provided by a board or module
// driver. The graph never touches hardware except through it.
type Capability interface {
	ReadRaw(ctx context.Context, line Line) (float64, error)
	WriteRaw(ctx context.Context, line Line, value float64) error
}

// Closer is implemented by drivers holding OS resources.
type Closer interface {
	Close() error
}
