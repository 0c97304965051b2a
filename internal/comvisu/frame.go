// Package comvisu speaks the ComVisu line protocol: frames of the form
// "#<channel><F|S><value>;" carried over a plain TCP stream.
package comvisu

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
)

// MaxFrameLen is the longest frame a peer may send, delimiters included.
const MaxFrameLen = 255

type Type byte

const (
	TypeFloat  Type = 'F'
	TypeString Type = 'S'
)

// Frame is one decoded ComVisu command.
type Frame struct {
	Channel int
	Type    Type
	Float   float64
	Text    string
}

var framePattern = regexp.MustCompile(`^#(\d{1,3})([FS])(.+);$`)

func Float(channel int, v float64) Frame {
	return Frame{Channel: channel, Type: TypeFloat, Float: v}
}

func Text(channel int, s string) Frame {
	return Frame{Channel: channel, Type: TypeString, Text: s}
}

// Value renders the payload the way it goes on the wire.
func (f Frame) Value() string {
	if f.Type == TypeFloat {
		return strconv.FormatFloat(f.Float, 'f', -1, 64)
	}
	return f.Text
}

// Encode validates f and returns its wire form.
func (f Frame) Encode() (string, error) {
	if f.Channel < 0 || f.Channel > 999 {
		return "", fmt.Errorf("channel %d out of range 0..999", f.Channel)
	}
	switch f.Type {
	case TypeFloat:
	case TypeString:
		if strings.ContainsAny(f.Text, "#;") {
			return "", fmt.Errorf("text must not contain '#' or ';'")
		}
		if f.Text == "" {
			return "", fmt.Errorf("text must not be empty")
		}
	default:
		return "", fmt.Errorf("invalid frame type %q", f.Type)
	}
	s := fmt.Sprintf("#%d%c%s;", f.Channel, f.Type, f.Value())
	if len(s) > MaxFrameLen {
		return "", fmt.Errorf("frame too long: %d > %d", len(s), MaxFrameLen)
	}
	return s, nil
}

func (f Frame) String() string {
	return fmt.Sprintf("#%d%c%s;", f.Channel, f.Type, f.Value())
}

// Parse decodes one complete frame.
func Parse(s string) (Frame, error) {
	if len(s) > MaxFrameLen {
		return Frame{}, &protocol.FramingError{Reason: fmt.Sprintf("frame exceeds %d bytes", MaxFrameLen)}
	}
	m := framePattern.FindStringSubmatch(s)
	if m == nil {
		return Frame{}, &protocol.FramingError{Reason: fmt.Sprintf("malformed frame %q", s)}
	}
	ch, _ := strconv.Atoi(m[1])
	f := Frame{Channel: ch, Type: Type(m[2][0])}
	if f.Type == TypeString {
		if strings.Contains(m[3], "#") {
			return Frame{}, &protocol.FramingError{Reason: fmt.Sprintf("malformed frame %q", s)}
		}
		f.Text = m[3]
		return f, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(m[3]), 64)
	if err != nil {
		return Frame{}, &protocol.FramingError{Reason: fmt.Sprintf("invalid float in %q", s), Err: err}
	}
	f.Float = v
	return f, nil
}

// Sanitize replaces the delimiters so s can travel as a text payload.
func Sanitize(s string) string {
	return strings.NewReplacer("#", "_", ";", "_").Replace(s)
}

// ScanFrames is a bufio.SplitFunc yielding one frame per token. Bytes
// before the first '#' are returned as their own token so the caller can
// report them. A frame running past MaxFrameLen is cut off there.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	if start := bytes.IndexByte(data, '#'); start > 0 {
		junk := bytes.TrimSpace(data[:start])
		if len(junk) == 0 {
			return start, nil, nil
		}
		return start, junk, nil
	} else if start < 0 {
		if atEOF || len(data) > MaxFrameLen {
			junk := bytes.TrimSpace(data)
			if len(junk) == 0 {
				return len(data), nil, nil
			}
			return len(data), junk, nil
		}
		return 0, nil, nil
	}

	if end := bytes.IndexByte(data, ';'); end >= 0 && end < MaxFrameLen {
		return end + 1, data[:end+1], nil
	}
	if len(data) >= MaxFrameLen {
		return MaxFrameLen, data[:MaxFrameLen], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
