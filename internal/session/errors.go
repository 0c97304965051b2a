package session

import (
	"errors"
	"io"
	"net"
)

// ErrClosed is returned by connections read after Close.
var ErrClosed = errors.New("connection closed")

// ErrKeepAliveTimeout ends a session whose client went silent.
var ErrKeepAliveTimeout = errors.New("keep-alive timeout")

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}
