//go:build !linux

package elm

import (
	"context"
	"errors"
)

// RFCOMMDialer is only available on linux. Bind the adapter to a tty and use
// SerialDialer instead.
type RFCOMMDialer struct{}

func (RFCOMMDialer) Dial(context.Context, string) (Transport, error) {
	return nil, errors.New("rfcomm: raw bluetooth sockets are only supported on linux")
}
