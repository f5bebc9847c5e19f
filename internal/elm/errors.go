package elm

import "errors"

var (
	// ErrConnectFailure is returned when the adapter cannot be reached within
	// the connect timeout.
	ErrConnectFailure = errors.New("elm: unable to connect device")

	// ErrConnectionLost is returned when a write or read fails on an
	// established stream. The connection is torn down when it is observed.
	ErrConnectionLost = errors.New("elm: device connection was lost")

	// ErrFrameTimeout is returned when no prompt byte arrives within the
	// response deadline.
	ErrFrameTimeout = errors.New("elm: response timeout")

	// ErrNonHexResponse marks a diagnostic request whose filtered response
	// contained a line that is not hexadecimal.
	ErrNonHexResponse = errors.New("elm: non hexadecimal response")

	// ErrConfigurationRejected is returned when the configured network does
	// not look like an adapter network.
	ErrConfigurationRejected = errors.New("elm: configuration rejected")

	// ErrAlreadyConnecting is returned by Connect while an attempt is in
	// progress, a retry loop is armed or a connection is live.
	ErrAlreadyConnecting = errors.New("elm: already connecting or connected")

	// ErrNotConnected is returned by Send when there is no connection and
	// nothing is trying to establish one.
	ErrNotConnected = errors.New("elm: not connected")

	// ErrLoopRunning is returned when the dispatcher worker is started twice.
	ErrLoopRunning = errors.New("elm: dispatcher already running")

	// ErrNoDialer is returned when a Manager is built without a Dialer.
	ErrNoDialer = errors.New("elm: no dialer configured")

	// ErrNoCodec is returned when a Manager is built without a Codec.
	ErrNoCodec = errors.New("elm: no codec configured")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("elm: manager closed")
)

// Result markers delivered in place of a payload when a request fails.
const (
	ResultNonHex       = "ERROR : NON HEXA response"
	ResultTimeout      = "ERROR : TIMEOUT"
	ResultDisconnected = "ERROR : DISCONNECTED"
)
