package elm

import "time"

//go:generate go tool mockgen -source=codec.go -destination=mock_codec_test.go -package=elm

// Codec splits a diagnostic payload into adapter frames and reassembles the
// hex lines the adapter answers with.
type Codec interface {
	// Encode returns the frames to send, in order.
	Encode(payload string) ([]string, error)
	// Decode reassembles the payload lines of every frame of one request.
	// Flow control lines are never passed in.
	Decode(lines []string) (string, error)
}

// Emitter receives events. *Notifier is the production implementation.
type Emitter interface {
	Emit(e Event)
}

// ExchangeRecorder receives every frame exchange. *recorder.Recorder
// satisfies it.
type ExchangeRecorder interface {
	Record(sent, response string, started time.Time, elapsed time.Duration, outcome string)
}
