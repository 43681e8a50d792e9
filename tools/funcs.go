package tools

import (
	"encoding/base64"
	"time"
)

// FrameSamples is the number of interleaved samples in one frame.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// EncodeFrame renders an audio frame for a JSON text message.
func EncodeFrame(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}
