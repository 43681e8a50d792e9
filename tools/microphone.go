package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	MicSampleRate = 48000
	MicChannels   = 1
)

// Microphone is an opened capture device producing opus frames.
type Microphone struct {
	logger shared.LoggerAdapter
	track  mediadevices.Track
	frame  time.Duration
}

// OpenMicrophone asks the default capture device for a mono 48kHz track
// encoded as opus.
func OpenMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(MicSampleRate)
			c.ChannelCount = prop.Int(MicChannels)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	frame := time.Duration(opusParams.Latency)
	logger.Info(
		"microphone opened",
		zap.Duration("frame", frame),
		zap.Int("samplesPerFrame", FrameSamples(frame, MicSampleRate, MicChannels)),
	)
	return &Microphone{logger: logger, track: tracks[0], frame: frame}, nil
}

// Stream feeds encoded frames to sink until ctx ends or the track does.
// Frames the sink rejects are logged and skipped.
func (m *Microphone) Stream(ctx context.Context, sink func(frame []byte) error) error {
	reader, err := m.track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		return fmt.Errorf("creating media track reader: %w", err)
	}
	defer reader.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			m.logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		frame := make([]byte, len(buf.Data))
		copy(frame, buf.Data)
		release()
		if err := sink(frame); err != nil {
			m.logger.Error("failed to forward microphone frame", err)
		}
	}
}

func (m *Microphone) Close() error {
	return m.track.Close()
}
