package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MediaSource is the "acquire local media" capability. Acquire may
// suspend while awaiting device permission; Release must be safe to call
// at any point and more than once.
type MediaSource interface {
	Acquire(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

// StaticMedia is a MediaSource backed by sample tracks. Real capture
// hardware plugs in behind the same interface; the static tracks keep the
// negotiation path exercisable without devices.
type StaticMedia struct {
	tracks []webrtc.TrackLocal
}

func NewStaticMedia() *StaticMedia {
	return &StaticMedia{}
}

func (m *StaticMedia) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "chatwave")
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "chatwave")
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}

	m.tracks = []webrtc.TrackLocal{video, audio}
	return m.tracks, nil
}

func (m *StaticMedia) Release() {
	m.tracks = nil
}
