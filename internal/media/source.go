package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpmesh/internal/mesh"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond

	audioClockRate = 48000
	videoClockRate = 90000
)

var ErrNoTracks = errors.New("no audio or video requested")

// opus silence frame
var audioPattern = []byte{0xf8, 0xff, 0xfe}

// Options selects which synthetic tracks a Source carries.
type Options struct {
	Audio    bool
	Video    bool
	StreamID string
	Logger   *slog.Logger
}

// Track is one local RTP track. It implements mesh.MediaTrack and hands the
// underlying pion track to the engine.
type Track struct {
	local   *pion.TrackLocalStaticRTP
	kind    string
	enabled atomic.Bool
	sent    atomic.Uint64
}

func (t *Track) ID() string              { return t.local.ID() }
func (t *Track) Kind() string            { return t.kind }
func (t *Track) Local() pion.TrackLocal  { return t.local }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) PacketsSent() uint64     { return t.sent.Load() }
func (t *Track) setEnabled(enabled bool) { t.enabled.Store(enabled) }

// Source is the local capture handle shared by every connection in a
// session. Instead of a camera and microphone it feeds a generated pattern,
// which is enough to exercise the media path end to end.
type Source struct {
	streamID string
	audio    *Track
	video    *Track

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
	logger *slog.Logger
}

// Open creates the requested tracks and starts feeding them.
func Open(opts Options) (*Source, error) {
	if !opts.Audio && !opts.Video {
		return nil, ErrNoTracks
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	streamID := opts.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		streamID: streamID,
		cancel:   cancel,
		logger:   logger.With("component", "media", "stream", streamID),
	}

	if opts.Audio {
		track, err := newTrack(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}, "audio", streamID)
		if err != nil {
			cancel()
			return nil, err
		}
		s.audio = track
		s.pump(ctx, track, audioFrame, audioClockRate)
	}
	if opts.Video {
		track, err := newTrack(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: videoClockRate}, "video", streamID)
		if err != nil {
			cancel()
			s.wg.Wait()
			return nil, err
		}
		s.video = track
		s.pump(ctx, track, videoFrame, videoClockRate)
	}

	s.logger.Debug("local media opened", "audio", opts.Audio, "video", opts.Video)
	return s, nil
}

// Acquirer adapts Open to the session's media hook.
func Acquirer(opts Options) mesh.MediaAcquirer {
	return func(ctx context.Context) (mesh.MediaSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Open(opts)
	}
}

func newTrack(capability pion.RTPCodecCapability, kind, streamID string) (*Track, error) {
	local, err := pion.NewTrackLocalStaticRTP(capability, fmt.Sprintf("%s-%s", streamID, kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{local: local, kind: kind}
	t.setEnabled(true)
	return t, nil
}

// pump writes one packet per frame while the track is enabled. A disabled
// track stays negotiated and simply goes quiet.
func (s *Source) pump(ctx context.Context, t *Track, frame time.Duration, clockRate uint32) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(frame)
		defer ticker.Stop()

		seq := uint16(rand.UintN(1 << 16))
		ts := rand.Uint32()
		step := uint32(frame.Seconds() * float64(clockRate))
		var n byte

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			seq++
			ts += step
			if !t.Enabled() {
				continue
			}

			n++
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         true,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: payloadFor(t.kind, n),
			}
			if err := t.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("write rtp failed", "track", t.kind, "error", err)
				continue
			}
			t.sent.Add(1)
		}
	}()
}

func payloadFor(kind string, n byte) []byte {
	if kind == "audio" {
		return audioPattern
	}
	// VP8 payload descriptor (start of partition) followed by a rolling pattern
	payload := make([]byte, 32)
	payload[0] = 0x10
	for i := 1; i < len(payload); i++ {
		payload[i] = n + byte(i)
	}
	return payload
}

// StreamID identifies the local stream on the remote side.
func (s *Source) StreamID() string {
	return s.streamID
}

// Tracks returns the local tracks, audio first.
func (s *Source) Tracks() []mesh.MediaTrack {
	var tracks []mesh.MediaTrack
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *Source) Audio() *Track { return s.audio }
func (s *Source) Video() *Track { return s.video }

func (s *Source) SetAudioEnabled(enabled bool) {
	if s.audio != nil {
		s.audio.setEnabled(enabled)
		s.logger.Info("audio toggled", "enabled", enabled)
	}
}

func (s *Source) SetVideoEnabled(enabled bool) {
	if s.video != nil {
		s.video.setEnabled(enabled)
		s.logger.Info("video toggled", "enabled", enabled)
	}
}

// Close stops the generators.
func (s *Source) Close() error {
	s.closed.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
