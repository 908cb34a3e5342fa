// Package rtc connects the agent to LiveKit rooms: it subscribes to
// participant audio according to an AutoSubscribe policy, decodes it for the
// session and publishes the agent's voice as an Opus track.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/hraban/opus"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/audio"
)

const (
	inputBacklog = 256
	// 120ms at 16kHz, the longest Opus frame
	maxDecodedSamples = 1920
	agentTrackName    = "agent-voice"
)

// AutoSubscribe selects which remote tracks the agent subscribes to.
type AutoSubscribe int

const (
	SubscribeAll AutoSubscribe = iota
	SubscribeNone
	SubscribeAudioOnly
	SubscribeVideoOnly
)

func (a AutoSubscribe) String() string {
	switch a {
	case SubscribeAll:
		return "subscribe_all"
	case SubscribeNone:
		return "subscribe_none"
	case SubscribeAudioOnly:
		return "audio_only"
	case SubscribeVideoOnly:
		return "video_only"
	default:
		return fmt.Sprintf("AutoSubscribe(%d)", int(a))
	}
}

// Allows reports whether a track of kind should be subscribed.
func (a AutoSubscribe) Allows(kind lksdk.TrackKind) bool {
	switch a {
	case SubscribeAll:
		return kind == lksdk.TrackKindAudio || kind == lksdk.TrackKindVideo
	case SubscribeAudioOnly:
		return kind == lksdk.TrackKindAudio
	case SubscribeVideoOnly:
		return kind == lksdk.TrackKindVideo
	default:
		return false
	}
}

// Conn is a connected room as seen by a job.
type Conn interface {
	agent.Room
	// Disconnect leaves the room. It is safe to call more than once.
	Disconnect()
	// Done is closed once the room is disconnected, locally or by the server.
	Done() <-chan struct{}
}

// Connector joins rooms.
type Connector interface {
	Connect(ctx context.Context, url, token string, sub AutoSubscribe) (Conn, error)
}

// LiveKitConnector joins rooms with the LiveKit server SDK.
type LiveKitConnector struct {
	Logger *zap.Logger
}

// Room wraps a LiveKit room joined by the agent.
type Room struct {
	sub AutoSubscribe
	log *zap.Logger

	room   *lksdk.Room
	output *OpusPacedWriter
	input  chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	linked string
	// linkedReaders counts the active readers of the linked participant.
	linkedReaders int
	// waiting holds audio tracks of other participants, oldest first.
	waiting []waitingTrack
	readers sync.WaitGroup
	once    sync.Once
}

type waitingTrack struct {
	track    *webrtc.TrackRemote
	identity string
}

var _ Conn = (*Room)(nil)

// Connect joins the room with token, subscribing only to what sub allows, and
// publishes the agent's microphone track.
func (c LiveKitConnector) Connect(ctx context.Context, url, token string, sub AutoSubscribe) (Conn, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := newRoom(sub, log)

	cb := lksdk.NewRoomCallback()
	cb.ParticipantCallback.OnTrackPublished = r.onTrackPublished
	cb.ParticipantCallback.OnTrackSubscribed = r.onTrackSubscribed
	cb.ParticipantCallback.OnTrackUnsubscribed = r.onTrackUnsubscribed
	cb.OnDisconnected = r.onDisconnected

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, fmt.Errorf("connect to room: %w", err)
	}
	r.room = room
	if err := ctx.Err(); err != nil {
		room.Disconnect()
		return nil, err
	}

	if err := r.publishVoice(); err != nil {
		room.Disconnect()
		return nil, err
	}
	r.subscribeExisting()
	r.log.Info("connected to room", zap.String("room", room.Name()), zap.Stringer("auto_subscribe", sub))
	return r, nil
}

func newRoom(sub AutoSubscribe, log *zap.Logger) *Room {
	return &Room{
		sub:   sub,
		log:   log,
		input: make(chan []byte, inputBacklog),
		done:  make(chan struct{}),
	}
}

func (r *Room) publishVoice() error {
	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: audio.OutputSampleRate,
		Channels:  1,
	})
	if err != nil {
		return fmt.Errorf("create agent track: %w", err)
	}
	if _, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   agentTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		return fmt.Errorf("publish agent track: %w", err)
	}
	w, err := NewOpusPacedWriter(track, r.log)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}
	r.output = w
	return nil
}

// subscribeExisting applies the policy to tracks published before we joined.
func (r *Room) subscribeExisting() {
	for _, rp := range r.room.GetRemoteParticipants() {
		for _, pub := range rp.TrackPublications() {
			if rpub, ok := pub.(*lksdk.RemoteTrackPublication); ok {
				r.onTrackPublished(rpub, rp)
			}
		}
	}
}

func (r *Room) Name() string {
	if r.room == nil {
		return ""
	}
	return r.room.Name()
}

func (r *Room) AudioInput() <-chan []byte { return r.input }

func (r *Room) AudioOutput() agent.PCM48kSink { return r.output }

func (r *Room) Done() <-chan struct{} { return r.done }

// Disconnect leaves the room and stops publishing.
func (r *Room) Disconnect() {
	r.shutdown()
	if r.room != nil {
		r.room.Disconnect()
	}
}

func (r *Room) onDisconnected() {
	r.log.Info("room disconnected")
	r.shutdown()
}

func (r *Room) shutdown() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		if r.output != nil {
			r.output.Close()
		}
		go func() {
			r.readers.Wait()
			close(r.input)
		}()
	})
}

func (r *Room) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !r.sub.Allows(pub.Kind()) {
		r.log.Debug("skipping track", zap.String("participant", rp.Identity()), zap.String("kind", string(pub.Kind())))
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		r.log.Warn("failed to subscribe to track", zap.String("participant", rp.Identity()), zap.Error(err))
	}
}

func (r *Room) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	identity := rp.Identity()
	if !r.claim(track, identity) {
		r.log.Debug("holding audio from unlinked participant", zap.String("participant", identity))
		return
	}
	r.startReading(track, identity)
}

func (r *Room) onTrackUnsubscribed(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		r.forget(track)
		r.log.Debug("audio track unsubscribed", zap.String("participant", rp.Identity()))
	}
}

// startReading decodes track in its own goroutine. The caller must hold a
// reader slot from claim or release.
func (r *Room) startReading(track *webrtc.TrackRemote, identity string) {
	dec, err := opus.NewDecoder(audio.InputSampleRate, 1)
	if err != nil {
		r.log.Error("opus decoder error", zap.Error(err))
		r.handOff(identity)
		r.readers.Done()
		return
	}
	r.log.Info("linked participant audio", zap.String("participant", identity), zap.String("codec", track.Codec().MimeType))
	go r.readAudio(track, dec, identity)
}

// claim links the room input to identity if no other participant is linked.
// On success a reader slot is reserved and must be released with readers.Done.
// Otherwise the track waits until the linked participant's audio ends.
func (r *Room) claim(track *webrtc.TrackRemote, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.linked != "" && r.linked != identity {
		r.waiting = append(r.waiting, waitingTrack{track: track, identity: identity})
		return false
	}
	r.linked = identity
	r.linkedReaders++
	r.readers.Add(1)
	return true
}

// release ends one reader of identity. When the linked participant has no
// readers left, the oldest waiting participant is linked and its tracks are
// returned with a reader slot reserved for each.
func (r *Room) release(identity string) []waitingTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.linked != identity {
		return nil
	}
	r.linkedReaders--
	if r.linkedReaders > 0 {
		return nil
	}
	r.linked = ""
	r.linkedReaders = 0
	if r.closed || len(r.waiting) == 0 {
		return nil
	}
	next := r.waiting[0].identity
	var tracks []waitingTrack
	rest := r.waiting[:0]
	for _, w := range r.waiting {
		if w.identity == next {
			tracks = append(tracks, w)
		} else {
			rest = append(rest, w)
		}
	}
	r.waiting = rest
	r.linked = next
	r.linkedReaders = len(tracks)
	r.readers.Add(len(tracks))
	return tracks
}

// handOff releases identity and starts reading whoever was waiting.
func (r *Room) handOff(identity string) {
	for _, w := range r.release(identity) {
		r.startReading(w.track, w.identity)
	}
}

// forget drops a waiting track that went away before it was linked.
func (r *Room) forget(track *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiting {
		if w.track == track {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// readAudio decodes the linked participant's Opus packets to 16kHz PCM.
func (r *Room) readAudio(track *webrtc.TrackRemote, dec *opus.Decoder, identity string) {
	defer r.readers.Done()
	defer r.handOff(identity)
	pcm := make([]int16, maxDecodedSamples)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.log.Debug("audio track ended", zap.String("participant", identity), zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			r.log.Debug("opus decode error", zap.Error(err))
			continue
		}
		select {
		case <-r.done:
			return
		case r.input <- audio.SamplesToBytes(pcm[:n]):
		default:
			r.log.Warn("audio input backlog full, dropping packet")
		}
	}
}
