package agent

import "context"

// Agent carries the behaviour handed to a session. It is immutable once the
// session has started.
type Agent struct {
	Instructions string
}

// ChatRole identifies the speaker of a history entry.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one conversation turn. Assistant entries hold only the text
// that was actually played to the room.
type ChatMessage struct {
	Role ChatRole `json:"role"`
	Text string   `json:"text"`
}

// VADEventType distinguishes speech boundaries.
type VADEventType int

const (
	VADSpeechStart VADEventType = iota + 1
	VADSpeechEnd
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// VADEvent is emitted by a VADStream. On VADSpeechEnd, Audio holds the whole
// utterance (including pre-roll) as PCM16LE at the input sample rate.
type VADEvent struct {
	Type  VADEventType
	Audio []byte
}

// VAD creates per-participant detector streams.
type VAD interface {
	NewStream() VADStream
}

// VADStream consumes 16kHz PCM16LE mono in arbitrary chunk sizes.
type VADStream interface {
	Push(pcm []byte) []VADEvent
}

// STT transcribes one utterance of PCM16LE mono audio.
type STT interface {
	Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// LLM produces the assistant reply for the conversation so far. The last
// history entry is the user turn being answered.
type LLM interface {
	Chat(ctx context.Context, instructions string, history []ChatMessage) (string, error)
}

// TTS streams 48kHz PCM mono audio for the given text.
type TTS interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used for barge-in).
	Reset()
}

// Room is the live audio endpoint a session runs against.
type Room interface {
	Name() string
	// AudioInput delivers subscribed participant audio as 16kHz PCM16LE mono.
	// It is closed when the room disconnects.
	AudioInput() <-chan []byte
	AudioOutput() PCM48kSink
}
