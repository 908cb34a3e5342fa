package assistant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/infra/storage"
	"github.com/wajjih/AI-Voice-Assistant/internal/plugins"
	"github.com/wajjih/AI-Voice-Assistant/internal/rtc"
	"github.com/wajjih/AI-Voice-Assistant/internal/worker"
)

// fakeVAD reads the first byte of each buffer: 's' starts speech, 'e' ends it
// with the rest of the buffer as the utterance.
type fakeVAD struct{}

func (fakeVAD) NewStream() agent.VADStream { return fakeVADStream{} }

type fakeVADStream struct{}

func (fakeVADStream) Push(pcm []byte) []agent.VADEvent {
	if len(pcm) == 0 {
		return nil
	}
	switch pcm[0] {
	case 's':
		return []agent.VADEvent{{Type: agent.VADSpeechStart}}
	case 'e':
		return []agent.VADEvent{{Type: agent.VADSpeechEnd, Audio: pcm[1:]}}
	}
	return nil
}

type fakeSTT struct{ text string }

func (f fakeSTT) Recognize(context.Context, []byte, int) (string, error) { return f.text, nil }

type fakeLLM struct {
	reply string

	mu           sync.Mutex
	instructions []string
}

func (f *fakeLLM) Chat(_ context.Context, instructions string, _ []agent.ChatMessage) (string, error) {
	f.mu.Lock()
	f.instructions = append(f.instructions, instructions)
	f.mu.Unlock()
	return f.reply, nil
}

type spoken struct {
	text string
	at   time.Time
}

// recordingTTS records every synthesized text. With block set it keeps the
// stream open until cancelled.
type recordingTTS struct {
	block bool

	mu    sync.Mutex
	texts []spoken
}

func (f *recordingTTS) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.texts = append(f.texts, spoken{text: text, at: time.Now()})
	f.mu.Unlock()
	pcm := make(chan []byte, 1)
	errc := make(chan error)
	go func() {
		defer close(errc)
		defer close(pcm)
		pcm <- []byte{0, 0}
		if f.block {
			<-ctx.Done()
		}
	}()
	return pcm, errc
}

func (f *recordingTTS) said() []spoken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spoken(nil), f.texts...)
}

type fakeSink struct {
	flushes atomic.Int32
	resets  atomic.Int32
}

func (s *fakeSink) WritePCM([]byte) {}
func (s *fakeSink) FlushTail()      { s.flushes.Add(1) }
func (s *fakeSink) Reset()          { s.resets.Add(1) }

type fakeConn struct {
	name string
	in   chan []byte
	sink *fakeSink
	done chan struct{}
	once sync.Once
}

func (c *fakeConn) Name() string                  { return c.name }
func (c *fakeConn) AudioInput() <-chan []byte     { return c.in }
func (c *fakeConn) AudioOutput() agent.PCM48kSink { return c.sink }
func (c *fakeConn) Done() <-chan struct{}         { return c.done }
func (c *fakeConn) Disconnect()                   { c.once.Do(func() { close(c.done) }) }

type fakeConnector struct {
	err error

	mu    sync.Mutex
	subs  []rtc.AutoSubscribe
	conns []*fakeConn
}

func (f *fakeConnector) Connect(_ context.Context, _, _ string, sub rtc.AutoSubscribe) (rtc.Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{name: "demo", in: make(chan []byte, 8), sink: &fakeSink{}, done: make(chan struct{})}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakeStore struct {
	mu    sync.Mutex
	saved []storage.Transcript
}

func (s *fakeStore) SaveTranscript(_ context.Context, t storage.Transcript) (string, error) {
	s.mu.Lock()
	s.saved = append(s.saved, t)
	s.mu.Unlock()
	return storage.TranscriptKey(t.Room, t.JobID), nil
}

func newJob(t *testing.T, id string, connector rtc.Connector) *worker.JobContext {
	job := &livekit.Job{Id: id, Room: &livekit.Room{Name: "demo"}}
	return worker.NewJobContext(job, "ws://livekit.test", "token-"+id, connector, zaptest.NewLogger(t))
}

func newAssistant(tts agent.TTS, llm agent.LLM, delay time.Duration) *Assistant {
	return &Assistant{
		Plugins: plugins.Set{
			VAD: fakeVAD{},
			STT: fakeSTT{text: "what's the weather like"},
			LLM: llm,
			TTS: tts,
		},
		GreetingDelay: &delay,
	}
}

func TestNewAgent(t *testing.T) {
	assert.Equal(t, "You are a helpful voice AI assistant.", NewAgent().Instructions)
	assert.Equal(t, time.Second, DefaultGreetingDelay)
	assert.Equal(t, time.Second, (&Assistant{}).greetingDelay())
}

func TestGreetingDelay_ZeroIsHonoured(t *testing.T) {
	zero := time.Duration(0)
	assert.Zero(t, (&Assistant{GreetingDelay: &zero}).greetingDelay())
	d := 250 * time.Millisecond
	assert.Equal(t, d, (&Assistant{GreetingDelay: &d}).greetingDelay())
}

func TestEntrypoint_ConnectsAudioOnly(t *testing.T) {
	connector := &fakeConnector{}
	a := newAssistant(&recordingTTS{}, &fakeLLM{}, time.Millisecond)
	jc := newJob(t, "J_1", connector)
	t.Cleanup(func() { jc.Room().Disconnect() })

	require.NoError(t, a.Entrypoint(context.Background(), jc))
	connector.mu.Lock()
	defer connector.mu.Unlock()
	assert.Equal(t, []rtc.AutoSubscribe{rtc.SubscribeAudioOnly}, connector.subs, "one connection, audio only")
}

func TestEntrypoint_GreetsAfterDelay(t *testing.T) {
	const delay = 60 * time.Millisecond
	tts := &recordingTTS{}
	a := newAssistant(tts, &fakeLLM{}, delay)
	jc := newJob(t, "J_1", &fakeConnector{})

	start := time.Now()
	require.NoError(t, a.Entrypoint(context.Background(), jc))
	require.Eventually(t, func() bool { return len(tts.said()) == 1 }, time.Second, 5*time.Millisecond)

	said := tts.said()[0]
	assert.Equal(t, "Hey, how can I help you?", said.text)
	assert.GreaterOrEqual(t, said.at.Sub(start), delay)
	jc.Room().Disconnect()
}

func TestGreet_AllowsInterruptions(t *testing.T) {
	a := newAssistant(&recordingTTS{block: true}, &fakeLLM{}, time.Millisecond)
	room := &fakeConn{name: "demo", in: make(chan []byte), sink: &fakeSink{}, done: make(chan struct{})}
	session := agent.NewSession(a.Plugins.SessionOptions(zaptest.NewLogger(t)))
	require.NoError(t, session.Start(context.Background(), room, NewAgent()))
	t.Cleanup(func() { _ = session.Close() })

	h, err := a.greet(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, Greeting, h.Text())
	assert.True(t, h.AllowInterruptions())
	assert.Equal(t, Instructions, session.Agent().Instructions)
}

func TestEntrypoint_UserCanInterruptGreeting(t *testing.T) {
	tts := &recordingTTS{block: true}
	connector := &fakeConnector{}
	a := newAssistant(tts, &fakeLLM{}, time.Millisecond)
	jc := newJob(t, "J_1", connector)
	require.NoError(t, a.Entrypoint(context.Background(), jc))
	require.Eventually(t, func() bool { return len(tts.said()) == 1 }, time.Second, 5*time.Millisecond)

	conn := connector.conn(0)
	conn.in <- []byte("s")
	assert.Eventually(t, func() bool { return conn.sink.resets.Load() > 0 }, time.Second, 5*time.Millisecond)
	jc.Room().Disconnect()
}

func TestEntrypoint_CancelledDuringDelay(t *testing.T) {
	tts := &recordingTTS{}
	a := newAssistant(tts, &fakeLLM{}, time.Hour)
	jc := newJob(t, "J_1", &fakeConnector{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Entrypoint(ctx, jc) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("entrypoint ignored cancellation")
	}
	assert.Empty(t, tts.said())
}

func TestEntrypoint_ConnectFailure(t *testing.T) {
	a := newAssistant(&recordingTTS{}, &fakeLLM{}, time.Millisecond)
	jc := newJob(t, "J_1", &fakeConnector{err: errors.New("invalid token")})
	err := a.Entrypoint(context.Background(), jc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestEntrypoint_ConcurrentJobsDoNotBlockEachOther(t *testing.T) {
	const (
		jobs  = 6
		delay = 100 * time.Millisecond
	)
	connector := &fakeConnector{}
	a := newAssistant(&recordingTTS{}, &fakeLLM{}, delay)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		jc := newJob(t, "J_"+string(rune('A'+i)), connector)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Entrypoint(context.Background(), jc))
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 3*delay)

	for i := 0; i < jobs; i++ {
		connector.conn(i).Disconnect()
	}
}

func TestRunJob_EndToEnd(t *testing.T) {
	tts := &recordingTTS{}
	llm := &fakeLLM{reply: "It is sunny today."}
	connector := &fakeConnector{}
	store := &fakeStore{}
	a := newAssistant(tts, llm, 10*time.Millisecond)
	a.Store = store
	jc := newJob(t, "J_E2E", connector)

	errCh := make(chan error, 1)
	go func() { errCh <- worker.RunJob(context.Background(), jc, a.Entrypoint) }()

	require.Eventually(t, func() bool { return connector.count() == 1 && connector.conn(0).sink.flushes.Load() == 1 },
		2*time.Second, 5*time.Millisecond, "greeting played")
	conn := connector.conn(0)
	conn.in <- []byte("s")
	conn.in <- []byte("eaudio")
	require.Eventually(t, func() bool { return len(tts.said()) == 2 }, 2*time.Second, 5*time.Millisecond, "reply spoken")
	assert.Equal(t, "It is sunny today.", tts.said()[1].text)

	llm.mu.Lock()
	assert.Equal(t, []string{Instructions}, llm.instructions)
	llm.mu.Unlock()

	// wait for the reply to finish before the room goes away
	require.Eventually(t, func() bool { return conn.sink.flushes.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	conn.Disconnect()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not end with the room")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saved, 1)
	tr := store.saved[0]
	assert.Equal(t, "J_E2E", tr.JobID)
	assert.Equal(t, "demo", tr.Room)
	assert.Equal(t, Instructions, tr.Instructions)
	require.Len(t, tr.Messages, 3)
	assert.Equal(t, agent.ChatMessage{Role: agent.RoleAssistant, Text: Greeting}, tr.Messages[0])
	assert.Equal(t, agent.ChatMessage{Role: agent.RoleUser, Text: "what's the weather like"}, tr.Messages[1])
	assert.Equal(t, agent.ChatMessage{Role: agent.RoleAssistant, Text: "It is sunny today."}, tr.Messages[2])
}
