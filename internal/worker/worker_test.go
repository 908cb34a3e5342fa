package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/proto"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/rtc"
)

type nopSink struct{}

func (nopSink) WritePCM([]byte) {}
func (nopSink) FlushTail()      {}
func (nopSink) Reset()          {}

type fakeConn struct {
	name string
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, in: make(chan []byte), done: make(chan struct{})}
}

func (c *fakeConn) Name() string                  { return c.name }
func (c *fakeConn) AudioInput() <-chan []byte     { return c.in }
func (c *fakeConn) AudioOutput() agent.PCM48kSink { return nopSink{} }
func (c *fakeConn) Done() <-chan struct{}         { return c.done }
func (c *fakeConn) Disconnect()                   { c.once.Do(func() { close(c.done) }) }

type fakeConnector struct {
	mu    sync.Mutex
	urls  []string
	subs  []rtc.AutoSubscribe
	conns []*fakeConn
	err   error
}

func (f *fakeConnector) Connect(ctx context.Context, url, token string, sub rtc.AutoSubscribe) (rtc.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn("room-" + token)
	f.urls = append(f.urls, url)
	f.subs = append(f.subs, sub)
	f.conns = append(f.conns, c)
	return c, nil
}

// fakeServer speaks the server side of the agent protocol.
type fakeServer struct {
	t    *testing.T
	srv  *httptest.Server
	recv chan *livekit.WorkerMessage
	conn chan *websocket.Conn
	auth atomic.Value
	path atomic.Value
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:    t,
		recv: make(chan *livekit.WorkerMessage, 64),
		conn: make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth.Store(r.Header.Get("Authorization"))
		fs.path.Store(r.URL.Path)
		c, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		fs.conn <- c
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			msg := &livekit.WorkerMessage{}
			if !assert.NoError(t, proto.Unmarshal(b, msg)) {
				return
			}
			fs.recv <- msg
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) accept() *websocket.Conn {
	select {
	case c := <-fs.conn:
		return c
	case <-time.After(2 * time.Second):
		fs.t.Fatalf("worker did not connect")
		return nil
	}
}

func (fs *fakeServer) send(c *websocket.Conn, msg *livekit.ServerMessage) {
	b, err := proto.Marshal(msg)
	require.NoError(fs.t, err)
	require.NoError(fs.t, c.WriteMessage(websocket.BinaryMessage, b))
}

// expect returns the next message accepted by match, skipping pings and
// load updates.
func (fs *fakeServer) expect(match func(*livekit.WorkerMessage) bool) *livekit.WorkerMessage {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-fs.recv:
			if match(msg) {
				return msg
			}
		case <-deadline:
			fs.t.Fatalf("expected message not received")
			return nil
		}
	}
}

func isJobUpdate(status livekit.JobStatus) func(*livekit.WorkerMessage) bool {
	return func(m *livekit.WorkerMessage) bool {
		return m.GetUpdateJob() != nil && m.GetUpdateJob().GetStatus() == status
	}
}

func newTestWorker(t *testing.T, url string, connector rtc.Connector, entry EntrypointFunc) *Worker {
	t.Helper()
	w, err := New(Options{
		URL:          url,
		APIKey:       "key",
		APISecret:    "a-secret-that-is-long-enough-for-hs256",
		AgentName:    "assistant",
		MaxJobs:      1,
		LoadInterval: time.Hour,
		PingInterval: time.Hour,
		Entrypoint:   entry,
		Connector:    connector,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return w
}

func job(id string) *livekit.Job {
	return &livekit.Job{Id: id, Type: livekit.JobType_JT_ROOM, Room: &livekit.Room{Name: "demo"}}
}

func TestAgentURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:7880":       "ws://localhost:7880/agent",
		"wss://demo.livekit.cloud/":   "wss://demo.livekit.cloud/agent",
		"https://example.com/lk":      "wss://example.com/lk/agent",
		"ws://127.0.0.1:7880/prefix/": "ws://127.0.0.1:7880/prefix/agent",
	}
	for in, want := range cases {
		got, err := agentURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := agentURL("ftp://example.com")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	entry := func(context.Context, *JobContext) error { return nil }
	_, err := New(Options{APIKey: "k", APISecret: "s", Entrypoint: entry})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://x", Entrypoint: entry})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://x", APIKey: "k", APISecret: "s"})
	assert.Error(t, err)
}

func TestWorker_JobLifecycle(t *testing.T) {
	fs := newFakeServer(t)
	connector := &fakeConnector{}
	entered := make(chan *JobContext, 1)
	var shutdowns atomic.Int32
	w := newTestWorker(t, fs.srv.URL, connector, func(ctx context.Context, jc *JobContext) error {
		if _, err := jc.Connect(ctx, rtc.SubscribeAudioOnly); err != nil {
			return err
		}
		jc.AddShutdownCallback(func(context.Context) { shutdowns.Add(1) })
		entered <- jc
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	c := fs.accept()
	reg := fs.expect(func(m *livekit.WorkerMessage) bool { return m.GetRegister() != nil }).GetRegister()
	assert.Equal(t, livekit.JobType_JT_ROOM, reg.GetType())
	assert.Equal(t, "assistant", reg.GetAgentName())
	assert.True(t, reg.GetAllowedPermissions().GetAgent())
	assert.True(t, strings.HasPrefix(fs.auth.Load().(string), "Bearer "))
	assert.Equal(t, "/agent", fs.path.Load().(string))

	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Register{Register: &livekit.RegisterWorkerResponse{WorkerId: "W_1"}}})

	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{Availability: &livekit.AvailabilityRequest{Job: job("J_1")}}})
	avail := fs.expect(func(m *livekit.WorkerMessage) bool { return m.GetAvailability() != nil }).GetAvailability()
	assert.Equal(t, "J_1", avail.GetJobId())
	assert.True(t, avail.GetAvailable())
	assert.Equal(t, "agent-J_1", avail.GetParticipantIdentity())
	assert.Equal(t, "W_1", w.ID())

	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Assignment{Assignment: &livekit.JobAssignment{Job: job("J_1"), Token: "tok"}}})
	fs.expect(isJobUpdate(livekit.JobStatus_JS_RUNNING))

	var jc *JobContext
	select {
	case jc = <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("entrypoint not called")
	}
	assert.Equal(t, "demo", jc.RoomName())
	connector.mu.Lock()
	assert.Equal(t, []rtc.AutoSubscribe{rtc.SubscribeAudioOnly}, connector.subs)
	assert.Equal(t, []string{fs.srv.URL}, connector.urls, "assignment without url falls back to the worker url")
	connector.mu.Unlock()
	assert.Equal(t, 1, w.Status().ActiveJobs)

	// at capacity
	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{Availability: &livekit.AvailabilityRequest{Job: job("J_2")}}})
	avail = fs.expect(func(m *livekit.WorkerMessage) bool { return m.GetAvailability() != nil }).GetAvailability()
	assert.Equal(t, "J_2", avail.GetJobId())
	assert.False(t, avail.GetAvailable())

	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Termination{Termination: &livekit.JobTermination{JobId: "J_1"}}})
	done := fs.expect(isJobUpdate(livekit.JobStatus_JS_SUCCESS)).GetUpdateJob()
	assert.Equal(t, "J_1", done.GetJobId())
	assert.Equal(t, int32(1), shutdowns.Load())
	select {
	case <-jc.Room().Done():
	default:
		t.Fatalf("room not disconnected after termination")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
	assert.Equal(t, 0, w.Status().ActiveJobs)
}

func TestWorker_FailedEntrypointReportsError(t *testing.T) {
	fs := newFakeServer(t)
	w := newTestWorker(t, fs.srv.URL, &fakeConnector{err: errors.New("no route")}, func(ctx context.Context, jc *JobContext) error {
		_, err := jc.Connect(ctx, rtc.SubscribeAudioOnly)
		return err
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	c := fs.accept()
	fs.expect(func(m *livekit.WorkerMessage) bool { return m.GetRegister() != nil })
	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Register{Register: &livekit.RegisterWorkerResponse{WorkerId: "W_2"}}})
	fs.send(c, &livekit.ServerMessage{Message: &livekit.ServerMessage_Assignment{Assignment: &livekit.JobAssignment{Job: job("J_9"), Token: "tok"}}})

	failed := fs.expect(isJobUpdate(livekit.JobStatus_JS_FAILED)).GetUpdateJob()
	assert.Equal(t, "J_9", failed.GetJobId())
	assert.Contains(t, failed.GetError(), "no route")
}

func TestRunJob_RecoversPanic(t *testing.T) {
	jc := NewJobContext(job("J_P"), "ws://x", "tok", &fakeConnector{}, zaptest.NewLogger(t))
	err := RunJob(context.Background(), jc, func(context.Context, *JobContext) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunJob_WaitsForRoomAndRunsShutdown(t *testing.T) {
	connector := &fakeConnector{}
	jc := NewJobContext(job("J_R"), "ws://x", "tok", connector, zaptest.NewLogger(t))
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	errCh := make(chan error, 1)
	connected := make(chan struct{})
	go func() {
		errCh <- RunJob(context.Background(), jc, func(ctx context.Context, jc *JobContext) error {
			_, err := jc.Connect(ctx, rtc.SubscribeAudioOnly)
			jc.AddShutdownCallback(func(context.Context) { record("first") })
			jc.AddShutdownCallback(func(context.Context) { record("second") })
			close(connected)
			return err
		})
	}()

	<-connected
	select {
	case <-errCh:
		t.Fatalf("job returned while the room was open")
	case <-time.After(30 * time.Millisecond):
	}
	_, err := jc.Connect(context.Background(), rtc.SubscribeAll)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	jc.Room().Disconnect()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not finish after room closed")
	}
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()
}
