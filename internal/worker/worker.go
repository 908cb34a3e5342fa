// Package worker registers with a LiveKit server as an agent worker, accepts
// room jobs and runs an entrypoint for each of them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/wajjih/AI-Voice-Assistant/internal/rtc"
	"github.com/wajjih/AI-Voice-Assistant/internal/token"
)

const (
	sendBacklog      = 64
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
)

var ErrRegistration = errors.New("worker: registration failed")

// Options configures a Worker.
type Options struct {
	URL       string
	APIKey    string
	APISecret string
	AgentName string
	Version   string

	// MaxJobs caps concurrent jobs; availability requests beyond it are declined.
	MaxJobs      int
	LoadInterval time.Duration
	PingInterval time.Duration

	Entrypoint EntrypointFunc
	Connector  rtc.Connector
	Logger     *zap.Logger
	Metrics    *Metrics
}

// JobInfo describes a running job.
type JobInfo struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a snapshot of the worker.
type Status struct {
	ID         string    `json:"id"`
	AgentName  string    `json:"agent_name,omitempty"`
	Connected  bool      `json:"connected"`
	ActiveJobs int       `json:"active_jobs"`
	MaxJobs    int       `json:"max_jobs"`
	Jobs       []JobInfo `json:"jobs"`
}

type activeJob struct {
	info   JobInfo
	cancel context.CancelFunc
}

type Worker struct {
	opts    Options
	log     *zap.Logger
	metrics *Metrics

	send chan *livekit.WorkerMessage

	mu        sync.Mutex
	id        string
	connected bool
	jobs      map[string]*activeJob
	jobCtx    context.Context
	jobWG     sync.WaitGroup
}

func New(opts Options) (*Worker, error) {
	if opts.URL == "" {
		return nil, errors.New("worker: LiveKit URL is required")
	}
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, token.ErrMissingCredentials
	}
	if opts.Entrypoint == nil {
		return nil, errors.New("worker: entrypoint is required")
	}
	if opts.Connector == nil {
		opts.Connector = rtc.LiveKitConnector{Logger: opts.Logger}
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 8
	}
	if opts.LoadInterval <= 0 {
		opts.LoadInterval = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics("")
	}
	return &Worker{
		opts:    opts,
		log:     opts.Logger.With(zap.String("agent_name", opts.AgentName)),
		metrics: opts.Metrics,
		send:    make(chan *livekit.WorkerMessage, sendBacklog),
		jobs:    make(map[string]*activeJob),
	}, nil
}

func (w *Worker) Metrics() *Metrics { return w.metrics }

// ID returns the id assigned by the server, empty until registered.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		ID:         w.id,
		AgentName:  w.opts.AgentName,
		Connected:  w.connected,
		ActiveJobs: len(w.jobs),
		MaxJobs:    w.opts.MaxJobs,
		Jobs:       make([]JobInfo, 0, len(w.jobs)),
	}
	for _, j := range w.jobs {
		st.Jobs = append(st.Jobs, j.info)
	}
	return st
}

// Run connects to the server and serves jobs until ctx is cancelled,
// reconnecting with backoff. On return all jobs have finished.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	w.mu.Lock()
	w.jobCtx = jobCtx
	w.mu.Unlock()
	defer func() {
		cancelJobs()
		w.jobWG.Wait()
	}()

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.metrics.Reconnects.Inc()
		}
		start := time.Now()
		err := w.serve(ctx)
		w.setConnected(false)
		if ctx.Err() != nil {
			w.log.Info("worker stopping", zap.Int("active_jobs", w.Status().ActiveJobs))
			return nil
		}
		if time.Since(start) > maxBackoff {
			backoff = time.Second
		}
		w.log.Warn("worker connection lost, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (w *Worker) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
	if v {
		w.metrics.Connected.Set(1)
	} else {
		w.metrics.Connected.Set(0)
	}
}

func (w *Worker) serve(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := w.register(conn); err != nil {
		return err
	}
	w.setConnected(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		// unblocks the reader
		conn.Close()
		return nil
	})
	g.Go(func() error { return w.readLoop(gctx, conn) })
	g.Go(func() error { return w.writeLoop(gctx, conn) })
	return g.Wait()
}

func (w *Worker) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := agentURL(w.opts.URL)
	if err != nil {
		return nil, err
	}
	jwt, err := token.Minter{APIKey: w.opts.APIKey, APISecret: w.opts.APISecret}.WorkerToken("")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+jwt)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

// agentURL maps a LiveKit server URL to its agent websocket endpoint.
func agentURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse LiveKit URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported LiveKit URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agent"
	return u.String(), nil
}

func (w *Worker) register(conn *websocket.Conn) error {
	req := &livekit.WorkerMessage{Message: &livekit.WorkerMessage_Register{Register: &livekit.RegisterWorkerRequest{
		Type:      livekit.JobType_JT_ROOM,
		AgentName: w.opts.AgentName,
		Version:   w.opts.Version,
		AllowedPermissions: &livekit.ParticipantPermission{
			CanPublish:        true,
			CanSubscribe:      true,
			CanPublishData:    true,
			CanUpdateMetadata: true,
			Agent:             true,
		},
	}}}
	if err := writeMessage(conn, req); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRegistration, err)
		}
		if reg := msg.GetRegister(); reg != nil {
			w.mu.Lock()
			w.id = reg.GetWorkerId()
			w.mu.Unlock()
			w.log.Info("registered worker", zap.String("worker_id", reg.GetWorkerId()), zap.String("server_version", reg.GetServerInfo().GetVersion()))
			return nil
		}
		w.log.Debug("ignoring message before registration")
	}
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msg, err := readMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		w.handle(msg)
	}
}

func (w *Worker) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ping := time.NewTicker(w.opts.PingInterval)
	defer ping.Stop()
	load := time.NewTicker(w.opts.LoadInterval)
	defer load.Stop()
	for {
		var msg *livekit.WorkerMessage
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case msg = <-w.send:
		case <-ping.C:
			msg = &livekit.WorkerMessage{Message: &livekit.WorkerMessage_Ping{Ping: &livekit.WorkerPing{Timestamp: time.Now().UnixMilli()}}}
		case <-load.C:
			msg = w.statusMessage()
		}
		if err := writeMessage(conn, msg); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (w *Worker) enqueue(msg *livekit.WorkerMessage) {
	select {
	case w.send <- msg:
	default:
		w.log.Warn("worker send backlog full, dropping message")
	}
}

func (w *Worker) statusMessage() *livekit.WorkerMessage {
	w.mu.Lock()
	active := len(w.jobs)
	w.mu.Unlock()
	status := livekit.WorkerStatus_WS_AVAILABLE
	if active >= w.opts.MaxJobs {
		status = livekit.WorkerStatus_WS_FULL
	}
	loadValue := float32(active) / float32(w.opts.MaxJobs)
	w.metrics.Load.Set(float64(loadValue))
	return &livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateWorker{UpdateWorker: &livekit.UpdateWorkerStatus{
		Status:   status.Enum(),
		Load:     loadValue,
		JobCount: uint32(active),
	}}}
}

func (w *Worker) handle(msg *livekit.ServerMessage) {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Availability:
		w.handleAvailability(m.Availability.GetJob())
	case *livekit.ServerMessage_Assignment:
		a := m.Assignment
		u := a.GetUrl()
		if u == "" {
			u = w.opts.URL
		}
		w.launch(a.GetJob(), u, a.GetToken())
	case *livekit.ServerMessage_Termination:
		w.terminate(m.Termination.GetJobId())
	case *livekit.ServerMessage_Pong:
		w.log.Debug("pong", zap.Int64("rtt_ms", time.Now().UnixMilli()-m.Pong.GetLastTimestamp()))
	case *livekit.ServerMessage_Register:
		w.log.Debug("unexpected register response")
	default:
		w.log.Debug("unhandled server message", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (w *Worker) handleAvailability(job *livekit.Job) {
	w.mu.Lock()
	available := len(w.jobs) < w.opts.MaxJobs
	w.mu.Unlock()
	w.metrics.availabilityAnswered(available)
	w.log.Info("availability request",
		zap.String("job_id", job.GetId()),
		zap.String("room", job.GetRoom().GetName()),
		zap.Bool("available", available))

	name := w.opts.AgentName
	if name == "" {
		name = "assistant"
	}
	w.enqueue(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Availability{Availability: &livekit.AvailabilityResponse{
		JobId:               job.GetId(),
		Available:           available,
		ParticipantIdentity: "agent-" + job.GetId(),
		ParticipantName:     name,
	}}})
}

func (w *Worker) launch(job *livekit.Job, u, tok string) {
	if job == nil {
		return
	}
	w.mu.Lock()
	if _, dup := w.jobs[job.GetId()]; dup {
		w.mu.Unlock()
		w.log.Warn("duplicate job assignment", zap.String("job_id", job.GetId()))
		return
	}
	ctx, cancel := context.WithCancel(w.jobCtx)
	w.jobs[job.GetId()] = &activeJob{
		info:   JobInfo{ID: job.GetId(), Room: job.GetRoom().GetName(), StartedAt: time.Now()},
		cancel: cancel,
	}
	w.jobWG.Add(1)
	w.mu.Unlock()
	w.metrics.jobStarted()

	jc := NewJobContext(job, u, tok, w.opts.Connector, w.opts.Logger)
	go func() {
		defer w.jobWG.Done()
		defer cancel()
		start := time.Now()
		outcome := "success"
		if err := runJob(ctx, jc, w.opts.Entrypoint, func(status livekit.JobStatus, errText string) {
			w.enqueue(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateJob{UpdateJob: &livekit.UpdateJobStatus{
				JobId:  job.GetId(),
				Status: status,
				Error:  errText,
			}}})
		}); err != nil {
			outcome = "failed"
		}
		w.mu.Lock()
		delete(w.jobs, job.GetId())
		w.mu.Unlock()
		w.metrics.jobFinished(outcome, time.Since(start))
		w.enqueue(w.statusMessage())
	}()
	w.enqueue(w.statusMessage())
}

func (w *Worker) terminate(jobID string) {
	w.mu.Lock()
	j, ok := w.jobs[jobID]
	w.mu.Unlock()
	if !ok {
		w.log.Debug("termination for unknown job", zap.String("job_id", jobID))
		return
	}
	w.log.Info("terminating job", zap.String("job_id", jobID))
	j.cancel()
}

func writeMessage(conn *websocket.Conn, msg *livekit.WorkerMessage) error {
	b, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal worker message: %w", err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func readMessage(conn *websocket.Conn) (*livekit.ServerMessage, error) {
	for {
		typ, b, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		msg := &livekit.ServerMessage{}
		if err := proto.Unmarshal(b, msg); err != nil {
			return nil, fmt.Errorf("unmarshal server message: %w", err)
		}
		return msg, nil
	}
}
