package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/rtc"
)

const shutdownTimeout = 10 * time.Second

var ErrAlreadyConnected = errors.New("worker: job already connected to its room")

// EntrypointFunc is invoked once per accepted job. The job keeps running
// after it returns until the room disconnects or the job is terminated.
type EntrypointFunc func(ctx context.Context, jc *JobContext) error

// JobContext is what an entrypoint sees of its job.
type JobContext struct {
	job       *livekit.Job
	url       string
	token     string
	connector rtc.Connector
	log       *zap.Logger

	mu       sync.Mutex
	room     rtc.Conn
	shutdown []func(context.Context)
}

func NewJobContext(job *livekit.Job, url, token string, connector rtc.Connector, log *zap.Logger) *JobContext {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobContext{
		job:       job,
		url:       url,
		token:     token,
		connector: connector,
		log:       log.With(zap.String("job_id", job.GetId()), zap.String("room", job.GetRoom().GetName())),
	}
}

func (jc *JobContext) Job() *livekit.Job { return jc.job }

func (jc *JobContext) Logger() *zap.Logger { return jc.log }

// Connect joins the job's room with the given subscription policy.
func (jc *JobContext) Connect(ctx context.Context, sub rtc.AutoSubscribe) (rtc.Conn, error) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.room != nil {
		return nil, ErrAlreadyConnected
	}
	if jc.connector == nil {
		return nil, errors.New("worker: no room connector")
	}
	room, err := jc.connector.Connect(ctx, jc.url, jc.token, sub)
	if err != nil {
		return nil, err
	}
	jc.room = room
	return room, nil
}

// Room returns the connected room, or nil before Connect.
func (jc *JobContext) Room() rtc.Conn {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.room
}

func (jc *JobContext) RoomName() string {
	if name := jc.job.GetRoom().GetName(); name != "" {
		return name
	}
	if room := jc.Room(); room != nil {
		return room.Name()
	}
	return ""
}

// AddShutdownCallback registers fn to run once the job ends, in
// registration order, before the room is disconnected.
func (jc *JobContext) AddShutdownCallback(fn func(ctx context.Context)) {
	jc.mu.Lock()
	jc.shutdown = append(jc.shutdown, fn)
	jc.mu.Unlock()
}

func (jc *JobContext) runShutdown(ctx context.Context) {
	jc.mu.Lock()
	callbacks := jc.shutdown
	jc.shutdown = nil
	jc.mu.Unlock()
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jc.log.Error("shutdown callback panic", zap.Any("panic", r))
				}
			}()
			fn(ctx)
		}()
	}
}

func (jc *JobContext) disconnect() {
	if room := jc.Room(); room != nil {
		room.Disconnect()
	}
}

type reportFunc func(status livekit.JobStatus, errText string)

// runJob drives a job from entrypoint to teardown and reports its status.
func runJob(ctx context.Context, jc *JobContext, entry EntrypointFunc, report reportFunc) error {
	report(livekit.JobStatus_JS_RUNNING, "")
	jc.log.Info("job started")

	err := callEntrypoint(ctx, jc, entry)
	if err == nil {
		if room := jc.Room(); room != nil {
			select {
			case <-room.Done():
				jc.log.Info("room closed")
			case <-ctx.Done():
				jc.log.Info("job terminated")
			}
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	jc.runShutdown(sctx)
	cancel()
	jc.disconnect()

	if err != nil && !errors.Is(err, context.Canceled) {
		jc.log.Error("job failed", zap.Error(err))
		report(livekit.JobStatus_JS_FAILED, err.Error())
		return err
	}
	jc.log.Info("job finished")
	report(livekit.JobStatus_JS_SUCCESS, "")
	return nil
}

func callEntrypoint(ctx context.Context, jc *JobContext, entry EntrypointFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entrypoint panic: %v", r)
		}
	}()
	return entry(ctx, jc)
}

// RunJob runs a single job in the calling goroutine, without a worker
// connection. It is used to join a room directly.
func RunJob(ctx context.Context, jc *JobContext, entry EntrypointFunc) error {
	return runJob(ctx, jc, entry, func(status livekit.JobStatus, errText string) {
		jc.log.Debug("job status", zap.Stringer("status", status), zap.String("error", errText))
	})
}
