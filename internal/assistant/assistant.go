// Package assistant is the voice assistant job: it joins the room, starts a
// session and greets the user.
package assistant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
	"github.com/wajjih/AI-Voice-Assistant/internal/infra/storage"
	"github.com/wajjih/AI-Voice-Assistant/internal/plugins"
	"github.com/wajjih/AI-Voice-Assistant/internal/rtc"
	"github.com/wajjih/AI-Voice-Assistant/internal/worker"
)

const (
	Instructions = "You are a helpful voice AI assistant."
	Greeting     = "Hey, how can I help you?"

	// DefaultGreetingDelay gives the participant's audio path time to settle
	// before the first words are spoken.
	DefaultGreetingDelay = time.Second
)

// NewAgent returns the assistant agent.
func NewAgent() agent.Agent {
	return agent.Agent{Instructions: Instructions}
}

// Assistant runs one voice session per job.
type Assistant struct {
	Plugins plugins.Set
	// GreetingDelay overrides DefaultGreetingDelay when set. Zero greets at once.
	GreetingDelay *time.Duration
	// Store receives the transcript when the job ends. Nil disables storage.
	Store storage.TranscriptStore
}

func (a *Assistant) greetingDelay() time.Duration {
	if a.GreetingDelay != nil && *a.GreetingDelay >= 0 {
		return *a.GreetingDelay
	}
	return DefaultGreetingDelay
}

// Entrypoint is the worker entrypoint. It returns once the greeting is
// queued; the job lives on until the room closes.
func (a *Assistant) Entrypoint(ctx context.Context, jc *worker.JobContext) error {
	log := jc.Logger()

	room, err := jc.Connect(ctx, rtc.SubscribeAudioOnly)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	startedAt := time.Now()
	session := agent.NewSession(a.Plugins.SessionOptions(log))
	jc.AddShutdownCallback(func(ctx context.Context) {
		_ = session.Close()
		a.saveTranscript(ctx, jc, session, startedAt)
	})

	if err := session.Start(ctx, room, NewAgent()); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	h, err := a.greet(ctx, session)
	if err != nil {
		return err
	}
	log.Info("greeting queued", zap.String("speech_id", h.ID()))
	return nil
}

// greet waits for the greeting delay, then says the greeting.
func (a *Assistant) greet(ctx context.Context, session *agent.Session) (*agent.SpeechHandle, error) {
	timer := time.NewTimer(a.greetingDelay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	h, err := session.Say(ctx, Greeting, agent.SayOptions{AllowInterruptions: true})
	if err != nil {
		return nil, fmt.Errorf("say greeting: %w", err)
	}
	return h, nil
}

func (a *Assistant) saveTranscript(ctx context.Context, jc *worker.JobContext, session *agent.Session, startedAt time.Time) {
	if a.Store == nil {
		return
	}
	history := session.History()
	if len(history) == 0 {
		return
	}
	key, err := a.Store.SaveTranscript(ctx, storage.Transcript{
		JobID:        jc.Job().GetId(),
		Room:         jc.RoomName(),
		Instructions: session.Agent().Instructions,
		StartedAt:    startedAt,
		EndedAt:      time.Now(),
		Messages:     history,
	})
	if err != nil {
		jc.Logger().Error("failed to store transcript", zap.Error(err))
		return
	}
	jc.Logger().Info("transcript stored", zap.String("key", key), zap.Int("messages", len(history)))
}
