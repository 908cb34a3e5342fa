package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
)

const assemblyAIStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

// AssemblyAI accepts 50-1000ms of audio per binary message.
const assemblyAIChunkMs = 50

// AssemblyAI message types
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// AssemblyAIOptions configures the streaming transcription client.
type AssemblyAIOptions struct {
	APIKey string
	// URL overrides the streaming endpoint.
	URL              string
	FormatTurns      bool
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// AssemblyAIClient streams one utterance per websocket session and collects
// the turns AssemblyAI reports until it terminates the session.
type AssemblyAIClient struct {
	apiKey      string
	url         string
	formatTurns bool
	dialer      websocket.Dialer
	log         *zap.Logger
}

var _ agent.STT = (*AssemblyAIClient)(nil)

func NewAssemblyAIClient(opts AssemblyAIOptions) (*AssemblyAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("AssemblyAI API key is empty")
	}
	if opts.URL == "" {
		opts.URL = assemblyAIStreamingURL
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &AssemblyAIClient{
		apiKey:      opts.APIKey,
		url:         opts.URL,
		formatTurns: opts.FormatTurns,
		dialer:      websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:         opts.Logger.With(zap.String("stt", "assemblyai")),
	}, nil
}

func (c *AssemblyAIClient) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) < 2 {
		return "", nil
	}
	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("format_turns", strconv.FormatBool(c.formatTurns))
	params.Set("encoding", "pcm_s16le")
	wsURL := c.url + "?" + params.Encode()

	headers := http.Header{"Authorization": {c.apiKey}}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("failed to connect to AssemblyAI (status %d): %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}
	defer conn.Close()

	// unblock reads when the caller gives up
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.sendUtterance(conn, pcm, sampleRate) }()

	turns, err := c.readTurns(conn)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if err := <-writeErr; err != nil {
		return "", err
	}
	return joinTurns(turns), nil
}

// sendUtterance writes pcm in fixed chunks and then asks the server to
// terminate the session.
func (c *AssemblyAIClient) sendUtterance(conn *websocket.Conn, pcm []byte, sampleRate int) error {
	for _, chunk := range splitUtterance(pcm, sampleRate) {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("assemblyai: send audio: %w", err)
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		return fmt.Errorf("assemblyai: terminate: %w", err)
	}
	return nil
}

// splitUtterance cuts pcm into assemblyAIChunkMs slices. A short tail is
// folded into the slice before it, and an utterance shorter than one slice
// is padded with silence, so every message stays within 50-1000ms.
func splitUtterance(pcm []byte, sampleRate int) [][]byte {
	size := sampleRate * assemblyAIChunkMs / 1000 * 2
	if size <= 0 {
		return [][]byte{pcm}
	}
	if len(pcm) < size {
		padded := make([]byte, size)
		copy(padded, pcm)
		return [][]byte{padded}
	}
	var chunks [][]byte
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if len(pcm)-end < size {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[off:end])
		if end == len(pcm) {
			break
		}
	}
	return chunks
}

// readTurns processes messages until Termination. It keeps the latest
// transcript of every turn.
func (c *AssemblyAIClient) readTurns(conn *websocket.Conn) (map[int]string, error) {
	turns := map[int]string{}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("assemblyai: read: %w", err)
		}
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &base); err != nil {
			c.log.Warn("error unmarshaling message", zap.Error(err))
			continue
		}
		switch base.Type {
		case "Begin":
			var msg beginMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				c.log.Debug("session began", zap.String("session_id", msg.ID), zap.Time("expires_at", time.Unix(msg.ExpiresAt, 0)))
			}
		case "Turn":
			var msg turnMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				c.log.Warn("error unmarshaling Turn message", zap.Error(err))
				continue
			}
			if msg.Transcript != "" {
				turns[msg.TurnOrder] = msg.Transcript
			}
		case "Termination":
			var msg terminationMessage
			_ = json.Unmarshal(message, &msg)
			c.log.Debug("session terminated",
				zap.Float64("audio_seconds", msg.AudioDurationSeconds),
				zap.Float64("session_seconds", msg.SessionDurationSeconds))
			return turns, nil
		case "Error":
			var msg errorMessage
			_ = json.Unmarshal(message, &msg)
			return nil, fmt.Errorf("assemblyai: %s", msg.Error)
		default:
			c.log.Debug("unknown message type", zap.String("type", base.Type))
		}
	}
}

func joinTurns(turns map[int]string) string {
	orders := make([]int, 0, len(turns))
	for k := range turns {
		orders = append(orders, k)
	}
	sort.Ints(orders)
	parts := make([]string, 0, len(orders))
	for _, k := range orders {
		if t := strings.TrimSpace(turns[k]); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
