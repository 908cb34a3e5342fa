// Package storage persists session transcripts in Supabase Storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"

	"github.com/wajjih/AI-Voice-Assistant/internal/agent"
)

// Transcript is the stored record of one job.
type Transcript struct {
	JobID        string              `json:"job_id"`
	Room         string              `json:"room"`
	Instructions string              `json:"instructions"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at"`
	Messages     []agent.ChatMessage `json:"messages"`
}

// TranscriptStore saves transcripts.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t Transcript) (string, error)
}

type fileUploader interface {
	UploadFile(bucketID, relativePath string, data io.Reader, opts ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// Config holds Supabase storage settings.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseStorage implements TranscriptStore using Supabase's Storage API.
type SupabaseStorage struct {
	// the storage client keeps upload options in shared headers
	mu     sync.Mutex
	files  fileUploader
	bucket string
}

var _ TranscriptStore = (*SupabaseStorage)(nil)

// NewSupabaseStorage constructs a new Supabase storage client.
func NewSupabaseStorage(cfg Config) (*SupabaseStorage, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("missing Supabase bucket")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create Supabase client: %w", err)
	}
	return &SupabaseStorage{files: client.Storage, bucket: cfg.Bucket}, nil
}

// TranscriptKey is the object key of a job's transcript. Room and job id are
// reduced to safe characters so each stays one segment under transcripts/.
func TranscriptKey(room, jobID string) string {
	return path.Join("transcripts", keySegment(room), keySegment(jobID)+".json")
}

func keySegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if strings.Trim(s, ".") == "" {
		return "_" + s
	}
	return s
}

func (s *SupabaseStorage) SaveTranscript(ctx context.Context, t Transcript) (string, error) {
	if t.JobID == "" {
		return "", errors.New("transcript without job id")
	}
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	key := TranscriptKey(t.Room, t.JobID)
	if err := s.upload(ctx, key, "application/json", body); err != nil {
		return "", err
	}
	return key, nil
}

func (s *SupabaseStorage) upload(ctx context.Context, key, contentType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	upsert := true
	cacheControl := "3600"
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.files.UploadFile(s.bucket, key, bytes.NewReader(body), storage_go.FileOptions{
		ContentType:  &contentType,
		CacheControl: &cacheControl,
		Upsert:       &upsert,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("failed to upload to Supabase: %s: %s", resp.Error, resp.Message)
	}
	return nil
}
