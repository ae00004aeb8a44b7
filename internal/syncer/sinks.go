package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const sinkTimeout = 30 * time.Second

// HTTPSinkConfig configures an HTTPSink. When TokenURL is set the sink
// authenticates with the OAuth2 client-credentials flow; otherwise Token,
// if any, is sent as a static bearer token.
type HTTPSinkConfig struct {
	Endpoint     string
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// HTTPSink posts each batch as JSON to a dataset endpoint.
type HTTPSink struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPSink creates a sink for cfg.Endpoint. Token fetches use ctx's
// values but not its cancellation, so the sink keeps working after the
// context that built it is done; each Push is bounded by its own context.
func NewHTTPSink(ctx context.Context, cfg HTTPSinkConfig) *HTTPSink {
	s := &HTTPSink{
		endpoint:   cfg.Endpoint,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: sinkTimeout},
	}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		s.httpClient = cc.Client(context.WithoutCancel(ctx))
		s.httpClient.Timeout = sinkTimeout
		s.token = ""
	}
	return s
}

func (s *HTTPSink) Push(ctx context.Context, batch Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshalling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting batch to %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("dataset endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FileSink appends every record of a batch to a file as one JSON line.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink appending to path. The file and its directory
// are created on first push.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Push(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening export file: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range batch.Records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("encoding record %s: %w", r.ID, err)
		}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("writing export file: %w", err)
	}
	return f.Close()
}
