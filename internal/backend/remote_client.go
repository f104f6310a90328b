package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/opencoach/internal/update"
)

// RemoteBackend is the HTTP/SSE client half of C11: POSTs Actions to a
// remote opencoach `serve` instance and reads its SSE Update stream. The
// SSE line parser follows the same event:/data: framing internal/provider/
// anthropic.go's push-parser uses for provider streams — the pattern
// recurs because both are "read one line at a time, dispatch on a field
// prefix" problems.
type RemoteBackend struct {
	baseURL   string
	sessionID string
	client    *http.Client

	mu      sync.Mutex
	updates chan update.Envelope
	cancel  context.CancelFunc
}

// NewRemote connects to baseURL (e.g. "http://localhost:4096") for
// sessionID and begins streaming Updates immediately.
func NewRemote(ctx context.Context, baseURL, sessionID string) (*RemoteBackend, error) {
	ctx, cancel := context.WithCancel(ctx)
	rb := &RemoteBackend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		client:    http.DefaultClient,
		updates:   make(chan update.Envelope, 64),
		cancel:    cancel,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/sessions/%s/updates", rb.baseURL, sessionID), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := rb.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backend: connect to updates stream: %w", err)
	}
	go rb.pump(resp)
	return rb, nil
}

func (rb *RemoteBackend) pump(resp *http.Response) {
	defer resp.Body.Close()
	defer close(rb.updates)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var dataBuf bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimPrefix(line, "data:"))
		case line == "":
			if dataBuf.Len() == 0 {
				continue
			}
			var env update.Envelope
			if err := json.Unmarshal(dataBuf.Bytes(), &env); err != nil {
				log.Warn().Err(err).Msg("backend: malformed SSE update frame")
			} else {
				rb.updates <- env
			}
			dataBuf.Reset()
		}
	}
}

func (rb *RemoteBackend) SendAction(ctx context.Context, action update.ActionEnvelope) error {
	action.SessionID = rb.sessionID
	data, err := json.Marshal(action)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/sessions/%s/actions", rb.baseURL, rb.sessionID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := rb.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: send action: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend: send action: server returned %s", resp.Status)
	}
	return nil
}

func (rb *RemoteBackend) Updates() <-chan update.Envelope { return rb.updates }

func (rb *RemoteBackend) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.cancel()
	return nil
}
