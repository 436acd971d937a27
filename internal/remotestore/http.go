package remotestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/message"
	"github.com/MarcoPoloResearchLab/undertow/internal/replicate"
	"go.uber.org/zap"
)

const (
	pathMessages = "/v1/messages"
	pathStream   = "/v1/stream"

	sseEventMessageBatch = "message-batch"
	ssePrefixEvent       = "event:"
	ssePrefixData        = "data:"

	defaultRequestTimeout = 30 * time.Second
)

var errMissingBaseURL = errors.New("remotestore: base url is required")

// HTTPStoreConfig configures a relay client.
type HTTPStoreConfig struct {
	// BaseURL is the relay root, e.g. https://sync.example.com.
	BaseURL string
	// Token is the bearer sync token presented on every request.
	Token string
	// HTTPClient serves push and pull requests. Defaults to a client
	// with a 30 second timeout. The live tail always uses an untimed
	// client so the stream can stay open.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPStore talks to the relay over its JSON API and server-sent
// events live tail.
type HTTPStore struct {
	baseURL      string
	token        string
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewHTTPStore validates the configuration and returns an HTTPStore.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPStore{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		client:       client,
		streamClient: &http.Client{},
		logger:       logger,
	}, nil
}

type pushRequestPayload struct {
	Messages []message.Message `json:"messages"`
}

type pushResponsePayload struct {
	AcceptedIDs []string `json:"accepted_ids"`
}

type pullResponsePayload struct {
	Messages []message.Message `json:"messages"`
}

// FetchSince pulls the user's messages after the cursor.
func (s *HTTPStore) FetchSince(ctx context.Context, cursor int64, userID, clientID string) ([]message.Message, error) {
	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("since", strconv.FormatInt(cursor, 10))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+pathMessages+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("remotestore: build pull request: %w", err)
	}
	s.authorize(request)

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remotestore: pull: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remotestore: pull: unexpected status %d", response.StatusCode)
	}

	var payload pullResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("remotestore: decode pull response: %w", err)
	}
	return payload.Messages, nil
}

// SendMessage pushes one message.
func (s *HTTPStore) SendMessage(ctx context.Context, m message.Message) (bool, error) {
	accepted, err := s.SendBatch(ctx, []message.Message{m})
	if err != nil {
		return false, err
	}
	return len(accepted) == 1, nil
}

// SendBatch pushes a batch and returns the accepted ids.
func (s *HTTPStore) SendBatch(ctx context.Context, batch []message.Message) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(pushRequestPayload{Messages: batch})
	if err != nil {
		return nil, fmt.Errorf("remotestore: marshal push payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+pathMessages, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remotestore: build push request: %w", err)
	}
	s.authorize(request)
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remotestore: push: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remotestore: push: unexpected status %d", response.StatusCode)
	}

	var payload pushResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("remotestore: decode push response: %w", err)
	}
	return payload.AcceptedIDs, nil
}

type httpSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (sub *httpSubscription) Cancel() {
	sub.once.Do(sub.cancel)
}

// Subscribe opens the SSE live tail. The relay first replays messages
// after the cursor, then streams new acceptances. A transport failure
// ends only this subscription; the caller resubscribes by toggling
// sync.
func (s *HTTPStore) Subscribe(ctx context.Context, userID, clientID string, cursor int64, onBatch func([]message.Message)) (replicate.Subscription, error) {
	query := url.Values{}
	query.Set("client_id", clientID)
	query.Set("cursor", strconv.FormatInt(cursor, 10))

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		s.baseURL+pathStream+"?"+query.Encode(), http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remotestore: build stream request: %w", err)
	}
	s.authorize(request)
	request.Header.Set("Accept", "text/event-stream")

	response, err := s.streamClient.Do(request)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remotestore: open stream: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		cancel()
		return nil, fmt.Errorf("remotestore: open stream: unexpected status %d", response.StatusCode)
	}

	go s.readStream(response, onBatch)
	return &httpSubscription{cancel: cancel}, nil
}

func (s *HTTPStore) readStream(response *http.Response, onBatch func([]message.Message)) {
	defer response.Body.Close()

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	currentEvent := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ssePrefixEvent) {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, ssePrefixEvent))
			continue
		}
		if !strings.HasPrefix(line, ssePrefixData) || currentEvent != sseEventMessageBatch {
			continue
		}
		dataJSON := strings.TrimSpace(strings.TrimPrefix(line, ssePrefixData))
		var batch []message.Message
		if err := json.Unmarshal([]byte(dataJSON), &batch); err != nil {
			s.logger.Warn("discarding malformed stream batch", zap.Error(err))
			continue
		}
		if len(batch) > 0 {
			onBatch(batch)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("live tail closed", zap.Error(err))
	}
}

func (s *HTTPStore) authorize(request *http.Request) {
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}
}
