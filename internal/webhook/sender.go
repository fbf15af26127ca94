package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openbio/exphub/internal/config"
	"github.com/openbio/exphub/internal/core"
)

type payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type experimentEventData struct {
	ExperimentID string `json:"experiment_id"`
	SubmitterID  string `json:"submitter_id"`
	Status       string `json:"status"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

type task struct {
	target  config.WebhookTarget
	event   string
	payload *payload
	attempt int
}

// Sender delivers experiment lifecycle events to configured targets with
// retries. It implements the queue's Notifier and never blocks the caller;
// when the buffer is full events are dropped with a log line.
type Sender struct {
	targets    []config.WebhookTarget
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	queue      chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewSender(cfg config.WebhooksConfig) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Sender{
		targets: cfg.Targets,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan *task, 100),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < 3; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// ExperimentEvent implements core.Notifier.
func (s *Sender) ExperimentEvent(event string, exp *core.Experiment) {
	if len(s.targets) == 0 {
		return
	}

	data := &experimentEventData{
		ExperimentID: exp.ID,
		SubmitterID:  exp.SubmitterID,
		Status:       string(exp.Status),
		ExitCode:     exp.ExitCode,
		ErrorMessage: exp.ErrorMessage,
	}
	if exp.StartedAt != nil && exp.CompletedAt != nil {
		data.DurationMS = exp.CompletedAt.Sub(*exp.StartedAt).Milliseconds()
	}

	for _, target := range s.targets {
		if !targetWants(target, event) {
			continue
		}

		t := &task{
			target: target,
			event:  event,
			payload: &payload{
				Event:     event,
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			log.Printf("[webhook] queue full, dropping %s for target %s", event, target.Name)
		}
	}
}

func targetWants(target config.WebhookTarget, event string) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, e := range target.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				log.Printf("[webhook worker %d] failed to deliver %s to %s after %d attempts: %v",
					id, t.event, t.target.Name, t.attempt, err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.target, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			log.Printf("[webhook] client error from %s, not retrying: %v", t.target.Name, err)
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(target config.WebhookTarget, p *payload) error {
	dataBytes, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if target.Secret != "" {
		p.Signature = signPayload(dataBytes, target.Secret)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", p.Signature)
	req.Header.Set("X-Webhook-Event", p.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func signPayload(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "http error: 4")
}
