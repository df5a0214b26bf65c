package loki

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrorReporter receives push failures so they can be logged without the
// pusher depending on any particular logging library.
type ErrorReporter interface {
	Error(msg string, args ...any)
}

type Config struct {

	// Url of the loki push endpoint, e.g. https://loki.example.com/loki/api/v1/push
	Url string `validate:"required,url"`

	// BatchMaxSize is the maximum number of log lines sent in one request.
	BatchMaxSize int `validate:"gte=1"`

	// BatchMaxWait is the maximum time a batch waits before being flushed.
	BatchMaxWait time.Duration `validate:"gte=1"`

	// Labels attached to every log line.
	Labels map[string]string

	// Optional basic-auth credentials.
	Username string
	Password string
}

func (cfg *Config) setDefaults() {
	if cfg.BatchMaxSize == 0 {
		cfg.BatchMaxSize = 1000
	}
	if cfg.BatchMaxWait == 0 {
		cfg.BatchMaxWait = 5 * time.Second
	}
	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
}

type Entry struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
	Caller  string `json:"caller"`
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// Pusher batches log entries and ships them to Loki in gzip-compressed
// requests. Entries are dropped only if marshalling fails.
type Pusher struct {
	config   Config
	client   *http.Client
	entries  chan Entry
	quit     chan struct{}
	wg       sync.WaitGroup
	batch    [][]string
	reporter ErrorReporter
}

func New(cfg Config, reporter ErrorReporter) (*Pusher, error) {

	cfg.setDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return nil, err
	}

	p := &Pusher{
		config:   cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		entries:  make(chan Entry),
		quit:     make(chan struct{}),
		batch:    make([][]string, 0, cfg.BatchMaxSize),
		reporter: reporter,
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

func (p *Pusher) Push(e Entry) error {
	p.entries <- e
	return nil
}

// Stop flushes the pending batch and shuts down the background worker.
func (p *Pusher) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Pusher) run() {
	ticker := time.NewTicker(p.config.BatchMaxWait)
	defer ticker.Stop()

	flush := func() {
		if err := p.send(); err != nil {
			p.reporter.Error("failed to send logs to loki", "error", err)
		}
		p.batch = p.batch[:0]
	}

	defer func() {
		if len(p.batch) > 0 {
			flush()
		}
		p.wg.Done()
	}()

	for {
		select {
		case <-p.quit:
			return
		case entry := <-p.entries:
			if line := encodeEntry(entry); line != nil {
				p.batch = append(p.batch, line)
			}
			if len(p.batch) >= p.config.BatchMaxSize {
				flush()
			}
		case <-ticker.C:
			if len(p.batch) > 0 {
				flush()
			}
		}
	}
}

func encodeEntry(entry Entry) []string {
	entryJson, err := json.Marshal(entry)
	if err != nil {
		return nil
	}
	return []string{strconv.FormatInt(time.Now().UnixNano(), 10), string(entryJson)}
}

func (p *Pusher) send() error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	payload := pushRequest{Streams: []stream{{Stream: p.config.Labels, Values: p.batch}}}
	if err := json.NewEncoder(gz).Encode(payload); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, p.config.Url, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	if p.config.Username != "" && p.config.Password != "" {
		req.SetBasicAuth(p.config.Username, p.config.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected response code from loki: %s", resp.Status)
	}

	return nil
}
