package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/idrisalani/school-management-system-sub002/internal/config"
	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
)

// ErrShipperClosed is returned by Ship once the shipper has been closed
var ErrShipperClosed = errors.New("webhook shipper is closed")

// Shipper forwards stored audit entries to an external destination such as a SIEM
type Shipper interface {
	Ship(ctx context.Context, entry *models.AuditEntry) error
	Close() error
}

// MultiShipper fans entries out to every configured destination
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper builds shippers for every enabled config entry. It returns nil, nil
// when nothing is enabled so callers can skip shipping entirely.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var (
			shipper Shipper
			err     error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, shipper)
	}

	if len(ms.shippers) == 0 {
		return nil, nil
	}
	return ms, nil
}

// NewMultiShipperFrom wraps already constructed shippers
func NewMultiShipperFrom(shippers ...Shipper) *MultiShipper {
	return &MultiShipper{shippers: shippers}
}

// Len returns the number of destinations
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends entry to every destination and joins their errors
func (ms *MultiShipper) Ship(ctx context.Context, entry *models.AuditEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every destination
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookShipper POSTs entries as JSON, either one per request or as batched arrays
type WebhookShipper struct {
	url       string
	headers   map[string]string
	batchSize int
	flush     time.Duration
	timeout   time.Duration
	client    *http.Client

	batchCh   chan *models.AuditEntry
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	// mu orders enqueues before the close so the final drain sees every accepted entry
	mu     sync.RWMutex
	closed bool
}

// NewWebhookShipper creates a webhook shipper. batch_size > 0 starts a background
// batcher that flushes on size or every flush_interval_secs.
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	flush := time.Duration(cfg.FlushInterval) * time.Second
	if flush <= 0 {
		flush = 5 * time.Second
	}

	ws := &WebhookShipper{
		url:       cfg.URL,
		headers:   cfg.Headers,
		batchSize: cfg.BatchSize,
		flush:     flush,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		batchCh:   make(chan *models.AuditEntry, 1000),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if ws.batchSize > 0 {
		go ws.processBatches()
	} else {
		close(ws.doneCh)
	}
	return ws, nil
}

func (ws *WebhookShipper) processBatches() {
	defer close(ws.doneCh)

	ticker := time.NewTicker(ws.flush)
	defer ticker.Stop()

	batch := make([]*models.AuditEntry, 0, ws.batchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		ws.sendBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-ws.batchCh:
			batch = append(batch, entry)
			if len(batch) >= ws.batchSize {
				send()
			}
		case <-ticker.C:
			send()
		case <-ws.closeCh:
			for {
				select {
				case entry := <-ws.batchCh:
					batch = append(batch, entry)
				default:
					send()
					return
				}
			}
		}
	}
}

func (ws *WebhookShipper) sendBatch(batch []*models.AuditEntry) {
	data, err := json.Marshal(batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "size", len(batch), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()
	if err := ws.post(ctx, data); err != nil {
		slog.Warn("failed to send audit batch", "size", len(batch), "error", err)
	}
}

// Ship queues entry when batching, falling back to a direct send when the queue is full
func (ws *WebhookShipper) Ship(ctx context.Context, entry *models.AuditEntry) error {
	if ws.batchSize > 0 {
		ws.mu.RLock()
		if ws.closed {
			ws.mu.RUnlock()
			return ErrShipperClosed
		}
		select {
		case ws.batchCh <- entry:
			ws.mu.RUnlock()
			return nil
		default:
		}
		ws.mu.RUnlock()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return ws.post(ctx, data)
}

func (ws *WebhookShipper) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes any queued batch and stops the batcher
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		ws.mu.Lock()
		ws.closed = true
		close(ws.closeCh)
		ws.mu.Unlock()
	})
	<-ws.doneCh
	return nil
}

// FileShipper appends entries as JSON lines, rotating by size
type FileShipper struct {
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	mu         sync.Mutex
}

// NewFileShipper opens (or creates) the target file for appending
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		file:       file,
	}, nil
}

// Ship writes entry as one line
func (fs *FileShipper) Ship(_ context.Context, entry *models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxBytes > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size()+int64(len(data))+1 > fs.maxBytes && info.Size() > 0 {
			if err := fs.rotate(); err != nil {
				return fmt.Errorf("failed to rotate audit log: %w", err)
			}
		}
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens path.
// Backups beyond maxBackups are removed; maxBackups 0 discards the old file.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	if fs.maxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxBackups))
		for i := fs.maxBackups - 1; i >= 1; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
		}
		if err := os.Rename(fs.path, fs.path+".1"); err != nil {
			return err
		}
	} else if err := os.Remove(fs.path); err != nil {
		return err
	}

	file, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
