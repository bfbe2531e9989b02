// Package export journals ledger events and pushes them in batches to a webhook.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
)

// Journal is the durable, ordered record of events
type Journal interface {
	AppendEvent(data []byte) (seq uint64, err error)
}

// Config holds configuration for event export
type Config struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	ExportInterval string `yaml:"export_interval" json:"export_interval"`
	WebhookURL     string `yaml:"webhook_url" json:"webhook_url"`
	WebhookAPIKey  string `yaml:"webhook_api_key" json:"-"`
	RetryMax       int    `yaml:"retry_max" json:"retry_max"`
}

// Record is an event with its journal sequence number
type Record struct {
	Seq uint64 `json:"seq"`
	ledger.Event
}

// Exporter receives every ledger event through Observe
type Exporter struct {
	config     Config
	journal    Journal
	httpClient *retryablehttp.Client

	mutex      sync.Mutex
	batch      []Record
	lastExport time.Time
	exported   uint64
	failures   uint64

	exportInterval time.Duration
	flush          chan struct{}
	cancel         context.CancelFunc
	done           chan struct{}
}

// New creates an exporter. journal may be nil; the webhook is only used
// when export is enabled and a URL is configured.
func New(config Config, journal Journal) *Exporter {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	interval, err := time.ParseDuration(config.ExportInterval)
	if err != nil || interval <= 0 {
		interval = time.Minute
	}

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	e := &Exporter{
		config:         config,
		journal:        journal,
		httpClient:     client,
		exportInterval: interval,
		flush:          make(chan struct{}, 1),
	}

	if e.webhook() {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.done = make(chan struct{})
		go e.periodicExport(ctx)
		logrus.WithField("url", config.WebhookURL).Info("Event exporter initialized")
	}
	return e
}

func (e *Exporter) webhook() bool {
	return e.config.Enabled && e.config.WebhookURL != ""
}

// Observe journals ev and queues it for export. It runs inside the ledger's
// critical section and never blocks on the network.
func (e *Exporter) Observe(ev ledger.Event) {
	rec := Record{Event: ev}

	if e.journal != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			rec.Seq, err = e.journal.AppendEvent(data)
		}
		if err != nil {
			logrus.WithError(err).WithField("kind", ev.Kind).Error("Failed to journal ledger event")
		}
	}

	if !e.webhook() {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.batch = append(e.batch, rec)
	e.trim()
	if len(e.batch) >= e.config.BatchSize {
		select {
		case e.flush <- struct{}{}:
		default:
		}
	}
}

// trim drops the oldest queued events beyond ten batches. The caller must
// hold the mutex.
func (e *Exporter) trim() {
	if limit := 10 * e.config.BatchSize; len(e.batch) > limit {
		logrus.Warnf("Event export backlog full, dropping %d oldest events", len(e.batch)-limit)
		e.batch = e.batch[len(e.batch)-limit:]
	}
}

func (e *Exporter) periodicExport(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.exportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-e.flush:
		case <-ctx.Done():
			return
		}
		if err := e.Flush(ctx); err != nil {
			logrus.Errorf("Failed to export events: %v", err)
		}
	}
}

// Flush sends the queued events now. On failure they stay queued.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return nil
	}
	records := e.batch
	e.batch = nil
	e.mutex.Unlock()

	err := e.exportToWebhook(ctx, records)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if err != nil {
		e.failures++
		e.batch = append(records, e.batch...)
		e.trim()
		return err
	}
	e.exported += uint64(len(records))
	e.lastExport = time.Now()
	logrus.Debugf("Exported %d ledger events", len(records))
	return nil
}

func (e *Exporter) exportToWebhook(ctx context.Context, records []Record) error {
	exportData := struct {
		Events     []Record `json:"events"`
		ExportTime string   `json:"export_time"`
		Count      int      `json:"count"`
	}{
		Events:     records,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(records),
	}

	jsonData, err := json.Marshal(exportData)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop ends the background export and makes a last attempt to send what is queued
func (e *Exporter) Stop(ctx context.Context) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	if err := e.Flush(ctx); err != nil {
		logrus.Errorf("Failed final event export: %v", err)
	}
}

// Status returns the current state of the exporter
func (e *Exporter) Status() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	status := map[string]interface{}{
		"enabled":         e.webhook(),
		"batch_size":      e.config.BatchSize,
		"export_interval": e.exportInterval.String(),
		"queued":          len(e.batch),
		"exported":        e.exported,
		"failures":        e.failures,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}
