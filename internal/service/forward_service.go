package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Forwarder relays CRM event payloads to a configured outbound URL. Dispatch
// is fire-and-forget: it runs after the caller's response is finalized and
// its failure never reaches the caller.
type Forwarder struct {
	url     string
	fields  []string
	timeout time.Duration
}

func NewForwarder(url string, fields []string, timeout time.Duration) *Forwarder {
	return &Forwarder{url: url, fields: fields, timeout: timeout}
}

// Dispatch forwards the payload in a detached goroutine. No-op when no
// outbound URL is configured.
func (f *Forwarder) Dispatch(payload map[string]any) {
	if f.url == "" {
		return
	}
	go func() {
		if err := f.send(payload); err != nil {
			log.Printf("Warning: forward webhook: %v", err)
		}
	}()
}

func (f *Forwarder) send(payload map[string]any) error {
	if len(f.fields) > 0 {
		filtered := map[string]any{}
		for _, field := range f.fields {
			if v, ok := payload[field]; ok {
				filtered[field] = v
			}
		}
		payload = filtered
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: f.timeout}
	resp, err := client.Post(f.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &ForwardError{Status: resp.StatusCode}
	}
	return nil
}

type ForwardError struct {
	Status int
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("outbound webhook answered http %d", e.Status)
}
