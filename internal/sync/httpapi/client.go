// Package httpapi adapts the sync store's Loader, Feed, and Remote ports to
// the platform's HTTP surface: snapshot reads and the SSE change feed from
// the streamer, mutations through the command API.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pairloom-app/project/internal/contracts"
	"github.com/pairloom-app/project/internal/sync"
)

type Client struct {
	APIBase    string
	StreamBase string
	Token      string
	HTTPClient *http.Client
}

func NewClient(apiBase, streamBase, token string) *Client {
	return &Client{
		APIBase:    strings.TrimRight(apiBase, "/"),
		StreamBase: strings.TrimRight(streamBase, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Load fetches the projection snapshot for one couple and kind.
func (c *Client) Load(ctx context.Context, coupleID, kind string) ([]sync.Entity, error) {
	endpoint := fmt.Sprintf("%s/api/v1/entities?couple_id=%s&kind=%s",
		c.StreamBase, url.QueryEscape(coupleID), url.QueryEscape(kind))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request returned status %d", resp.StatusCode)
	}

	var items []sync.Entity
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return items, nil
}

// Subscribe opens the SSE change feed and pushes decoded events to onEvent.
// The returned stop function closes the stream; onDrop fires once if the
// stream dies for any other reason.
func (c *Client) Subscribe(coupleID, kind string, onEvent func(sync.ChangeEvent), onDrop func(error)) (func(), error) {
	endpoint := fmt.Sprintf("%s/events?couple_id=%s&kind=%s",
		c.StreamBase, url.QueryEscape(coupleID), url.QueryEscape(kind))

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// no client timeout on a long-lived stream
	streamClient := &http.Client{Transport: c.HTTPClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	go c.consume(ctx, resp.Body, kind, onEvent, onDrop)

	return func() {
		cancel()
		resp.Body.Close()
	}, nil
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, kind string, onEvent func(sync.ChangeEvent), onDrop func(error)) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				switch eventName {
				case "change":
					if ev, ok := decodeChange(data.Bytes()); ok {
						onEvent(ev)
					}
				case "snapshot":
					if ev, ok := decodeSnapshot(data.Bytes(), kind); ok {
						onEvent(ev)
					}
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if ctx.Err() != nil {
		// stopped deliberately
		return
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("event stream closed by server")
	}
	onDrop(err)
}

// decodeChange maps a projected domain event onto a collection change.
// Created events carry the creation time; updates leave it zero so the
// collection preserves the original.
func decodeChange(raw []byte) (sync.ChangeEvent, bool) {
	var event contracts.EntityEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return sync.ChangeEvent{}, false
	}

	entity := sync.Entity{
		ID:        event.EntityID,
		CoupleID:  event.CoupleID,
		Kind:      event.Kind,
		Payload:   event.Payload,
		SortKey:   event.SortKey,
		UpdatedAt: event.OccurredAt,
	}

	switch event.EventType {
	case contracts.EventEntityCreated:
		entity.CreatedAt = event.OccurredAt
		return sync.ChangeEvent{Type: sync.Insert, Entity: entity}, true
	case contracts.EventEntityUpdated:
		return sync.ChangeEvent{Type: sync.Update, Entity: entity}, true
	case contracts.EventEntityDeleted:
		return sync.ChangeEvent{Type: sync.Delete, Entity: entity}, true
	default:
		return sync.ChangeEvent{}, false
	}
}

type snapshotFrame struct {
	Kind     string        `json:"kind"`
	Entities []sync.Entity `json:"entities"`
}

// decodeSnapshot maps a streamer snapshot frame onto a full-collection
// replace. Frames for other kinds are skipped; the streamer fans one frame
// per refreshed kind into every open stream.
func decodeSnapshot(raw []byte, kind string) (sync.ChangeEvent, bool) {
	var frame snapshotFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return sync.ChangeEvent{}, false
	}
	if frame.Kind != kind {
		return sync.ChangeEvent{}, false
	}
	entities := frame.Entities
	if entities == nil {
		entities = []sync.Entity{}
	}
	return sync.ChangeEvent{Type: sync.Snapshot, Entities: entities}, true
}

type commandRequest struct {
	Action   string          `json:"action"`
	Kind     string          `json:"kind"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type commandResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
	EntityID  string `json:"entity_id"`
}

// Send submits one mutation to the command API and returns the
// server-assigned entity ID.
func (c *Client) Send(ctx context.Context, action, kind, entityID string, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(commandRequest{Action: action, Kind: kind, EntityID: entityID, Payload: payload})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBase+"/api/v1/command", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("command returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var cmdResp commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmdResp); err != nil {
		return "", fmt.Errorf("decode command response: %w", err)
	}
	return cmdResp.EntityID, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
