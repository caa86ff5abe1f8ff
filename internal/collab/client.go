package collab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/protocol"
)

// Room is the durable record the collaborator owns for a room.
type Room struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LeaderID string `json:"leaderId"`
}

// Client talks to the external CRUD layer that owns durable records (rooms,
// trips, checkpoints, profiles). Every call is a single attempt; retry
// policy belongs to the caller.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger.With(slog.String("component", "collab_client")),
	}
}

// GetRoom resolves a room record, including its current leader.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+roomID, nil, &room, "get_room"); err != nil {
		return nil, err
	}
	return &room, nil
}

// Profile looks up a user's public profile for broadcast enrichment.
// Callers treat failure as best-effort and fall back to the raw user id.
func (c *Client) Profile(ctx context.Context, userID string) (*protocol.Profile, error) {
	var p protocol.Profile
	if err := c.do(ctx, http.MethodGet, "/api/users/"+userID, nil, &p, "get_profile"); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateTrip records a new trip for the room and returns its identifier.
func (c *Client) CreateTrip(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"roomId": roomID}
	if err := c.do(ctx, http.MethodPost, "/api/trips", body, &resp, "create_trip"); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// EndTrip marks the trip completed.
func (c *Client) EndTrip(ctx context.Context, tripID string) error {
	return c.do(ctx, http.MethodPost, "/api/trips/"+tripID+"/end", nil, nil, "end_trip")
}

// CreateCheckpoint persists a checkpoint and returns the record identifier.
func (c *Client) CreateCheckpoint(ctx context.Context, roomID string, cp protocol.Checkpoint) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := struct {
		RoomID     string              `json:"roomId"`
		Checkpoint protocol.Checkpoint `json:"checkpoint"`
	}{RoomID: roomID, Checkpoint: cp}
	if err := c.do(ctx, http.MethodPost, "/api/checkpoints", body, &resp, "create_checkpoint"); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// DeleteCheckpoint removes the durable checkpoint record.
func (c *Client) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	return c.do(ctx, http.MethodDelete, "/api/checkpoints/"+checkpointID, nil, nil, "delete_checkpoint")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, operation string) error {
	start := time.Now()
	err := c.doOnce(ctx, method, path, body, out)
	metrics.CollabRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CollabRequestErrors.WithLabelValues(operation).Inc()
		c.logger.Warn("Collaborator call failed", "operation", operation, "error", err)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrCollaboratorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return protocol.ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", protocol.ErrCollaboratorUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", protocol.ErrCollaboratorUnavailable, err)
	}
	return nil
}
