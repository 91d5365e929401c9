package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/secrets"
)

// TicketClient opens and updates tickets in an external tracker over HTTP.
// Requests authenticate with a bearer token read from the secret source for
// the duration of the call only.
type TicketClient struct {
	endpoint    string
	project     string
	tokenSecret string
	secrets     secrets.Source
	httpClient  *http.Client
	logger      *zap.Logger
}

type ticketCreateRequest struct {
	Project   string `json:"project"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	DiskID    string `json:"disk_id"`
	DedupeKey string `json:"dedupe_key"`
}

type ticketCommentRequest struct {
	Body string `json:"body"`
}

type ticketStatusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

type ticketResponse struct {
	ID string `json:"id"`
}

// NewTicketClient creates a new ticket client
func NewTicketClient(endpoint, project, tokenSecret string, src secrets.Source, timeout time.Duration, logger *zap.Logger) *TicketClient {
	return &TicketClient{
		endpoint:    endpoint,
		project:     project,
		tokenSecret: tokenSecret,
		secrets:     src,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// CreateTicket opens a ticket for a disk. dedupeKey is sent as the request's
// idempotency key so a retried creation does not open a second ticket.
func (c *TicketClient) CreateTicket(ctx context.Context, dedupeKey, diskID, title, body string) (string, error) {
	req := ticketCreateRequest{
		Project:   c.project,
		Title:     title,
		Body:      body,
		DiskID:    diskID,
		DedupeKey: dedupeKey,
	}

	var resp ticketResponse
	if err := c.do(ctx, http.MethodPost, "/tickets", dedupeKey, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", apperrors.InternalError("ticket tracker returned no ticket id", nil)
	}

	c.logger.Info("Opened ticket",
		zap.String("ticket_id", resp.ID),
		zap.String("disk_id", diskID),
		zap.String("operation_id", dedupeKey))
	return resp.ID, nil
}

// UpdateTicket appends a comment to an open ticket
func (c *TicketClient) UpdateTicket(ctx context.Context, externalID, note string) error {
	path := "/tickets/" + url.PathEscape(externalID) + "/comments"
	return c.do(ctx, http.MethodPost, path, "", ticketCommentRequest{Body: note}, nil)
}

// CloseTicket marks a ticket resolved
func (c *TicketClient) CloseTicket(ctx context.Context, externalID, note string) error {
	path := "/tickets/" + url.PathEscape(externalID)
	return c.do(ctx, http.MethodPatch, path, "", ticketStatusRequest{Status: "closed", Comment: note}, nil)
}

func (c *TicketClient) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.InternalError("failed to encode ticket request", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.InternalError("failed to build ticket request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	var resp *http.Response
	var doErr error
	err = c.secrets.Use(c.tokenSecret, func(token string) error {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, doErr = c.httpClient.Do(req)
		req.Header.Del("Authorization")
		return nil
	})
	if err != nil {
		return apperrors.InternalError("failed to read ticket token", err)
	}
	if doErr != nil {
		return apperrors.TransientTransport("ticket request failed", doErr)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, "ticket tracker", out)
}

// decodeResponse classifies an HTTP response: 5xx and 429 are transient,
// other non-2xx statuses are internal errors.
func decodeResponse(resp *http.Response, peer string, out interface{}) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.InternalError(fmt.Sprintf("failed to decode %s response", peer), err)
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s returned %d: %s", peer, resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.TransientTransport(msg, nil)
	}
	return apperrors.InternalError(msg, nil)
}
