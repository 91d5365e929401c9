package client

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/model"
)

// ClusterHealthClient fetches placement-group health from the storage
// cluster's management endpoint
type ClusterHealthClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClusterHealthClient creates a new cluster health client
func NewClusterHealthClient(endpoint string, timeout time.Duration, logger *zap.Logger) *ClusterHealthClient {
	return &ClusterHealthClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Snapshot returns the current cluster health. A response without a
// timestamp is stamped with the receive time.
func (c *ClusterHealthClient) Snapshot(ctx context.Context) (*model.ClusterHealthSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build cluster health request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.TransientTransport("cluster health request failed", err)
	}
	defer resp.Body.Close()

	var snap model.ClusterHealthSnapshot
	if err := decodeResponse(resp, "cluster health endpoint", &snap); err != nil {
		return nil, err
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	c.logger.Debug("Fetched cluster health",
		zap.Int("placement_groups", len(snap.PlacementGroups)),
		zap.Int("min_redundancy", snap.MinRedundancy))
	return &snap, nil
}
