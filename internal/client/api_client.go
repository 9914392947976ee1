package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agroflow/field-agent/internal/models"

	"go.uber.org/zap"
)

// APIClient handles communication with the backend API. Every delivery call
// carries the record's clientEventId as idempotency key, so a retry after a
// dropped acknowledgment cannot create a duplicate server-side record.
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a new API client. The timeout bounds every request;
// a timed-out request is classified transient.
func NewAPIClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// DeliverActivity sends one activity record to the remote delivery endpoint.
// A duplicate acknowledgment (idempotency key already processed) comes back
// as a normal response with Duplicate set; callers treat it as success.
func (c *APIClient) DeliverActivity(ctx context.Context, req models.DeliveryRequest) (*models.DeliveryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/activities", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ClientEventID)
	c.setAuth(httpReq)

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("Delivery request failed",
			zap.Error(err),
			zap.String("client_event_id", req.ClientEventID),
			zap.Duration("duration", duration),
		)
		return nil, &TransientError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result models.DeliveryResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, &TransientError{
				Message:    fmt.Sprintf("malformed delivery response: %v", err),
				StatusCode: resp.StatusCode,
			}
		}
		if !result.Accepted {
			return nil, &RejectedError{Reason: result.Reason, StatusCode: resp.StatusCode}
		}
		c.logger.Debug("Activity delivered",
			zap.String("client_event_id", req.ClientEventID),
			zap.String("server_record_id", result.ServerRecordID),
			zap.Bool("duplicate", result.Duplicate),
			zap.Duration("duration", duration),
		)
		return &result, nil
	}

	return nil, c.classifyStatus(resp.StatusCode, respBody, req.ClientEventID)
}

// FetchSummary retrieves the confirmed-activity summary for a strategy
// version from the remote summary endpoint.
func (c *APIClient) FetchSummary(ctx context.Context, strategyID string, versionNumber, limit int) (*models.ActivitySummary, error) {
	q := url.Values{}
	q.Set("strategyId", strategyID)
	q.Set("versionNumber", strconv.Itoa(versionNumber))
	q.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/api/v1/activities/summary?%s", c.baseURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, respBody, "")
	}

	var summary models.ActivitySummary
	if err := json.Unmarshal(respBody, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary response: %w", err)
	}
	return &summary, nil
}

// UploadPhoto sends one binary photo asset, keyed by the owning record's
// clientEventId and the asset's sequence number. An asset the server already
// has is acknowledged as a duplicate, which callers treat as success.
func (c *APIClient) UploadPhoto(ctx context.Context, clientEventID string, seq int, contentType string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/api/v1/activities/%s/photos/%d", c.baseURL, url.PathEscape(clientEventID), seq)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%d", clientEventID, seq))
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransientError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("Photo uploaded",
			zap.String("client_event_id", clientEventID),
			zap.Int("seq", seq),
		)
		return nil
	}
	return c.classifyStatus(resp.StatusCode, respBody, clientEventID)
}

// HealthCheck checks if the backend is reachable. The network monitor uses
// it as its connectivity probe.
func (c *APIClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *APIClient) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyStatus maps a non-2xx status to the retry taxonomy: 5xx, 408 and
// 429 are transient; remaining 4xx are validation rejections.
func (c *APIClient) classifyStatus(statusCode int, body []byte, clientEventID string) error {
	switch {
	case statusCode >= 500,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests:
		c.logger.Warn("Transient backend error",
			zap.Int("status_code", statusCode),
			zap.String("client_event_id", clientEventID),
		)
		return &TransientError{Message: string(body), StatusCode: statusCode}
	default:
		reason := string(body)
		var rej models.DeliveryResponse
		if err := json.Unmarshal(body, &rej); err == nil && rej.Reason != "" {
			reason = rej.Reason
		}
		c.logger.Error("Delivery rejected by backend",
			zap.Int("status_code", statusCode),
			zap.String("client_event_id", clientEventID),
			zap.String("reason", reason),
		)
		return &RejectedError{Reason: reason, StatusCode: statusCode}
	}
}
