// Package remote provides the HTTP client for the authoritative store:
// bulk mutations, incremental reference-data fetches and a health probe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/models"
)

// Mutation is one upsert in a bulk call.
type Mutation struct {
	OperationID string          `json:"operation_id"`
	Action      string          `json:"action"`
	Kind        string          `json:"kind"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload"`
}

// Snapshot is the remote's view of a record, carried in conflict
// responses and reference-data fetches.
type Snapshot struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Version      int             `json:"version"`
	LastModified int64           `json:"last_modified"`
	Data         models.FieldMap `json:"data"`
}

// ToRecord converts a Snapshot into a record envelope.
func (s *Snapshot) ToRecord() *models.Record {
	return &models.Record{
		ID:           models.UUID(s.ID),
		Kind:         s.Kind,
		Data:         s.Data,
		Version:      s.Version,
		SyncStatus:   models.StatusSynced,
		LastModified: s.LastModified,
	}
}

// ItemResult is the per-item outcome of a bulk call.
type ItemResult struct {
	OperationID string            `json:"operation_id"`
	EntityID    string            `json:"entity_id"`
	OK          bool              `json:"ok"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Remote      *Snapshot         `json:"remote,omitempty"`
}

// ErrorCode maps the remote's item-level code onto the local taxonomy.
func (i ItemResult) ErrorCode() apperrors.ErrorCode {
	switch i.Code {
	case "conflict":
		return apperrors.ErrSyncConflict
	case "validation":
		return apperrors.ErrSyncValidation
	case "not_found":
		return apperrors.ErrSyncNotFound
	case "duplicate":
		return apperrors.ErrSyncDuplicate
	case "auth":
		return apperrors.ErrSyncAuth
	case "unavailable":
		return apperrors.ErrSyncUnavailable
	default:
		return apperrors.ErrSyncServer
	}
}

// Err builds the AppError for a failed item.
func (i ItemResult) Err() *apperrors.AppError {
	msg := i.Message
	if msg == "" {
		msg = "remote rejected item"
	}
	if len(i.Fields) > 0 {
		msg = fmt.Sprintf("%s (fields: %v)", msg, i.Fields)
	}
	return apperrors.New(i.ErrorCode(), msg)
}

// BulkResult is the response of a bulk call. Results is nil when the
// remote reported a blanket success without per-item detail.
type BulkResult struct {
	Results []ItemResult `json:"results"`
}

// API is the boundary the orchestrator and reference-data syncer consume.
type API interface {
	// BulkMutate sends a batch of upserts. A non-nil error means the
	// whole call failed; otherwise per-item outcomes, when present,
	// are in the result.
	BulkMutate(ctx context.Context, items []Mutation) (*BulkResult, error)

	// FetchReference pulls reference-data items of a type, restricted
	// to those updated after the given timestamp when it is non-zero.
	FetchReference(ctx context.Context, typ string, updatedAfter int64) ([]*Snapshot, error)

	// Health probes remote reachability.
	Health(ctx context.Context) error
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// BulkMutate implements API.
func (c *Client) BulkMutate(ctx context.Context, items []Mutation) (*BulkResult, error) {
	body, err := json.Marshal(map[string]interface{}{"items": items})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode bulk request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build bulk request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to read bulk response", err)
	}
	if len(data) == 0 {
		return &BulkResult{}, nil
	}

	var result BulkResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncServer, "malformed bulk response", err)
	}
	return &result, nil
}

// FetchReference implements API.
func (c *Client) FetchReference(ctx context.Context, typ string, updatedAfter int64) ([]*Snapshot, error) {
	endpoint := c.baseURL + "/v1/reference/" + url.PathEscape(typ)
	if updatedAfter > 0 {
		endpoint += "?updatedAfter=" + strconv.FormatInt(updatedAfter, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build reference request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}

	var payload struct {
		Items []*Snapshot `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncServer, "malformed reference response", err)
	}
	return payload.Items, nil
}

// Health implements API.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build health request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyTransport maps transport failures onto the error taxonomy.
// Timeouts are retryable network errors.
func classifyTransport(err error) *apperrors.AppError {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncNetwork, "network error", err)
}

// classifyStatus maps HTTP status codes onto the error taxonomy.
func classifyStatus(resp *http.Response) *apperrors.AppError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("remote returned %d", resp.StatusCode)
	if len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, string(body))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrSyncAuth, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrSyncValidation, msg)
	case resp.StatusCode == http.StatusConflict:
		return apperrors.New(apperrors.ErrSyncConflict, msg)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrSyncNotFound, msg)
	case resp.StatusCode == http.StatusRequestTimeout:
		return apperrors.New(apperrors.ErrSyncTimeout, msg)
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrSyncUnavailable, msg)
	case resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrSyncServer, msg)
	default:
		return apperrors.New(apperrors.ErrSyncFailed, msg)
	}
}
