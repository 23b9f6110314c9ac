// Package contactforge provides a client for the ContactForge contact
// discovery API. The upstream service is strictly asynchronous: a submit call
// returns a provider job id, and results arrive later via polling or webhook.
package contactforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Provider job statuses as they appear on the wire.
const (
	StatusFinished            = "FINISHED"
	StatusCreated             = "CREATED"
	StatusInProgress          = "IN_PROGRESS"
	StatusCanceled            = "CANCELED"
	StatusCreditsInsufficient = "CREDITS_INSUFFICIENT"
	StatusRateLimit           = "RATE_LIMIT"
)

// Client defines the ContactForge operations used by the enrichment adapter.
type Client interface {
	// Submit enqueues a discovery job and returns the provider job id.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	// GetResult polls a previously submitted job.
	GetResult(ctx context.Context, providerJobID string) (*ResultEnvelope, error)
}

// PersonQuery is one person-shaped search hint. Custom is an opaque payload
// the provider echoes back on each record, used for result correlation.
type PersonQuery struct {
	FullName    string            `json:"full_name,omitempty"`
	Company     string            `json:"company,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	LinkedInURL string            `json:"linkedin_url,omitempty"`
	EmailHint   string            `json:"email,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// SubmitRequest is the payload for Submit.
type SubmitRequest struct {
	Queries    []PersonQuery `json:"queries"`
	WebhookURL string        `json:"webhook_url,omitempty"`
}

// SubmitResponse is the provider's acknowledgment of a submit call.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// WireValue is one discovered email or phone entry as the provider sends it.
type WireValue struct {
	Value        string `json:"value"`
	Type         string `json:"type,omitempty"`
	Status       string `json:"status,omitempty"`
	MostProbable bool   `json:"most_probable,omitempty"`
}

// PersonRecord is one person's discovery outcome.
type PersonRecord struct {
	Emails     []WireValue       `json:"emails"`
	Phones     []WireValue       `json:"phones"`
	Confidence *float64          `json:"confidence,omitempty"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// ResultEnvelope is the provider's poll/webhook payload.
type ResultEnvelope struct {
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Results     []PersonRecord `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreditsUsed int            `json:"credits_used,omitempty"`
}

// Option configures the ContactForge client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new ContactForge client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.contactforge.io/v2",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if len(req.Queries) == 0 {
		return nil, eris.New("contactforge: at least one query is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "contactforge: marshal submit request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/discover", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "contactforge: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, statusCode, err := c.do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "contactforge: submit")
	}
	if statusCode != http.StatusOK && statusCode != http.StatusAccepted {
		return nil, &StatusError{Code: statusCode, Body: string(respBody)}
	}

	var out SubmitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "contactforge: decode submit response")
	}
	if out.JobID == "" {
		return nil, eris.New("contactforge: submit response missing job_id")
	}
	return &out, nil
}

func (c *httpClient) GetResult(ctx context.Context, providerJobID string) (*ResultEnvelope, error) {
	if providerJobID == "" {
		return nil, eris.New("contactforge: provider job id is required")
	}

	reqURL := fmt.Sprintf("%s/discover/%s", c.baseURL, providerJobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "contactforge: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	respBody, statusCode, err := c.do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "contactforge: get result")
	}
	if statusCode != http.StatusOK {
		return nil, &StatusError{Code: statusCode, Body: string(respBody)}
	}

	var out ResultEnvelope
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "contactforge: decode result envelope")
	}
	return &out, nil
}

func (c *httpClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "read response body")
	}
	return body, resp.StatusCode, nil
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("contactforge: status %d: %s", e.Code, e.Body)
}
