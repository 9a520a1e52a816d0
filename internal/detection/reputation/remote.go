package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrDigestUnknown is returned by a RemoteClient when the reputation service
// has never seen the digest. This is a confirmed-clean signal, distinct from
// a lookup failure.
var ErrDigestUnknown = errors.New("reputation: digest unknown to remote service")

// RemoteReport is the remote service's analysis summary for a digest.
type RemoteReport struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
}

// RemoteClient looks up a digest against a remote reputation service.
// Implementations must honor the context for timeout and cancellation.
type RemoteClient interface {
	Lookup(ctx context.Context, digest string) (*RemoteReport, error)
}

// HTTPClientConfig configures the HTTP reputation client.
type HTTPClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultHTTPClientConfig returns the default client configuration.
// The API shape follows the VirusTotal v3 file endpoint.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		BaseURL: "https://www.virustotal.com/api/v3",
		Timeout: 10 * time.Second,
	}
}

// HTTPClient queries a VirusTotal-style reputation API over HTTPS.
type HTTPClient struct {
	config HTTPClientConfig
	client *http.Client
}

// NewHTTPClient creates an HTTP reputation client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHTTPClientConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPClientConfig().Timeout
	}
	return &HTTPClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Lookup fetches the analysis summary for a digest. A 404 maps to
// ErrDigestUnknown; any transport failure or unexpected response is returned
// as-is so the caller can classify the result as indeterminate.
func (c *HTTPClient) Lookup(ctx context.Context, digest string) (*RemoteReport, error) {
	url := fmt.Sprintf("%s/files/%s", c.config.BaseURL, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("reputation: build request: %w", err)
	}
	req.Header.Set("x-apikey", c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reputation: remote lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to decode.
	case http.StatusNotFound:
		return nil, ErrDigestUnknown
	default:
		return nil, fmt.Errorf("reputation: remote service returned %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats RemoteReport `json:"last_analysis_stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("reputation: malformed remote response: %w", err)
	}

	report := body.Data.Attributes.LastAnalysisStats
	return &report, nil
}
