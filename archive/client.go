package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transitscope/lightcurve"
)

// Client fetches light curves from a remote archive speaking JSON over
// HTTP: GET {base_url}/curves/{catalog_id}.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

type ClientConfig struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "remote"
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Name() string {
	return c.name
}

type curveResponse struct {
	CatalogID string    `json:"catalog_id"`
	Time      []float64 `json:"time"`
	Flux      []float64 `json:"flux"`
}

type archiveErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Fetch(ctx context.Context, catalogID string) (lightcurve.Curve, error) {
	if c.baseURL == "" {
		return lightcurve.Curve{}, errors.New("archive base url is required")
	}
	if catalogID == "" {
		return lightcurve.Curve{}, errors.New("catalog id is required")
	}

	requestURL := fmt.Sprintf("%s/curves/%s", c.baseURL, url.PathEscape(catalogID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return lightcurve.Curve{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return lightcurve.Curve{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr archiveErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return lightcurve.Curve{}, fmt.Errorf("archive error: %s", apiErr.Error.Message)
		}
		return lightcurve.Curve{}, fmt.Errorf("archive returned status %d", resp.StatusCode)
	}

	var payload curveResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return lightcurve.Curve{}, err
	}
	curve := lightcurve.Curve{Time: payload.Time, Flux: payload.Flux}
	if err := curve.Validate(); err != nil {
		return lightcurve.Curve{}, fmt.Errorf("archive served invalid curve: %w", err)
	}
	return curve, nil
}

func (c *Client) HealthCheck() error {
	if c.baseURL == "" {
		return errors.New("archive base url is required")
	}
	resp, err := c.client.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive health returned status %d", resp.StatusCode)
	}
	return nil
}
