package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/peg-stability-engine/internal/model"
)

// JSONClient fetches observations from an HTTP endpoint that returns a JSON
// body with price, volume and confidence fields.
type JSONClient struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewJSONClient creates a feed client for the given endpoint.
func NewJSONClient(name, url, apiKey string) *JSONClient {
	return &JSONClient{
		name:       name,
		url:        url,
		apiKey:     apiKey,
		httpClient: newRetryClient(),
	}
}

// Name identifies this source.
func (c *JSONClient) Name() string {
	return c.name
}

// Fetch retrieves the latest price observation from the feed endpoint.
func (c *JSONClient) Fetch(ctx context.Context) (model.PriceObservation, error) {
	var obs model.PriceObservation

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return obs, fmt.Errorf("error creating request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching price from %s: %s", c.name, c.url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return obs, fmt.Errorf("error fetching price from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return obs, fmt.Errorf("%s feed error: status %d, body: %s", c.name, resp.StatusCode, string(body))
	}

	var response struct {
		Price      float64 `json:"price"`
		Volume     float64 `json:"volume"`
		Confidence float64 `json:"confidence"`
		Timestamp  int64   `json:"timestamp"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return obs, fmt.Errorf("error decoding %s response: %w", c.name, err)
	}

	if response.Price <= 0 {
		return obs, fmt.Errorf("no usable price returned from %s", c.name)
	}

	obs = model.PriceObservation{
		Price:      response.Price,
		Volume:     response.Volume,
		Confidence: response.Confidence,
		Timestamp:  response.Timestamp,
		Source:     c.name,
	}
	if obs.Timestamp == 0 {
		obs.Timestamp = time.Now().UnixMilli()
	}
	if obs.Confidence == 0 {
		// Feeds that do not report confidence get a neutral score
		obs.Confidence = 0.8
	}

	return obs, nil
}
