// Package feed provides price observation sources for the oracle.
package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yourorg/peg-stability-engine/internal/model"
)

// Source defines the interface that all price feed sources must implement
type Source interface {
	// Fetch retrieves the latest price observation from the source
	Fetch(ctx context.Context) (model.PriceObservation, error)

	// Name identifies the source in logs and observations
	Name() string
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c.StandardClient()
}
