package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"checkout-service/internal/apperr"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Product is the catalog snapshot denormalized onto order line items.
type Product struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	SKU    string   `json:"sku"`
	Images []string `json:"images"`
	Active bool     `json:"is_active"`
}

// ProductClient talks to the product catalog collaborator. It performs no
// retries; the calling workflow decides retry policy.
type ProductClient interface {
	// GetProduct fails with NotFound when the product is absent or
	// inactive, CollaboratorUnavailable on transport failure.
	GetProduct(ctx context.Context, productID string) (*Product, error)
	// HasStock fails closed: any collaborator error counts as no stock,
	// so a communication failure can never oversell.
	HasStock(ctx context.Context, productID string, quantity int) bool
}

type productClient struct {
	baseURL string
	http    *http.Client
}

// NewProductClient builds an HTTP client for the catalog service.
func NewProductClient(baseURL string) ProductClient {
	return &productClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *productClient) GetProduct(ctx context.Context, productID string) (*Product, error) {
	endpoint := fmt.Sprintf("%s/products/%s", c.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "build product request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "product service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.Newf(apperr.KindNotFound, "product %s not found", productID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindCollaboratorUnavailable,
			"product service returned status %d", resp.StatusCode)
	}

	var product Product
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return nil, apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "decode product response")
	}
	if !product.Active {
		return nil, apperr.Newf(apperr.KindNotFound, "product %s is inactive", productID)
	}

	return &product, nil
}

func (c *productClient) HasStock(ctx context.Context, productID string, quantity int) bool {
	endpoint := fmt.Sprintf("%s/products/%s/stock", c.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msgf("stock check failed for product %s, treating as unavailable", productID)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn().Msgf("stock check for product %s returned status %d, treating as unavailable", productID, resp.StatusCode)
		return false
	}

	var stockData map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stockData); err != nil {
		logger.Warn().Err(err).Msgf("stock check decode failed for product %s, treating as unavailable", productID)
		return false
	}

	return stockData["stock"] >= quantity
}
