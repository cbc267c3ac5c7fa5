// Package catalog is the read-only view of the product catalog used to price
// checkout sessions.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/utafrali/textile-orderflow/pkg/errors"
	"github.com/utafrali/textile-orderflow/pkg/httpclient"
)

// ErrProductNotFound is returned when the catalog has no such product.
var ErrProductNotFound = errors.New("product not found")

// Variant is a size/color combination of a product. A nil Price inherits the
// product price.
type Variant struct {
	ID             string `json:"id"`
	Size           string `json:"size,omitempty"`
	Color          string `json:"color,omitempty"`
	SKU            string `json:"sku"`
	Price          *int64 `json:"price,omitempty"`
	Stock          int    `json:"stock"`
	UnlimitedStock bool   `json:"unlimited_stock"`
}

// Product is the authoritative price and stock record for a product.
type Product struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SKU             string    `json:"sku"`
	Price           int64     `json:"price"`
	Currency        string    `json:"currency"`
	Stock           int       `json:"stock"`
	UnlimitedStock  bool      `json:"unlimited_stock"`
	EmbroideryPrice int64     `json:"embroidery_price"`
	Variants        []Variant `json:"variants"`
}

// Variant looks up a variant by id.
func (p *Product) Variant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// Catalog fetches products.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// Getter issues GET requests. *httpclient.CircuitBreakerClient implements it.
type Getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Client reads products from the catalog service over HTTP.
type Client struct {
	http    Getter
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a catalog client rooted at baseURL.
func NewClient(http Getter, baseURL string, logger *slog.Logger) *Client {
	return &Client{http: http, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// GetProduct fetches GET /api/v1/products/{id}.
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/api/v1/products/"+url.PathEscape(id))
	if err != nil {
		c.logger.WarnContext(ctx, "catalog request failed",
			slog.String("product_id", id),
			slog.String("error", err.Error()),
		)
		return nil, unavailable(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrProductNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get product %s: %w", id, httpclient.ParseResponseError(resp, "catalog"))
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Data *Product `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", id, err)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("decode product %s: empty data", id)
	}
	return envelope.Data, nil
}

func unavailable(err error) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "CATALOG_UNAVAILABLE",
		Message: "product catalog is temporarily unavailable",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}
