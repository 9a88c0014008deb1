package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ordersync/internal/model"
)

var ErrNotFound = errors.New("order not found")

// Client talks to the backend's order fetch API. It is used by the poll
// fallback for snapshot refresh and by the detail view for load on demand.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) FetchOrder(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	err := c.getJSON(ctx, "/v1/orders/"+url.PathEscape(id), &o)
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (c *Client) FetchAllOrders(ctx context.Context, status string) ([]model.Order, error) {
	path := "/v1/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []model.Order `json:"items"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
