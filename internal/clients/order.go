// README: Order service client: order lookup and status transition notifications.
package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"swiftdispatch/internal/auth"
	"swiftdispatch/internal/types"
)

type Order struct {
	ID             types.ID     `json:"id"`
	CustomerID     types.ID     `json:"customerId"`
	Status         string       `json:"status"`
	PickupLocation *types.Point `json:"pickupLocation,omitempty"`
	DropLocation   *types.Point `json:"dropLocation,omitempty"`
}

type OrderClient struct {
	base
}

func NewOrderClient(baseURL string, timeout time.Duration, hc *http.Client, signer *auth.Signer) *OrderClient {
	return &OrderClient{base: newBase(baseURL, timeout, hc, signer)}
}

// Get returns ErrNotFound when the order service does not know id.
func (c *OrderClient) Get(ctx context.Context, id types.ID) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(string(id)), nil, &o); err != nil {
		return nil, err
	}
	if o.ID == "" {
		o.ID = id
	}
	return &o, nil
}

type statusUpdate struct {
	Status   string   `json:"status"`
	DriverID types.ID `json:"driverId,omitempty"`
}

func (c *OrderClient) UpdateStatus(ctx context.Context, orderID types.ID, status string, courierID types.ID) error {
	return c.do(ctx, http.MethodPut, "/orders/internal/status/"+url.PathEscape(string(orderID)),
		statusUpdate{Status: status, DriverID: courierID}, nil)
}
