// README: Notification service client; courier pushes are best effort.
package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"swiftdispatch/internal/auth"
	"swiftdispatch/internal/types"
)

type NotificationClient struct {
	base
}

func NewNotificationClient(baseURL string, timeout time.Duration, hc *http.Client, signer *auth.Signer) *NotificationClient {
	return &NotificationClient{base: newBase(baseURL, timeout, hc, signer)}
}

type driverNotice struct {
	DriverID   types.ID `json:"driverId"`
	OrderID    types.ID `json:"orderId"`
	ETAMinutes int      `json:"etaMinutes"`
	Message    string   `json:"message"`
}

func (c *NotificationClient) NotifyCourier(ctx context.Context, courierID, orderID types.ID, etaMinutes int) error {
	return c.do(ctx, http.MethodPost, "/notify/driver", driverNotice{
		DriverID:   courierID,
		OrderID:    orderID,
		ETAMinutes: etaMinutes,
		Message:    fmt.Sprintf("New order assigned. ETA: %d minutes.", etaMinutes),
	}, nil)
}
