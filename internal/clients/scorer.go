// README: External courier-scoring model client.
package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"swiftdispatch/internal/auth"
	"swiftdispatch/internal/types"
)

var ErrNoScore = errors.New("collaborator: response carried no score")

type ScoreRequest struct {
	OrderID         types.ID `json:"orderId"`
	DriverID        types.ID `json:"driverId"`
	PickupLat       float64  `json:"pickupLat"`
	PickupLng       float64  `json:"pickupLng"`
	DropLat         float64  `json:"dropLat"`
	DropLng         float64  `json:"dropLng"`
	ETAMinutes      int      `json:"etaMinutes"`
	CapacityScore   float64  `json:"capacityScore"`
	SurgeMultiplier float64  `json:"surgeMultiplier"`
	VehicleType     string   `json:"vehicleType"`
	TimeOfDay       string   `json:"timeOfDay"`
	DayOfWeek       string   `json:"dayOfWeek"`
	CurrentLoad     int      `json:"currentLoad"`
	MaxCapacity     int      `json:"maxCapacity"`
}

type scoreResponse struct {
	DriverID types.ID `json:"driverId"`
	AIScore  *float64 `json:"aiScore"`
}

type ScorerClient struct {
	base
}

func NewScorerClient(baseURL string, timeout time.Duration, hc *http.Client, signer *auth.Signer) *ScorerClient {
	return &ScorerClient{base: newBase(baseURL, timeout, hc, signer)}
}

func (c *ScorerClient) Score(ctx context.Context, req ScoreRequest) (float64, error) {
	var resp scoreResponse
	if err := c.do(ctx, http.MethodPost, "/score", req, &resp); err != nil {
		return 0, err
	}
	if resp.AIScore == nil {
		return 0, ErrNoScore
	}
	return *resp.AIScore, nil
}
