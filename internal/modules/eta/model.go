// README: ETA request/response types and the speed and traffic tables behind predictions.
package eta

import (
	"errors"
	"time"

	"swiftdispatch/internal/types"
)

var ErrBadRequest = errors.New("bad eta request")

const (
	TimeMorning   = "morning"
	TimeAfternoon = "afternoon"
	TimeEvening   = "evening"
	TimeNight     = "night"
)

type Request struct {
	Pickup          types.Point
	Drop            types.Point
	VehicleType     string
	TimeOfDay       string
	DayOfWeek       string
	PrepTimeMinutes int
}

type Breakdown struct {
	DistanceKm        float64 `json:"distance" cbor:"distance_km"`
	TravelTimeMinutes int     `json:"travelTime" cbor:"travel_min"`
	BufferTimeMinutes int     `json:"bufferTime" cbor:"buffer_min"`
	PrepTimeMinutes   int     `json:"prepTime" cbor:"prep_min"`
}

type Result struct {
	ETAMinutes int       `json:"eta" cbor:"eta_min"`
	Breakdown  Breakdown `json:"breakdown" cbor:"breakdown"`
}

// Average speed in km/h per vehicle type. Unknown types travel as bikes.
var vehicleSpeedKmh = map[string]float64{
	"BIKE":    25,
	"SCOOTER": 30,
	"CAR":     35,
	"VAN":     28,
}

var timeOfDayFactor = map[string]float64{
	TimeMorning:   1.3,
	TimeAfternoon: 1.1,
	TimeEvening:   1.4,
	TimeNight:     0.9,
}

var dayOfWeekFactor = map[string]float64{
	"monday":   1.1,
	"friday":   1.2,
	"saturday": 1.0,
	"sunday":   0.8,
}

const (
	bufferPerKm    = 2.0
	bufferCap      = 10.0
	peakHourBuffer = 5.0
)

func speedFor(vehicle string) float64 {
	if v, ok := vehicleSpeedKmh[vehicle]; ok {
		return v
	}
	return vehicleSpeedKmh["BIKE"]
}

func trafficFactor(timeOfDay, dayOfWeek string) float64 {
	f := 1.0
	if v, ok := timeOfDayFactor[timeOfDay]; ok {
		f *= v
	}
	if v, ok := dayOfWeekFactor[dayOfWeek]; ok {
		f *= v
	}
	return f
}

func isPeak(timeOfDay string) bool {
	return timeOfDay == TimeMorning || timeOfDay == TimeEvening
}

// TimeOfDay buckets a wall-clock time: 05-11 morning, 12-16 afternoon,
// 17-21 evening, otherwise night.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return TimeMorning
	case h >= 12 && h < 17:
		return TimeAfternoon
	case h >= 17 && h < 22:
		return TimeEvening
	default:
		return TimeNight
	}
}

func DayOfWeek(t time.Time) string {
	switch t.Weekday() {
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	default:
		return "sunday"
	}
}
