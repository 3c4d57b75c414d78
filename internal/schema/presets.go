package schema

import (
	"math"

	"github.com/fleetlens/fleetlens/pkg/models"
)

// Area classification thresholds (degrees latitude).
const (
	northLat = 51.12
	southLat = 51.08
)

// GPSPoints is the schema for raw GPS probe data.
//
// Expected CSV header: randomized_id,lat,lng,alt,spd,azm
// Derived fields: area (North/Center/South by latitude), activity
// (High/Medium/Low by speed in m/s).
func GPSPoints() *Schema {
	return &Schema{
		Name: "gps_points",
		Columns: []Column{
			{Name: "randomized_id", Kind: String, Aliases: []string{"id"}},
			{Name: "lat", Kind: Float, Aliases: []string{"latitude"}},
			{Name: "lng", Kind: Float, Aliases: []string{"lon", "longitude"}},
			{Name: "alt", Kind: Float, Aliases: []string{"altitude"}},
			{Name: "spd", Kind: Float, Aliases: []string{"speed"}},
			{Name: "azm", Kind: Float, Aliases: []string{"azimuth"}},
		},
		Derived: []Derived{
			{Name: "area", Kind: String, Fn: classifyArea},
			{Name: "activity", Kind: String, Fn: classifyActivity},
		},
	}
}

// TaxiTrips is the schema for completed taxi trips.
//
// Expected CSV header: trip_duration_sec,trip_duration_min,
// distance_traveled_km,kph,wait_time_cost,distance_cost,total_fare,
// num_of_passengers,surge_applied
// Derived fields: trip_category (Short/Medium/Long by duration),
// price_category (Low/Medium/High/Premium by fare per km),
// efficiency_score (0..1).
func TaxiTrips() *Schema {
	return &Schema{
		Name: "taxi_trips",
		Columns: []Column{
			{Name: "trip_duration_sec", Kind: Int},
			{Name: "trip_duration_min", Kind: Float},
			{Name: "distance_traveled_km", Kind: Float, Aliases: []string{"distance_traveled_Km"}},
			{Name: "kph", Kind: Float, Aliases: []string{"KPH"}},
			{Name: "wait_time_cost", Kind: Float},
			{Name: "distance_cost", Kind: Float},
			{Name: "total_fare", Kind: Float, Aliases: []string{"total_fare_new"}},
			{Name: "num_of_passengers", Kind: Int},
			{Name: "surge_applied", Kind: Bool},
		},
		Derived: []Derived{
			{Name: "trip_category", Kind: String, Fn: classifyTripDuration},
			{Name: "price_category", Kind: String, Fn: classifyPrice},
			{Name: "efficiency_score", Kind: Float, Fn: efficiencyScore},
		},
	}
}

// Presets returns all built-in dataset schemas.
func Presets() []*Schema {
	return []*Schema{GPSPoints(), TaxiTrips()}
}

// ByName looks up a built-in schema by dataset name.
func ByName(name string) (*Schema, bool) {
	for _, s := range Presets() {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func classifyArea(rec models.Record) any {
	lat, _ := rec["lat"].(float64)
	switch {
	case lat > northLat:
		return "North"
	case lat < southLat:
		return "South"
	default:
		return "Center"
	}
}

func classifyActivity(rec models.Record) any {
	spd, _ := rec["spd"].(float64)
	switch {
	case spd > 10:
		return "High"
	case spd > 3:
		return "Medium"
	default:
		return "Low"
	}
}

func classifyTripDuration(rec models.Record) any {
	dur, _ := rec["trip_duration_min"].(float64)
	switch {
	case dur < 10:
		return "Short"
	case dur < 30:
		return "Medium"
	default:
		return "Long"
	}
}

func classifyPrice(rec models.Record) any {
	fare, _ := rec["total_fare"].(float64)
	dist, _ := rec["distance_traveled_km"].(float64)
	if dist <= 0 {
		return "Unknown"
	}
	perKm := fare / dist
	switch {
	case perKm < 2:
		return "Low"
	case perKm < 5:
		return "Medium"
	case perKm < 10:
		return "High"
	default:
		return "Premium"
	}
}

func efficiencyScore(rec models.Record) any {
	kph, _ := rec["kph"].(float64)
	dur, _ := rec["trip_duration_min"].(float64)
	speedScore := math.Min(kph/60, 1.0)
	durationScore := math.Max(0, 1-(dur-15)/30)
	return (speedScore + durationScore) / 2
}
