package geofence

import (
	"math"

	"github.com/omarkhd21/go-caravan/internal/protocol"
)

// earthRadiusMeters is the mean spherical Earth radius.
const earthRadiusMeters = 6371000

// Distance returns the great-circle distance between two points in meters,
// using the haversine formula.
func Distance(a, b protocol.Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	deltaPhi := (b.Lat - a.Lat) * math.Pi / 180
	deltaLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*
			math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

type Config struct {
	CheckpointRadius  float64
	DestinationRadius float64
}

// Evaluator decides whether a coordinate is close enough to trip targets to
// count as an arrival. It is stateless; at-most-once firing is enforced by
// the trip state that owns the reached set.
type Evaluator struct {
	cfg Config
}

func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// CheckpointsWithin returns the ids of checkpoints whose radius contains pos,
// in list order.
func (e *Evaluator) CheckpointsWithin(pos protocol.Point, checkpoints []protocol.Checkpoint) []string {
	var hits []string
	for _, cp := range checkpoints {
		if Distance(pos, cp.Point) <= e.cfg.CheckpointRadius {
			hits = append(hits, cp.ID)
		}
	}
	return hits
}

// DestinationWithin reports whether pos is inside the destination radius.
// A nil destination never matches.
func (e *Evaluator) DestinationWithin(pos protocol.Point, dest *protocol.Destination) bool {
	if dest == nil {
		return false
	}
	return Distance(pos, dest.Point) <= e.cfg.DestinationRadius
}
