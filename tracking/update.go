package tracking

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

// LocationUpdate one point-in-time position report of an entity
type LocationUpdate struct {
	// EntityKey identifies the tracked entity, typically the driver email
	EntityKey string `json:"entity_key"`
	// Latitude in degrees
	Latitude float64 `json:"latitude"`
	// Longitude in degrees
	Longitude float64 `json:"longitude"`
	// Timestamp report time exactly as sent by the server
	Timestamp string `json:"timestamp"`
}

// SamePosition whether both updates carry bit-identical coordinates and the same timestamp
func (u LocationUpdate) SamePosition(other LocationUpdate) bool {
	return math.Float64bits(u.Latitude) == math.Float64bits(other.Latitude) &&
		math.Float64bits(u.Longitude) == math.Float64bits(other.Longitude) &&
		u.Timestamp == other.Timestamp
}

// UpdateHandler consumer of location updates for one entity
type UpdateHandler interface {
	OnUpdate(update LocationUpdate)
}

// UpdateHandlerFunc adapt a plain function into an UpdateHandler
type UpdateHandlerFunc func(update LocationUpdate)

// OnUpdate calls f(update)
func (f UpdateHandlerFunc) OnUpdate(update LocationUpdate) {
	f(update)
}

// ==============================================================================
// Addressing

// DestinationForEntity topic destination carrying the updates of one entity
func DestinationForEntity(prefix, entityKey string) string {
	return prefix + entityKey
}

// EntityFromDestination reverse of DestinationForEntity
func EntityFromDestination(prefix, destination string) (string, bool) {
	if !strings.HasPrefix(destination, prefix) {
		return "", false
	}
	entityKey := strings.TrimPrefix(destination, prefix)
	if entityKey == "" {
		return "", false
	}
	return entityKey, true
}

// ==============================================================================
// Wire payload

// locationPayload inbound JSON body
//
// The timestamp is kept verbatim. The server may send any ISO-8601 form, zoned or not.
type locationPayload struct {
	Email       *string  `json:"email"`
	DriverEmail *string  `json:"driverEmail"`
	Latitude    *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Timestamp   *string  `json:"timestamp" validate:"required,min=1"`
}

// updateParser turns raw payloads into LocationUpdates
type updateParser struct {
	validate *validator.Validate
}

func newUpdateParser() updateParser {
	return updateParser{validate: validator.New()}
}

// parse decode and validate a payload received on the destination of entityKey
func (p updateParser) parse(entityKey string, payload []byte) (LocationUpdate, error) {
	var body locationPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return LocationUpdate{}, err
	}
	if err := p.validate.Struct(&body); err != nil {
		return LocationUpdate{}, err
	}
	for _, named := range []*string{body.Email, body.DriverEmail} {
		if named != nil && *named != "" && *named != entityKey {
			return LocationUpdate{}, fmt.Errorf(
				"payload for %s received on the destination of %s", *named, entityKey,
			)
		}
	}
	return LocationUpdate{
		EntityKey: entityKey,
		Latitude:  *body.Latitude,
		Longitude: *body.Longitude,
		Timestamp: *body.Timestamp,
	}, nil
}
