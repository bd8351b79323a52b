package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGeneratedDate is returned when a report's generated date does not
// split into exactly three "/"-separated parts, so no hierarchical key can be derived.
var ErrInvalidGeneratedDate = errors.New("generated_date is not in YYYY/MM/DD form")

// AircraftReport is one parsed BaseStation (SBS-1) message.
// A nil pointer field means the value was absent on the wire or failed to decode.
type AircraftReport struct {
	MessageType      string   `json:"message_type" bson:"message_type"`
	TransmissionType *uint8   `json:"transmission_type,omitempty" bson:"transmission_type,omitempty"`
	SessionID        *uint32  `json:"session_id,omitempty" bson:"session_id,omitempty"`
	AircraftID       *uint32  `json:"aircraft_id,omitempty" bson:"aircraft_id,omitempty"`
	HexIdent         *string  `json:"hex_ident,omitempty" bson:"hex_ident,omitempty"`
	FlightID         *uint32  `json:"flight_id,omitempty" bson:"flight_id,omitempty"`
	GeneratedDate    string   `json:"generated_date" bson:"generated_date"`
	GeneratedTime    string   `json:"generated_time" bson:"generated_time"`
	LoggedDate       string   `json:"logged_date" bson:"logged_date"`
	LoggedTime       string   `json:"logged_time" bson:"logged_time"`
	Callsign         *string  `json:"callsign,omitempty" bson:"callsign,omitempty"`
	Altitude         *int32   `json:"altitude,omitempty" bson:"altitude,omitempty"`
	GroundSpeed      *float64 `json:"ground_speed,omitempty" bson:"ground_speed,omitempty"`
	Track            *float64 `json:"track,omitempty" bson:"track,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty" bson:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty" bson:"longitude,omitempty"`
	VerticalRate     *int32   `json:"vertical_rate,omitempty" bson:"vertical_rate,omitempty"`
	Squawk           *string  `json:"squawk,omitempty" bson:"squawk,omitempty"`
	Alert            *bool    `json:"alert,omitempty" bson:"alert,omitempty"`
	Emergency        *bool    `json:"emergency,omitempty" bson:"emergency,omitempty"`
	SPI              *bool    `json:"spi,omitempty" bson:"spi,omitempty"`
	IsOnGround       *bool    `json:"is_on_ground,omitempty" bson:"is_on_ground,omitempty"`
}

// StoredReport is the element appended to the hierarchical aggregate. MessageID
// is the queue delivery ID; it makes a redelivered message compare equal to the
// entry it already produced.
type StoredReport struct {
	MessageID      string `json:"message_id" bson:"message_id"`
	AircraftReport `bson:",inline"`
}

// BaseStationRecord is one row of a BaseStation BST export file.
type BaseStationRecord struct {
	Date             string  `json:"date"`
	Time             string  `json:"time"`
	UniqueID         string  `json:"unique_id"`
	HexIdent         string  `json:"hex_ident"`
	Callsign         string  `json:"callsign"`
	Country          string  `json:"country"`
	UnknownField     string  `json:"unknown_field"`
	Altitude         int32   `json:"altitude"`
	PressureAltitude int32   `json:"pressure_altitude"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	VerticalRate     int32   `json:"vertical_rate"`
	Heading          float64 `json:"heading"`
	GroundSpeed      float64 `json:"ground_speed"`
	Track            float64 `json:"track"`
	Squawk           string  `json:"squawk"`
	AlertFlag        bool    `json:"alert_flag"`
}

// HierarchicalKey addresses the array a report is appended to inside the
// aggregate document. It is derived per report and never stored on its own.
type HierarchicalKey struct {
	Year     string
	Month    string
	Day      string
	HexIdent string
}

// String renders the dotted document path year.month.day.hex_ident.
func (k HierarchicalKey) String() string {
	return k.Year + "." + k.Month + "." + k.Day + "." + k.HexIdent
}

// KeyFor derives the hierarchical key of a report from its generated date and
// hex ident. The date parts are used verbatim; calendar validity is not checked.
func KeyFor(r AircraftReport) (HierarchicalKey, error) {
	parts := strings.Split(r.GeneratedDate, "/")
	if len(parts) != 3 {
		return HierarchicalKey{}, fmt.Errorf("%w: %q", ErrInvalidGeneratedDate, r.GeneratedDate)
	}

	var hex string
	if r.HexIdent != nil {
		hex = *r.HexIdent
	}

	return HierarchicalKey{
		Year:     parts[0],
		Month:    parts[1],
		Day:      parts[2],
		HexIdent: hex,
	}, nil
}
