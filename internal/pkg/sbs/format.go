package sbs

import (
	"strconv"
	"strings"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// Format renders a report as a full 22-field SBS-1 line. Absent fields are
// written empty, so Parse(Format(r)) yields r except that absent string
// fields come back as present empty strings.
func Format(r domain.AircraftReport) string {
	out := make([]string, FieldCount)

	out[fieldMessageType] = r.MessageType
	out[fieldTransmissionType] = formatUint(r.TransmissionType)
	out[fieldSessionID] = formatUint(r.SessionID)
	out[fieldAircraftID] = formatUint(r.AircraftID)
	out[fieldHexIdent] = formatString(r.HexIdent)
	out[fieldFlightID] = formatUint(r.FlightID)
	out[fieldGeneratedDate] = r.GeneratedDate
	out[fieldGeneratedTime] = r.GeneratedTime
	out[fieldLoggedDate] = r.LoggedDate
	out[fieldLoggedTime] = r.LoggedTime
	out[fieldCallsign] = formatString(r.Callsign)
	out[fieldAltitude] = formatInt(r.Altitude)
	out[fieldGroundSpeed] = formatFloat(r.GroundSpeed)
	out[fieldTrack] = formatFloat(r.Track)
	out[fieldLatitude] = formatFloat(r.Latitude)
	out[fieldLongitude] = formatFloat(r.Longitude)
	out[fieldVerticalRate] = formatInt(r.VerticalRate)
	out[fieldSquawk] = formatString(r.Squawk)
	out[fieldAlert] = formatFlag(r.Alert)
	out[fieldEmergency] = formatFlag(r.Emergency)
	out[fieldSPI] = formatFlag(r.SPI)
	out[fieldIsOnGround] = formatFlag(r.IsOnGround)

	return strings.Join(out, ",")
}

func formatString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatUint[T uint8 | uint32](v *T) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func formatInt(v *int32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatFlag(v *bool) string {
	switch {
	case v == nil:
		return ""
	case *v:
		return "-1"
	default:
		return "0"
	}
}
