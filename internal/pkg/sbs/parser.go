// Package sbs decodes the BaseStation (SBS-1) comma separated text format
// emitted on port 30003 by dump1090 and similar ADS-B receivers.
//
// Fields are positional. Decoding is best effort: a missing or malformed
// optional field becomes nil and a line is never rejected.
package sbs

import (
	"errors"
	"strconv"
	"strings"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// FieldCount is the number of fields in a complete SBS-1 message line.
const FieldCount = 22

// RecordFieldCount is the number of fields in a BST file record.
const RecordFieldCount = 17

// ErrShortRecord is returned by ParseRecord for lines with fewer than RecordFieldCount fields.
var ErrShortRecord = errors.New("bst record has too few fields")

// Field positions in an SBS-1 message line.
const (
	fieldMessageType = iota
	fieldTransmissionType
	fieldSessionID
	fieldAircraftID
	fieldHexIdent
	fieldFlightID
	fieldGeneratedDate
	fieldGeneratedTime
	fieldLoggedDate
	fieldLoggedTime
	fieldCallsign
	fieldAltitude
	fieldGroundSpeed
	fieldTrack
	fieldLatitude
	fieldLongitude
	fieldVerticalRate
	fieldSquawk
	fieldAlert
	fieldEmergency
	fieldSPI
	fieldIsOnGround
)

type fields []string

func (f fields) get(i int) (string, bool) {
	if i >= len(f) {
		return "", false
	}
	return f[i], true
}

func (f fields) str(i int) string {
	v, _ := f.get(i)
	return v
}

func (f fields) optString(i int) *string {
	v, ok := f.get(i)
	if !ok {
		return nil
	}
	return &v
}

func (f fields) optUint8(i int) *uint8 {
	v, ok := f.get(i)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return nil
	}
	u := uint8(n)
	return &u
}

func (f fields) optUint32(i int) *uint32 {
	v, ok := f.get(i)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return nil
	}
	u := uint32(n)
	return &u
}

func (f fields) optInt32(i int) *int32 {
	v, ok := f.get(i)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return nil
	}
	s := int32(n)
	return &s
}

func (f fields) optFloat64(i int) *float64 {
	v, ok := f.get(i)
	if !ok {
		return nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &n
}

// optFlag decodes the tri-state boolean encoding: -1 is true, 0 is false,
// anything else (including an empty field) is absent.
func (f fields) optFlag(i int) *bool {
	v, ok := f.get(i)
	if !ok {
		return nil
	}
	var b bool
	switch v {
	case "-1":
		b = true
	case "0":
		b = false
	default:
		return nil
	}
	return &b
}

// Parse decodes one SBS-1 line. It never fails: fields past the end of the
// line, and numeric fields that do not parse, are left nil. The required
// string fields default to "" when missing.
func Parse(line string) domain.AircraftReport {
	f := fields(strings.Split(strings.TrimRight(line, "\r\n"), ","))

	return domain.AircraftReport{
		MessageType:      f.str(fieldMessageType),
		TransmissionType: f.optUint8(fieldTransmissionType),
		SessionID:        f.optUint32(fieldSessionID),
		AircraftID:       f.optUint32(fieldAircraftID),
		HexIdent:         f.optString(fieldHexIdent),
		FlightID:         f.optUint32(fieldFlightID),
		GeneratedDate:    f.str(fieldGeneratedDate),
		GeneratedTime:    f.str(fieldGeneratedTime),
		LoggedDate:       f.str(fieldLoggedDate),
		LoggedTime:       f.str(fieldLoggedTime),
		Callsign:         f.optString(fieldCallsign),
		Altitude:         f.optInt32(fieldAltitude),
		GroundSpeed:      f.optFloat64(fieldGroundSpeed),
		Track:            f.optFloat64(fieldTrack),
		Latitude:         f.optFloat64(fieldLatitude),
		Longitude:        f.optFloat64(fieldLongitude),
		VerticalRate:     f.optInt32(fieldVerticalRate),
		Squawk:           f.optString(fieldSquawk),
		Alert:            f.optFlag(fieldAlert),
		Emergency:        f.optFlag(fieldEmergency),
		SPI:              f.optFlag(fieldSPI),
		IsOnGround:       f.optFlag(fieldIsOnGround),
	}
}

// ParseRecord decodes one BST file record. Unlike Parse it requires every
// field to be present; numeric fields that do not parse become zero.
func ParseRecord(line string) (domain.BaseStationRecord, error) {
	f := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(f) < RecordFieldCount {
		return domain.BaseStationRecord{}, ErrShortRecord
	}

	atoi := func(s string) int32 {
		n, _ := strconv.ParseInt(s, 10, 32)
		return int32(n)
	}
	atof := func(s string) float64 {
		n, _ := strconv.ParseFloat(s, 64)
		return n
	}

	return domain.BaseStationRecord{
		Date:             f[0],
		Time:             f[1],
		UniqueID:         f[2],
		HexIdent:         f[3],
		Callsign:         f[4],
		Country:          f[5],
		UnknownField:     f[6],
		Altitude:         atoi(f[7]),
		PressureAltitude: atoi(f[8]),
		Latitude:         atof(f[9]),
		Longitude:        atof(f[10]),
		VerticalRate:     atoi(f[11]),
		Heading:          atof(f[12]),
		GroundSpeed:      atof(f[13]),
		Track:            atof(f[14]),
		Squawk:           f[15],
		AlertFlag:        f[16] == "-1",
	}, nil
}
