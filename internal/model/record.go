// Package model defines shared types used across the sync service, the
// transform layer, the API client and the local stores.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// BookingStatus is the closed set of booking states stored locally.
type BookingStatus string

const (
	// StatusPending is the default for unknown upstream states.
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
)

// upstreamStatuses maps lower-cased upstream status labels to local states.
var upstreamStatuses = map[string]BookingStatus{
	"planned":   StatusPending,
	"pending":   StatusPending,
	"confirmed": StatusConfirmed,
	"cancelled": StatusCancelled,
	"canceled":  StatusCancelled,
	"completed": StatusCompleted,
}

// NormalizeStatus maps a free-text upstream status to a [BookingStatus].
// Matching ignores case and surrounding whitespace. Unrecognised values map
// to [StatusPending].
func NormalizeStatus(raw string) BookingStatus {
	if s, ok := upstreamStatuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusPending
}

// Record is a normalised document ready to be upserted. Key returns the
// upstream identifier used as the natural key; Stamp returns a copy with
// LastSynced set to t.
type Record interface {
	Key() string
	Stamp(t time.Time) Record
}

// Booking is the normalised local form of an upstream booking.
type Booking struct {
	ExternalID   string          `json:"externalId"`
	ContractorID string          `json:"contractorId,omitempty"`
	FullName     string          `json:"fullName"`
	BookingDate  time.Time       `json:"bookingDate"`
	Status       BookingStatus   `json:"status"`
	Mapped       map[string]any  `json:"mapped,omitempty"`
	RawData      json.RawMessage `json:"rawData,omitempty"`
	LastSynced   time.Time       `json:"lastSynced"`
}

// Key implements [Record].
func (b Booking) Key() string { return b.ExternalID }

// Stamp implements [Record].
func (b Booking) Stamp(t time.Time) Record {
	b.LastSynced = t
	return b
}

// Photo is the normalised local form of an upstream photo.
type Photo struct {
	ExternalID   string          `json:"externalId"`
	AlbumID      int64           `json:"albumId"`
	Title        string          `json:"title"`
	URL          string          `json:"url"`
	ThumbnailURL string          `json:"thumbnailUrl"`
	Mapped       map[string]any  `json:"mapped,omitempty"`
	RawData      json.RawMessage `json:"rawData,omitempty"`
	LastSynced   time.Time       `json:"lastSynced"`
}

// Key implements [Record].
func (p Photo) Key() string { return p.ExternalID }

// Stamp implements [Record].
func (p Photo) Stamp(t time.Time) Record {
	p.LastSynced = t
	return p
}

// --- Upstream shapes ---------------------------------------------------------

// FlexID decodes an identifier sent either as a JSON string or a JSON number.
type FlexID string

// UnmarshalJSON accepts "abc", 123 and null.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// String returns the identifier as text.
func (f FlexID) String() string { return string(f) }

// Int64 parses the identifier as a base-10 integer.
func (f FlexID) Int64() (int64, error) {
	return strconv.ParseInt(string(f), 10, 64)
}

// RemotePatient carries the patient name fields of an upstream booking. The
// upstream API has been observed to send both lower-case and camel-case keys.
type RemotePatient struct {
	FirstName      string `json:"firstName"`
	FirstNameLower string `json:"firstname"`
	LastName       string `json:"lastName"`
	LastNameLower  string `json:"lastname"`
}

// RemoteBooking is an upstream booking as sent by the remote API.
type RemoteBooking struct {
	ID           FlexID         `json:"id"`
	ContractorID FlexID         `json:"contractorId"`
	Patient      *RemotePatient `json:"patient"`
	FirstName    string         `json:"firstName"`
	LastName     string         `json:"lastName"`
	StartTime    string         `json:"startTime"`
	Start        string         `json:"start"`
	BookingDate  string         `json:"bookingDate"`
	Status       string         `json:"status"`

	// Raw is the original JSON object, kept for auditing and field mapping.
	Raw json.RawMessage `json:"-"`
}

// RemotePhoto is an upstream photo as sent by the remote API.
type RemotePhoto struct {
	ID           FlexID `json:"id"`
	AlbumID      FlexID `json:"albumId"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl"`

	Raw json.RawMessage `json:"-"`
}

// DecodeBooking parses one upstream booking object.
func DecodeBooking(raw json.RawMessage) (RemoteBooking, error) {
	var b RemoteBooking
	if err := json.Unmarshal(raw, &b); err != nil {
		return RemoteBooking{Raw: raw}, err
	}
	b.Raw = raw
	return b, nil
}

// DecodePhoto parses one upstream photo object.
func DecodePhoto(raw json.RawMessage) (RemotePhoto, error) {
	var p RemotePhoto
	if err := json.Unmarshal(raw, &p); err != nil {
		return RemotePhoto{Raw: raw}, err
	}
	p.Raw = raw
	return p, nil
}
