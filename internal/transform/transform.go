// Package transform maps upstream record shapes onto the normalised
// [model.Booking] and [model.Photo] documents.
//
// Each record kind has a [Transform] that is either the default mapping or a
// caller-supplied function. A custom function fully replaces the default; the
// two are never merged.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/apisync/internal/model"
)

// UnknownPatient is the full name used when an upstream booking carries no
// patient name at all.
const UnknownPatient = "Unknown patient"

// dateLayouts are tried in order when parsing upstream booking dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ErrMissingID is returned when an upstream record has no usable id.
var ErrMissingID = errors.New("record has no id")

// Transform is a tagged variant: the zero value selects the default mapping,
// [Custom] selects a replacement function.
type Transform[In, Out any] struct {
	custom func(In) (Out, error)
}

// Custom returns a Transform that uses fn instead of the default mapping.
func Custom[In, Out any](fn func(In) (Out, error)) Transform[In, Out] {
	return Transform[In, Out]{custom: fn}
}

// IsCustom reports whether t replaces the default mapping.
func (t Transform[In, Out]) IsCustom() bool { return t.custom != nil }

// Apply runs the custom function if set, otherwise def.
func (t Transform[In, Out]) Apply(in In, def func(In) (Out, error)) (Out, error) {
	if t.custom != nil {
		return t.custom(in)
	}
	return def(in)
}

// Set holds the transform chosen for each record kind.
type Set struct {
	Booking Transform[model.RemoteBooking, model.Booking]
	Photo   Transform[model.RemotePhoto, model.Photo]
}

// ToBooking converts one upstream booking using s.Booking.
func (s Set) ToBooking(raw model.RemoteBooking, mapping map[string]string, now time.Time) (model.Booking, error) {
	return s.Booking.Apply(raw, func(r model.RemoteBooking) (model.Booking, error) {
		return Booking(r, mapping, now)
	})
}

// ToPhoto converts one upstream photo using s.Photo.
func (s Set) ToPhoto(raw model.RemotePhoto, mapping map[string]string) (model.Photo, error) {
	return s.Photo.Apply(raw, func(r model.RemotePhoto) (model.Photo, error) {
		return Photo(r, mapping)
	})
}

// --- Default mappings --------------------------------------------------------

// Booking is the default booking mapping. A missing start time falls back
// to now; a present but unparseable one is an error.
func Booking(raw model.RemoteBooking, mapping map[string]string, now time.Time) (model.Booking, error) {
	id := strings.TrimSpace(raw.ID.String())
	if id == "" {
		return model.Booking{}, ErrMissingID
	}

	date, err := bookingDate(raw, now)
	if err != nil {
		return model.Booking{}, err
	}

	mapped, err := MapFields(raw.Raw, mapping)
	if err != nil {
		return model.Booking{}, err
	}

	return model.Booking{
		ExternalID:   id,
		ContractorID: raw.ContractorID.String(),
		FullName:     FullName(raw),
		BookingDate:  date,
		Status:       model.NormalizeStatus(raw.Status),
		Mapped:       mapped,
		RawData:      raw.Raw,
	}, nil
}

// Photo is the default photo mapping: a direct field copy plus the field
// mapping overlay.
func Photo(raw model.RemotePhoto, mapping map[string]string) (model.Photo, error) {
	id := strings.TrimSpace(raw.ID.String())
	if id == "" {
		return model.Photo{}, ErrMissingID
	}

	var album int64
	if raw.AlbumID != "" {
		n, err := raw.AlbumID.Int64()
		if err != nil {
			return model.Photo{}, fmt.Errorf("invalid albumId %q: %w", raw.AlbumID, err)
		}
		album = n
	}

	mapped, err := MapFields(raw.Raw, mapping)
	if err != nil {
		return model.Photo{}, err
	}

	return model.Photo{
		ExternalID:   id,
		AlbumID:      album,
		Title:        raw.Title,
		URL:          raw.URL,
		ThumbnailURL: raw.ThumbnailURL,
		Mapped:       mapped,
		RawData:      raw.Raw,
	}, nil
}

// FullName composes the patient's name from whichever casing the upstream
// sent, falling back to top-level name fields and then [UnknownPatient].
func FullName(raw model.RemoteBooking) string {
	var first, last string
	if p := raw.Patient; p != nil {
		first = firstNonEmpty(p.FirstNameLower, p.FirstName)
		last = firstNonEmpty(p.LastNameLower, p.LastName)
	}
	if first == "" && last == "" {
		first, last = raw.FirstName, raw.LastName
	}
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		return UnknownPatient
	}
	return name
}

func bookingDate(raw model.RemoteBooking, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(firstNonEmpty(raw.StartTime, raw.Start, raw.BookingDate))
	if s == "" {
		return now, nil
	}
	return ParseDate(s)
}

// ParseDate parses an upstream timestamp. Values without a zone are taken
// as UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid booking date %q", s)
}

// MapFields copies each source field present in the raw object into the
// overlay under its target name. It returns nil when nothing was mapped.
func MapFields(raw json.RawMessage, mapping map[string]string) (map[string]any, error) {
	if len(mapping) == 0 || len(raw) == 0 {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding record for field mapping: %w", err)
	}
	var mapped map[string]any
	for source, target := range mapping {
		v, ok := obj[source]
		if !ok || target == "" {
			continue
		}
		if mapped == nil {
			mapped = make(map[string]any, len(mapping))
		}
		mapped[target] = v
	}
	return mapped, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
