// Package mapper normalizes raw provider records into canonical listings.
//
// A Mapper performs no I/O and holds no mutable state after construction,
// so one instance may be shared by any number of goroutines. Missing or
// malformed optional fields degrade to nil; only a record without an
// external identifier is rejected.
package mapper

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/homefeed/mlsync/internal/listing"
)

var (
	// ErrMissingExternalID means the record has no identifiable key. The
	// caller counts such records as skipped.
	ErrMissingExternalID = errors.New("record has no external identifier")

	// ErrMalformedRecord means the record could not be read at all.
	ErrMalformedRecord = errors.New("malformed record")
)

// GeohashPrecision is the number of geohash characters stored per listing.
const GeohashPrecision = 7

// missingOrder sorts photos without an order field after ordered ones.
const missingOrder = 1 << 30

// Mapper converts raw provider records to canonical types.
type Mapper struct {
	vocab *Vocabulary
}

// New returns a Mapper using vocab, or the built-in vocabulary when nil.
func New(vocab *Vocabulary) *Mapper {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Mapper{vocab: vocab}
}

var defaultMapper = New(nil)

// Transform maps raw with the built-in vocabulary.
func Transform(raw map[string]any, source string) (listing.Listing, error) {
	return defaultMapper.Transform(raw, source)
}

// Vocabulary returns the tables this mapper normalizes with.
func (m *Mapper) Vocabulary() *Vocabulary {
	return m.vocab
}

func (m *Mapper) field(raw map[string]any, name string) (any, bool) {
	return lookup(raw, m.vocab.Fields[name]...)
}

func (m *Mapper) stringOf(raw map[string]any, name string) string {
	v, ok := m.field(raw, name)
	if !ok {
		return ""
	}
	s, _ := str(v)
	return s
}

// ExternalID returns the record's provider identifier.
func (m *Mapper) ExternalID(raw map[string]any) (string, error) {
	if raw == nil {
		return "", ErrMalformedRecord
	}
	v, ok := m.field(raw, FieldExternalID)
	if !ok {
		return "", ErrMissingExternalID
	}
	id, ok := str(v)
	if !ok {
		if _, isString := v.(string); isString {
			return "", ErrMissingExternalID
		}
		return "", fmt.Errorf("%w: external identifier has type %T", ErrMalformedRecord, v)
	}
	return id, nil
}

// Transform maps one raw provider record to a canonical listing.
func (m *Mapper) Transform(raw map[string]any, source string) (listing.Listing, error) {
	externalID, err := m.ExternalID(raw)
	if err != nil {
		return listing.Listing{}, err
	}

	l := listing.Listing{
		ID:         listing.StableID(source, externalID),
		Source:     source,
		ExternalID: externalID,

		Status:          m.vocab.NormalizeStatus(m.stringOf(raw, FieldStatus)),
		PropertySubType: m.stringOf(raw, FieldPropertySubType),

		ListPrice:         int64Ptr(m.field(raw, FieldListPrice)),
		OriginalListPrice: int64Ptr(m.field(raw, FieldOriginalListPrice)),
		ClosePrice:        int64Ptr(m.field(raw, FieldClosePrice)),

		ListDate:       datePtr(m.field(raw, FieldListDate)),
		CloseDate:      datePtr(m.field(raw, FieldCloseDate)),
		ExpirationDate: datePtr(m.field(raw, FieldExpirationDate)),

		Beds:       intPtr(m.field(raw, FieldBeds)),
		Baths:      m.baths(raw),
		LivingArea: intPtr(m.field(raw, FieldLivingArea)),
		LotAcres:   floatPtr(m.field(raw, FieldLotAcres)),
		YearBuilt:  intPtr(m.field(raw, FieldYearBuilt)),

		Address:   m.address(raw),
		Latitude:  floatPtr(m.field(raw, FieldLatitude)),
		Longitude: floatPtr(m.field(raw, FieldLongitude)),

		Remarks:       m.stringOf(raw, FieldRemarks),
		ListAgentKey:  m.stringOf(raw, FieldListAgentKey),
		ListOfficeKey: m.stringOf(raw, FieldListOfficeKey),

		ModifiedAt: timestampPtr(m.field(raw, FieldModifiedAt)),
	}
	if pt := m.stringOf(raw, FieldPropertyType); pt != "" {
		l.PropertyType = m.vocab.NormalizePropertyType(pt)
	}
	l.Geohash = encodeGeohash(l.Latitude, l.Longitude)

	if media, ok := m.field(raw, FieldMedia); ok {
		l.Photos = photos(media)
		if len(l.Photos) > 0 {
			l.PrimaryPhoto = l.Photos[0].URL
		}
	}
	return l, nil
}

// baths prefers a decimal total, then full + half*0.5, then nil.
func (m *Mapper) baths(raw map[string]any) *float64 {
	if b := floatPtr(m.field(raw, FieldBathsDecimal)); b != nil {
		return b
	}
	full := floatPtr(m.field(raw, FieldBathsFull))
	half := floatPtr(m.field(raw, FieldBathsHalf))
	if full == nil && half == nil {
		return nil
	}
	var total float64
	if full != nil {
		total += *full
	}
	if half != nil {
		total += *half * 0.5
	}
	return &total
}

func (m *Mapper) address(raw map[string]any) listing.Address {
	var parts []string
	for _, key := range streetComponents {
		if s := stringField(raw, key); s != "" {
			parts = append(parts, s)
		}
	}

	a := listing.Address{
		StreetNumber:    stringField(raw, "StreetNumber"),
		StreetName:      stringField(raw, "StreetName"),
		Unit:            m.stringOf(raw, FieldUnit),
		City:            m.stringOf(raw, FieldCity),
		StateOrProvince: m.stringOf(raw, FieldState),
		PostalCode:      m.stringOf(raw, FieldPostalCode),
		County:          m.stringOf(raw, FieldCounty),
	}
	if len(parts) == 0 {
		a.Full = m.stringOf(raw, FieldUnparsedAddress)
		return a
	}
	a.Full = strings.Join(parts, " ")
	if a.Unit != "" {
		a.Full += " #" + strings.TrimLeft(a.Unit, "# ")
	}
	return a
}

var photoCategories = map[string]bool{
	"photo":  true,
	"photos": true,
	"image":  true,
}

// photos keeps photo-category media sorted by order. A non-list value yields
// an empty, non-nil slice.
func photos(media any) []listing.Photo {
	out := []listing.Photo{}
	entries, ok := media.([]any)
	if !ok {
		return out
	}
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok || !isPhoto(entry) {
			continue
		}
		url := stringField(entry, "MediaURL", "MediaUrl", "Url")
		if url == "" {
			continue
		}
		p := listing.Photo{
			URL:     url,
			Order:   missingOrder,
			Caption: stringField(entry, "ShortDescription", "LongDescription"),
		}
		if order := intPtr(lookup(entry, "Order", "MediaOrder")); order != nil {
			p.Order = *order
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func isPhoto(entry map[string]any) bool {
	if category := stringField(entry, "MediaCategory"); category != "" {
		return photoCategories[strings.ToLower(category)]
	}
	mediaType := strings.ToLower(stringField(entry, "MediaType", "MimeType"))
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return true
	case mediaType == "jpeg", mediaType == "jpg", mediaType == "png":
		return true
	}
	return false
}

func encodeGeohash(lat, lng *float64) string {
	if lat == nil || lng == nil {
		return ""
	}
	if *lat == 0 && *lng == 0 {
		return ""
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		return ""
	}
	return geohash.EncodeWithPrecision(*lat, *lng, GeohashPrecision)
}
