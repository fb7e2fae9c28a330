package mapper

import (
	"strings"

	"github.com/homefeed/mlsync/internal/listing"
)

// naturalKey returns the first present key among names.
func naturalKey(raw map[string]any, names ...string) (string, error) {
	if raw == nil {
		return "", ErrMalformedRecord
	}
	if key := stringField(raw, names...); key != "" {
		return key, nil
	}
	return "", ErrMissingExternalID
}

// TransformAgent maps a Member resource record.
func (m *Mapper) TransformAgent(raw map[string]any, source string) (listing.Agent, error) {
	key, err := naturalKey(raw, "MemberKey", "MemberMlsId")
	if err != nil {
		return listing.Agent{}, err
	}
	name := stringField(raw, "MemberFullName")
	if name == "" {
		name = strings.TrimSpace(stringField(raw, "MemberFirstName") + " " + stringField(raw, "MemberLastName"))
	}
	return listing.Agent{
		Source:        source,
		Key:           key,
		FullName:      name,
		Email:         stringField(raw, "MemberEmail"),
		Phone:         stringField(raw, "MemberDirectPhone", "MemberPreferredPhone", "MemberMobilePhone"),
		OfficeKey:     stringField(raw, "OfficeKey", "OfficeMlsId"),
		LicenseNumber: stringField(raw, "MemberStateLicense"),
		ModifiedAt:    timestampPtr(lookup(raw, "ModificationTimestamp")),
	}, nil
}

// TransformOffice maps an Office resource record.
func (m *Mapper) TransformOffice(raw map[string]any, source string) (listing.Office, error) {
	key, err := naturalKey(raw, "OfficeKey", "OfficeMlsId")
	if err != nil {
		return listing.Office{}, err
	}
	return listing.Office{
		Source:     source,
		Key:        key,
		Name:       stringField(raw, "OfficeName"),
		Phone:      stringField(raw, "OfficePhone"),
		Email:      stringField(raw, "OfficeEmail"),
		City:       stringField(raw, "OfficeCity"),
		ModifiedAt: timestampPtr(lookup(raw, "ModificationTimestamp")),
	}, nil
}

// TransformOpenHouse maps an OpenHouse resource record. ListingID is derived
// from the listing key so it joins against listings without a lookup.
func (m *Mapper) TransformOpenHouse(raw map[string]any, source string) (listing.OpenHouse, error) {
	key, err := naturalKey(raw, "OpenHouseKey", "OpenHouseId")
	if err != nil {
		return listing.OpenHouse{}, err
	}
	oh := listing.OpenHouse{
		Source:     source,
		Key:        key,
		ListingKey: stringField(raw, "ListingKey", "ListingId"),
		StartsAt:   timestampPtr(lookup(raw, "OpenHouseStartTime")),
		EndsAt:     timestampPtr(lookup(raw, "OpenHouseEndTime")),
		Type:       stringField(raw, "OpenHouseType"),
		Remarks:    stringField(raw, "OpenHouseRemarks"),
		ModifiedAt: timestampPtr(lookup(raw, "ModificationTimestamp")),
	}
	if oh.ListingKey != "" {
		oh.ListingID = listing.StableID(source, oh.ListingKey)
	}
	return oh, nil
}

// EmbeddedAgent extracts the listing agent carried on a Property record, or
// nil when the record names none.
func (m *Mapper) EmbeddedAgent(raw map[string]any, source string) *listing.Agent {
	key := m.stringOf(raw, FieldListAgentKey)
	if key == "" {
		return nil
	}
	return &listing.Agent{
		Source:    source,
		Key:       key,
		FullName:  stringField(raw, "ListAgentFullName"),
		Email:     stringField(raw, "ListAgentEmail"),
		Phone:     stringField(raw, "ListAgentDirectPhone", "ListAgentPreferredPhone"),
		OfficeKey: m.stringOf(raw, FieldListOfficeKey),
	}
}

// EmbeddedOffice extracts the listing office carried on a Property record.
func (m *Mapper) EmbeddedOffice(raw map[string]any, source string) *listing.Office {
	key := m.stringOf(raw, FieldListOfficeKey)
	if key == "" {
		return nil
	}
	return &listing.Office{
		Source: source,
		Key:    key,
		Name:   stringField(raw, "ListOfficeName"),
		Phone:  stringField(raw, "ListOfficePhone"),
	}
}
