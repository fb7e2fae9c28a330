package mapper

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/homefeed/mlsync/internal/listing"
)

// Canonical field names used as keys in Vocabulary.Fields.
const (
	FieldExternalID        = "external_id"
	FieldStatus            = "status"
	FieldPropertyType      = "property_type"
	FieldPropertySubType   = "property_sub_type"
	FieldListPrice         = "list_price"
	FieldOriginalListPrice = "original_list_price"
	FieldClosePrice        = "close_price"
	FieldListDate          = "list_date"
	FieldCloseDate         = "close_date"
	FieldExpirationDate    = "expiration_date"
	FieldBeds              = "beds"
	FieldBathsDecimal      = "baths_decimal"
	FieldBathsFull         = "baths_full"
	FieldBathsHalf         = "baths_half"
	FieldLivingArea        = "living_area"
	FieldLotAcres          = "lot_acres"
	FieldYearBuilt         = "year_built"
	FieldLatitude          = "latitude"
	FieldLongitude         = "longitude"
	FieldMedia             = "media"
	FieldRemarks           = "remarks"
	FieldListAgentKey      = "list_agent_key"
	FieldListOfficeKey     = "list_office_key"
	FieldModifiedAt        = "modified_at"
	FieldUnparsedAddress   = "unparsed_address"
	FieldUnit              = "unit"
	FieldCity              = "city"
	FieldState             = "state"
	FieldPostalCode        = "postal_code"
	FieldCounty            = "county"
)

// defaultFields maps canonical fields to RESO Data Dictionary names, most
// specific first.
var defaultFields = map[string][]string{
	FieldExternalID:        {"ListingKey", "ListingId", "ListingKeyNumeric"},
	FieldStatus:            {"StandardStatus", "MlsStatus"},
	FieldPropertyType:      {"PropertyType"},
	FieldPropertySubType:   {"PropertySubType"},
	FieldListPrice:         {"ListPrice"},
	FieldOriginalListPrice: {"OriginalListPrice"},
	FieldClosePrice:        {"ClosePrice"},
	FieldListDate:          {"ListingContractDate", "OnMarketDate"},
	FieldCloseDate:         {"CloseDate"},
	FieldExpirationDate:    {"ExpirationDate"},
	FieldBeds:              {"BedroomsTotal"},
	FieldBathsDecimal:      {"BathroomsTotalDecimal"},
	FieldBathsFull:         {"BathroomsFull"},
	FieldBathsHalf:         {"BathroomsHalf"},
	FieldLivingArea:        {"LivingArea", "BuildingAreaTotal"},
	FieldLotAcres:          {"LotSizeAcres"},
	FieldYearBuilt:         {"YearBuilt"},
	FieldLatitude:          {"Latitude"},
	FieldLongitude:         {"Longitude"},
	FieldMedia:             {"Media"},
	FieldRemarks:           {"PublicRemarks"},
	FieldListAgentKey:      {"ListAgentKey", "ListAgentMlsId"},
	FieldListOfficeKey:     {"ListOfficeKey", "ListOfficeMlsId"},
	FieldModifiedAt:        {"ModificationTimestamp"},
	FieldUnparsedAddress:   {"UnparsedAddress"},
	FieldUnit:              {"UnitNumber"},
	FieldCity:              {"City"},
	FieldState:             {"StateOrProvince"},
	FieldPostalCode:        {"PostalCode"},
	FieldCounty:            {"CountyOrParish"},
}

// streetComponents are joined in order to build the street line.
var streetComponents = []string{
	"StreetNumber", "StreetDirPrefix", "StreetName", "StreetSuffix", "StreetDirSuffix",
}

// defaultStatuses keys are normalized with vocabKey.
var defaultStatuses = map[string]listing.Status{
	"active":                listing.StatusActive,
	"active under contract": listing.StatusPending,
	"activeundercontract":   listing.StatusPending,
	"pending":               listing.StatusPending,
	"under contract":        listing.StatusPending,
	"contingent":            listing.StatusPending,
	"closed":                listing.StatusSold,
	"sold":                  listing.StatusSold,
	"expired":               listing.StatusExpired,
	"withdrawn":             listing.StatusWithdrawn,
	"canceled":              listing.StatusCancelled,
	"cancelled":             listing.StatusCancelled,
	"coming soon":           listing.StatusComingSoon,
	"comingsoon":            listing.StatusComingSoon,
	"hold":                  listing.StatusHold,
	"temp off market":       listing.StatusHold,
	"delete":                listing.StatusDeleted,
	"deleted":               listing.StatusDeleted,
	"incomplete":            listing.StatusUnknown,
	"unknown":               listing.StatusUnknown,
}

var defaultPropertyTypes = map[string]string{
	"residential":          "RESIDENTIAL",
	"residential income":   "MULTI_FAMILY",
	"residential lease":    "RENTAL",
	"land":                 "LAND",
	"farm":                 "FARM",
	"commercial sale":      "COMMERCIAL",
	"commercial lease":     "COMMERCIAL_LEASE",
	"business opportunity": "BUSINESS",
	"manufactured in park": "MANUFACTURED",
}

// Vocabulary holds the lookup tables the mapper normalizes with.
type Vocabulary struct {
	Statuses      map[string]listing.Status
	PropertyTypes map[string]string
	Fields        map[string][]string
}

// DefaultVocabulary returns a copy of the built-in tables.
func DefaultVocabulary() *Vocabulary {
	v := &Vocabulary{
		Statuses:      make(map[string]listing.Status, len(defaultStatuses)),
		PropertyTypes: make(map[string]string, len(defaultPropertyTypes)),
		Fields:        make(map[string][]string, len(defaultFields)),
	}
	for k, s := range defaultStatuses {
		v.Statuses[k] = s
	}
	for k, s := range defaultPropertyTypes {
		v.PropertyTypes[k] = s
	}
	for k, keys := range defaultFields {
		v.Fields[k] = append([]string(nil), keys...)
	}
	return v
}

// vocabularyFile is the on-disk override format:
//
//	[status]
//	"Active Under Contract" = "PENDING"
//
//	[property_type]
//	"Condominium" = "CONDO"
//
//	[fields]
//	external_id = ["MLSNumber"]
type vocabularyFile struct {
	Status       map[string]string   `toml:"status"`
	PropertyType map[string]string   `toml:"property_type"`
	Fields       map[string][]string `toml:"fields"`
}

// LoadVocabulary reads a TOML override file and merges it over the built-in
// tables. Field aliases from the file are tried before the defaults.
func LoadVocabulary(path string) (*Vocabulary, error) {
	var f vocabularyFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown vocabulary keys in %s: %v", path, undecoded)
	}

	v := DefaultVocabulary()
	for k, s := range f.Status {
		v.Statuses[vocabKey(k)] = listing.Status(strings.ToUpper(strings.TrimSpace(s)))
	}
	for k, s := range f.PropertyType {
		v.PropertyTypes[vocabKey(k)] = strings.TrimSpace(s)
	}
	for field, keys := range f.Fields {
		if _, ok := defaultFields[field]; !ok {
			return nil, fmt.Errorf("unknown canonical field %q in %s", field, path)
		}
		v.Fields[field] = append(append([]string(nil), keys...), v.Fields[field]...)
	}
	return v, nil
}

// NormalizeStatus maps a provider status onto the canonical set. Unmapped
// values pass through uppercased; blank input yields "".
func (v *Vocabulary) NormalizeStatus(raw string) listing.Status {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if s, ok := v.Statuses[vocabKey(raw)]; ok {
		return s
	}
	return listing.Status(strings.ToUpper(raw))
}

// NormalizePropertyType maps a provider property type; unmapped values pass
// through unchanged.
func (v *Vocabulary) NormalizePropertyType(raw string) string {
	raw = strings.TrimSpace(raw)
	if s, ok := v.PropertyTypes[vocabKey(raw)]; ok {
		return s
	}
	return raw
}

// vocabKey folds case and treats "_", "-" and runs of spaces alike.
func vocabKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
