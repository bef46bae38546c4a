// Package record provides the entity records synchronized through the shared
// permit-tracker state: contacts, jurisdictions, properties, permits,
// document templates, and the permit-type to template assignment map.
//
// Records are flat, JSON-friendly structures with last-write-wins semantics.
// The natural key of each kind is unique per tenant; every other field is
// replaced wholesale on upsert. Nested collections (roles, parties, slots)
// are carried as opaque lists that normalize to empty, never null, so that
// malformed input from older clients degrades to "no entries" instead of
// poisoning the row.
package record

import (
	"encoding/json"
	"strings"
)

// StringList is a list of free-text values with tolerant decoding.
// Anything that is not a JSON array decodes to an empty list, and non-string
// elements within an array are skipped. It always marshals as an array.
type StringList []string

// UnmarshalJSON implements tolerant decoding for StringList.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*l = StringList{}
		return nil
	}
	out := make(StringList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		out = append(out, strings.TrimSpace(s))
	}
	*l = out
	return nil
}

// MarshalJSON always emits a JSON array, never null.
func (l StringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// BlobList is a list of opaque structured entries (contact methods, permit
// parties, timeline events, document slots). Entries are kept verbatim as
// raw JSON objects; non-object elements and non-array input decode to
// empty. It always marshals as an array.
type BlobList []json.RawMessage

// UnmarshalJSON implements tolerant decoding for BlobList.
func (l *BlobList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*l = BlobList{}
		return nil
	}
	out := make(BlobList, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(string(item))
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		out = append(out, item)
	}
	*l = out
	return nil
}

// MarshalJSON always emits a JSON array, never null.
func (l BlobList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(l))
}

// tolerantSlice decodes a JSON array of objects into records, skipping
// elements that are not objects or do not decode. Non-array input decodes
// to an empty slice. Dropping a malformed entry never fails the batch it
// arrived in.
func tolerantSlice[T any](data []byte) []T {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return []T{}
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		if !strings.HasPrefix(strings.TrimSpace(string(item)), "{") {
			continue
		}
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ContactList, JurisdictionList, PropertyList, PermitList, TemplateList and
// AssignmentList carry the per-kind record collections with the same
// tolerant decoding as StringList: malformed elements are skipped, the rest
// of the list survives.
type (
	ContactList      []Contact
	JurisdictionList []Jurisdiction
	PropertyList     []Property
	PermitList       []Permit
	TemplateList     []DocumentTemplate
	AssignmentList   []TemplateAssignment
)

func (l *ContactList) UnmarshalJSON(data []byte) error {
	*l = tolerantSlice[Contact](data)
	return nil
}

func (l *JurisdictionList) UnmarshalJSON(data []byte) error {
	*l = tolerantSlice[Jurisdiction](data)
	return nil
}

func (l *PropertyList) UnmarshalJSON(data []byte) error {
	*l = tolerantSlice[Property](data)
	return nil
}

func (l *PermitList) UnmarshalJSON(data []byte) error {
	*l = tolerantSlice[Permit](data)
	return nil
}

func (l *TemplateList) UnmarshalJSON(data []byte) error {
	*l = tolerantSlice[DocumentTemplate](data)
	return nil
}

func (l *AssignmentList) UnmarshalJSON(data []byte) error {
	*l = tolerantSlice[TemplateAssignment](data)
	return nil
}

// Contact is a person or company referenced by properties and permits.
type Contact struct {
	ContactID      string     `json:"contact_id"`
	Name           string     `json:"name"`
	Roles          StringList `json:"roles"`
	Emails         StringList `json:"emails"`
	Numbers        StringList `json:"numbers"`
	ContactMethods BlobList   `json:"contact_methods"`
	ListColor      string     `json:"list_color,omitempty"`
}

// Key returns the natural key for a Contact.
func (c Contact) Key() string { return strings.TrimSpace(c.ContactID) }

// Jurisdiction is a permitting authority (city, county, utility district).
type Jurisdiction struct {
	JurisdictionID   string     `json:"jurisdiction_id"`
	Name             string     `json:"name"`
	JurisdictionType string     `json:"jurisdiction_type,omitempty"`
	ParentCounty     string     `json:"parent_county,omitempty"`
	PortalVendor     string     `json:"portal_vendor,omitempty"`
	PortalURLs       StringList `json:"portal_urls"`
	ContactIDs       StringList `json:"contact_ids"`
	Notes            string     `json:"notes,omitempty"`
	ListColor        string     `json:"list_color,omitempty"`
}

// Key returns the natural key for a Jurisdiction.
func (j Jurisdiction) Key() string { return strings.TrimSpace(j.JurisdictionID) }

// Property is a parcel or address that permits are filed against. The
// jurisdiction and contact references are soft: they are ids only, never
// validated for existence at write time.
type Property struct {
	PropertyID     string     `json:"property_id"`
	DisplayAddress string     `json:"display_address"`
	ParcelID       string     `json:"parcel_id,omitempty"`
	JurisdictionID string     `json:"jurisdiction_id,omitempty"`
	ContactIDs     StringList `json:"contact_ids"`
	Tags           StringList `json:"tags"`
	Notes          string     `json:"notes,omitempty"`
	ListColor      string     `json:"list_color,omitempty"`
}

// Key returns the natural key for a Property.
func (p Property) Key() string { return strings.TrimSpace(p.PropertyID) }

// Permit is a single permit application tracked against a property.
type Permit struct {
	PermitID        string   `json:"permit_id"`
	PropertyID      string   `json:"property_id,omitempty"`
	PermitType      string   `json:"permit_type,omitempty"`
	PermitNumber    string   `json:"permit_number,omitempty"`
	Status          string   `json:"status,omitempty"`
	RequestDate     string   `json:"request_date,omitempty"`
	ApplicationDate string   `json:"application_date,omitempty"`
	CompletionDate  string   `json:"completion_date,omitempty"`
	NextActionText  string   `json:"next_action_text,omitempty"`
	NextActionDue   string   `json:"next_action_due,omitempty"`
	Parties         BlobList `json:"parties"`
	Events          BlobList `json:"events"`
	DocumentSlots   BlobList `json:"document_slots"`
}

// Key returns the natural key for a Permit.
func (p Permit) Key() string { return strings.TrimSpace(p.PermitID) }

// DocumentTemplate is a named checklist of document slots for a permit type.
type DocumentTemplate struct {
	TemplateID string   `json:"template_id"`
	Name       string   `json:"name"`
	PermitType string   `json:"permit_type,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Slots      BlobList `json:"slots"`
}

// Key returns the natural key for a DocumentTemplate.
func (t DocumentTemplate) Key() string { return strings.TrimSpace(t.TemplateID) }

// TemplateAssignment maps a permit type to its active document template.
// Unlike the other kinds it is keyed by permit type, and deleting an
// assignment clears the template id in addition to tombstoning the row.
type TemplateAssignment struct {
	PermitType string `json:"permit_type"`
	TemplateID string `json:"template_id"`
}

// Key returns the natural key for a TemplateAssignment.
func (a TemplateAssignment) Key() string { return strings.TrimSpace(a.PermitType) }
