package record

import (
	"encoding/json"
)

// Bundle holds full collections for all six kinds. It is both the payload of
// the snapshot (full-replace) operation and the shape of the compatibility
// mirror kept on the tenant state row. The JSON keys match the legacy
// single-blob payload so readers that predate the relational model keep
// working unchanged.
//
// Tombstones never appear in a Bundle: a deleted entity simply vanishes.
type Bundle struct {
	Contacts          ContactList      `json:"contacts"`
	Jurisdictions     JurisdictionList `json:"jurisdictions"`
	Properties        PropertyList     `json:"properties"`
	Permits           PermitList       `json:"permits"`
	DocumentTemplates TemplateList     `json:"documentTemplates"`
	// ActiveTemplates maps permit type to active document template id.
	ActiveTemplates map[string]string `json:"activeDocumentTemplateIds"`
}

// NewBundle returns an empty bundle with all collections allocated.
func NewBundle() Bundle {
	return Bundle{
		Contacts:          []Contact{},
		Jurisdictions:     []Jurisdiction{},
		Properties:        []Property{},
		Permits:           []Permit{},
		DocumentTemplates: []DocumentTemplate{},
		ActiveTemplates:   map[string]string{},
	}
}

// Clean drops entries with blank natural keys and blank assignment values,
// and replaces nil collections with empty ones. It is applied to every
// bundle that crosses a trust boundary (mirror parse, snapshot request,
// legacy import).
func (b *Bundle) Clean() {
	b.Contacts = cleanKeyed(b.Contacts)
	b.Jurisdictions = cleanKeyed(b.Jurisdictions)
	b.Properties = cleanKeyed(b.Properties)
	b.Permits = cleanKeyed(b.Permits)
	b.DocumentTemplates = cleanKeyed(b.DocumentTemplates)

	active := make(map[string]string, len(b.ActiveTemplates))
	for permitType, templateID := range b.ActiveTemplates {
		a := TemplateAssignment{PermitType: permitType, TemplateID: templateID}
		if a.Key() == "" {
			continue
		}
		active[a.Key()] = a.TemplateID
	}
	b.ActiveTemplates = active
}

// Counts returns the number of entries per kind, in mirror key order.
func (b *Bundle) Counts() map[string]int {
	return map[string]int{
		"contacts":          len(b.Contacts),
		"jurisdictions":     len(b.Jurisdictions),
		"properties":        len(b.Properties),
		"permits":           len(b.Permits),
		"documentTemplates": len(b.DocumentTemplates),
		"activeTemplates":   len(b.ActiveTemplates),
	}
}

// Keyed is the constraint shared by the five list-shaped entity kinds.
type Keyed interface {
	Key() string
}

func cleanKeyed[T Keyed](in []T) []T {
	out := make([]T, 0, len(in))
	for _, item := range in {
		if item.Key() == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// ParseMirror decodes a stored mirror payload. The mirror is best-effort
// derived state, so a corrupt or missing payload parses to an empty bundle
// rather than failing the apply that needs it.
func ParseMirror(data []byte) Bundle {
	bundle := NewBundle()
	if len(data) == 0 {
		return bundle
	}
	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		return bundle
	}
	decoded.Clean()
	return decoded
}

// MarshalMirror encodes a bundle as the stored mirror payload.
func MarshalMirror(b Bundle) ([]byte, error) {
	b.Clean()
	return json.Marshal(b)
}
