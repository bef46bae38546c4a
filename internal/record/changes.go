package record

// ChangeSet is one client's local diff against the revision it last
// observed: per-kind upsert lists plus per-kind delete-id lists. Field names
// match the wire contract of the apply operation.
//
// Decoding is tolerant the same way every other boundary is: a non-object
// upsert entry or a non-string delete id is silently dropped and the rest
// of the batch still applies.
//
// Within one apply, upserts are processed before deletes for every kind, so
// an id present in both lists ends up tombstoned.
type ChangeSet struct {
	ContactUpserts      ContactList      `json:"contacts_upserts,omitempty"`
	ContactDeletes      StringList       `json:"contacts_deletes,omitempty"`
	JurisdictionUpserts JurisdictionList `json:"jurisdictions_upserts,omitempty"`
	JurisdictionDeletes StringList       `json:"jurisdictions_deletes,omitempty"`
	PropertyUpserts     PropertyList     `json:"properties_upserts,omitempty"`
	PropertyDeletes     StringList       `json:"properties_deletes,omitempty"`
	PermitUpserts       PermitList       `json:"permits_upserts,omitempty"`
	PermitDeletes       StringList       `json:"permits_deletes,omitempty"`
	TemplateUpserts     TemplateList     `json:"document_templates_upserts,omitempty"`
	TemplateDeletes     StringList       `json:"document_templates_deletes,omitempty"`
	AssignmentUpserts   AssignmentList   `json:"active_template_upserts,omitempty"`
	AssignmentDeletes   StringList       `json:"active_template_deletes,omitempty"`
}

// Empty reports whether the change set contains no upserts and no deletes.
func (c *ChangeSet) Empty() bool {
	return len(c.ContactUpserts) == 0 && len(c.ContactDeletes) == 0 &&
		len(c.JurisdictionUpserts) == 0 && len(c.JurisdictionDeletes) == 0 &&
		len(c.PropertyUpserts) == 0 && len(c.PropertyDeletes) == 0 &&
		len(c.PermitUpserts) == 0 && len(c.PermitDeletes) == 0 &&
		len(c.TemplateUpserts) == 0 && len(c.TemplateDeletes) == 0 &&
		len(c.AssignmentUpserts) == 0 && len(c.AssignmentDeletes) == 0
}
