package models

// Form kinds. Primary forms go through contact dedup and the participation
// fan-out; secondary forms create a single deal directly.
const (
	KindPrimary   = "primary"
	KindSecondary = "secondary"
)

// SearchFields lists the submission keys used to derive lookup values for
// contact and base-deal dedup. Key order is significant: earlier keys win.
type SearchFields struct {
	INNKeys     []string
	CompanyKeys []string
	PhoneKeys   []string
	EmailKeys   []string
}

// FormMapping is the immutable per-form configuration snapshot. It is built
// wholesale by the mapping store on (re)load and never mutated afterwards.
type FormMapping struct {
	Name               string
	Kind               string
	DealFields         map[string]string // submission key -> CRM deal field
	DealFieldKeys      []string          // submission keys in file order
	ContactFields      map[string]string // submission key -> CRM contact field
	ContactFieldKeys   []string
	ParticipationField string
	FileFields         map[string]string // category keyword -> submission file field
	Search             SearchFields
}

// DealKeysFor returns the submission keys mapped to the given CRM deal field,
// preserving mapping-file order.
func (m *FormMapping) DealKeysFor(crmField string) []string {
	var keys []string
	for _, k := range m.DealFieldKeys {
		if m.DealFields[k] == crmField {
			keys = append(keys, k)
		}
	}
	return keys
}

// ContactKeysFor returns the submission keys mapped to the given CRM contact
// field, preserving mapping-file order.
func (m *FormMapping) ContactKeysFor(crmField string) []string {
	var keys []string
	for _, k := range m.ContactFieldKeys {
		if m.ContactFields[k] == crmField {
			keys = append(keys, k)
		}
	}
	return keys
}
