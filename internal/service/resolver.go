package service

import (
	"context"
	"strconv"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/config"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

// Contact is the slice of a CRM contact the pipeline cares about.
type Contact struct {
	ID        int
	CompanyID int
}

// EntityResolver deduplicates contacts and detects pre-existing base deals
// using a fixed precedence of identity signals. The first successful
// criterion short-circuits; results are never merged across criteria.
type EntityResolver struct {
	crm *bitrix.Client
	cfg *config.Config
}

func NewEntityResolver(crm *bitrix.Client, cfg *config.Config) *EntityResolver {
	return &EntityResolver{crm: crm, cfg: cfg}
}

var contactSelect = []string{"ID", "COMPANY_ID"}

// FindContact tries each phone, then each email, then each company name, in
// order. Returns nil when nothing matches.
func (r *EntityResolver) FindContact(ctx context.Context, search SearchValues) (*Contact, error) {
	for _, phone := range search.Phones {
		contact, err := r.firstContact(ctx, map[string]any{"PHONE": phone})
		if err != nil || contact != nil {
			return contact, err
		}
	}
	for _, email := range search.Emails {
		contact, err := r.firstContact(ctx, map[string]any{"EMAIL": email})
		if err != nil || contact != nil {
			return contact, err
		}
	}
	for _, company := range search.Companies {
		contact, err := r.firstContact(ctx, map[string]any{"COMPANY_TITLE": company})
		if err != nil || contact != nil {
			return contact, err
		}
	}
	return nil, nil
}

func (r *EntityResolver) firstContact(ctx context.Context, filter map[string]any) (*Contact, error) {
	contacts, err := r.crm.ListContacts(ctx, filter, contactSelect)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &Contact{
		ID:        idToInt(contacts[0]["ID"]),
		CompanyID: idToInt(contacts[0]["COMPANY_ID"]),
	}, nil
}

// FindBaseDeal looks for a pre-existing deal in the base category: by INN,
// then by company name per configured key, then by the resolved contact's
// id, then by that contact's company id. The CRM's id-descending ordering
// picks the newest hit.
func (r *EntityResolver) FindBaseDeal(ctx context.Context, search SearchValues, contact *Contact) (int, error) {
	var filters []map[string]any
	if search.INN != "" {
		filters = append(filters, map[string]any{r.cfg.INNField: search.INN})
	}
	for _, company := range search.Companies {
		filters = append(filters, map[string]any{"%" + r.cfg.TitleField: company})
	}
	if contact != nil {
		filters = append(filters, map[string]any{"CONTACT_ID": contact.ID})
		if contact.CompanyID != 0 {
			filters = append(filters, map[string]any{"COMPANY_ID": contact.CompanyID})
		}
	}

	for _, filter := range filters {
		filter["CATEGORY_ID"] = r.cfg.BaseCategoryID
		deals, err := r.crm.ListDeals(ctx, filter, []string{"ID", "STAGE_ID"})
		if err != nil {
			return 0, err
		}
		if len(deals) > 0 {
			return idToInt(deals[0]["ID"]), nil
		}
	}
	return 0, nil
}

// EnsureContact returns the resolved contact's ids, or creates a contact
// from the mapping's contact fields plus fallback first phone/email. An
// empty built payload yields absent ids without a CRM call. The created
// flag reports whether a CRM contact was added.
func (r *EntityResolver) EnsureContact(ctx context.Context, m *models.FormMapping, payload map[string]any, search SearchValues, found *Contact) (contactID, companyID int, created bool, err error) {
	if found != nil {
		return found.ID, found.CompanyID, false, nil
	}

	fields := map[string]any{}
	var phones, emails []string
	for _, key := range m.ContactFieldKeys {
		crmField := m.ContactFields[key]
		value := NormalizeValue(payload[key])
		if value == nil {
			continue
		}
		switch crmField {
		case "PHONE":
			phones = append(phones, valueStrings(value)...)
		case "EMAIL":
			emails = append(emails, valueStrings(value)...)
		default:
			fields[crmField] = value
		}
	}
	if len(phones) == 0 && len(search.Phones) > 0 {
		phones = search.Phones[:1]
	}
	if len(emails) == 0 && len(search.Emails) > 0 {
		emails = search.Emails[:1]
	}
	if len(phones) > 0 {
		fields["PHONE"] = multiValues(phones)
	}
	if len(emails) > 0 {
		fields["EMAIL"] = multiValues(emails)
	}
	if len(fields) == 0 {
		return 0, 0, false, nil
	}

	id, err := r.crm.CreateContact(ctx, fields)
	if err != nil {
		return 0, 0, false, err
	}
	return id, 0, true, nil
}

// multiValues folds plain strings into CRM multi-value sub-records tagged as
// work contacts.
func multiValues(values []string) []map[string]any {
	out := make([]map[string]any, len(values))
	for i, v := range values {
		out[i] = map[string]any{"VALUE": v, "VALUE_TYPE": "WORK"}
	}
	return out
}

func valueStrings(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func idToInt(v any) int {
	switch id := v.(type) {
	case float64:
		return int(id)
	case int:
		return id
	case string:
		n, _ := strconv.Atoi(id)
		return n
	}
	return 0
}
