package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

func TestFindContactPhoneBeatsEmail(t *testing.T) {
	crm := newFakeCRM(t)
	crm.script("crm.contact.list", func(body map[string]any) any {
		filter, _ := body["filter"].(map[string]any)
		if filter["PHONE"] == "79001234567" {
			return map[string]any{"result": []any{map[string]any{"ID": "10", "COMPANY_ID": "77"}}}
		}
		if filter["EMAIL"] == "user@example.com" {
			return map[string]any{"result": []any{map[string]any{"ID": "20"}}}
		}
		return map[string]any{"result": []any{}}
	})

	r := NewEntityResolver(crm.client(), testConfig())
	contact, err := r.FindContact(context.Background(), SearchValues{
		Phones: []string{"79001234567"},
		Emails: []string{"user@example.com"},
	})
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, 10, contact.ID)
	assert.Equal(t, 77, contact.CompanyID)

	// The phone hit short-circuits: no email lookup happened.
	assert.Len(t, crm.callsFor("crm.contact.list"), 1)
}

func TestFindContactFallsThroughToCompany(t *testing.T) {
	crm := newFakeCRM(t)
	crm.script("crm.contact.list", func(body map[string]any) any {
		filter, _ := body["filter"].(map[string]any)
		if filter["COMPANY_TITLE"] == "Acme" {
			return map[string]any{"result": []any{map[string]any{"ID": "30"}}}
		}
		return map[string]any{"result": []any{}}
	})

	r := NewEntityResolver(crm.client(), testConfig())
	contact, err := r.FindContact(context.Background(), SearchValues{
		Phones:    []string{"79000000000"},
		Emails:    []string{"none@example.com"},
		Companies: []string{"Acme"},
	})
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, 30, contact.ID)
	assert.Len(t, crm.callsFor("crm.contact.list"), 3)
}

func TestFindBaseDealPrecedence(t *testing.T) {
	crm := newFakeCRM(t)
	crm.script("crm.deal.list", func(body map[string]any) any {
		filter, _ := body["filter"].(map[string]any)
		if filter["UF_INN"] == "7701234567" {
			return map[string]any{"result": []any{map[string]any{"ID": "900"}}}
		}
		return map[string]any{"result": []any{}}
	})

	r := NewEntityResolver(crm.client(), testConfig())
	dealID, err := r.FindBaseDeal(context.Background(), SearchValues{
		INN:       "7701234567",
		Companies: []string{"Acme"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 900, dealID)

	// INN matched first; the company lookup never ran.
	calls := crm.callsFor("crm.deal.list")
	require.Len(t, calls, 1)
	filter := calls[0].Body["filter"].(map[string]any)
	assert.Equal(t, float64(6), filter["CATEGORY_ID"])
}

func TestFindBaseDealViaContactLinks(t *testing.T) {
	crm := newFakeCRM(t)
	crm.script("crm.deal.list", func(body map[string]any) any {
		filter, _ := body["filter"].(map[string]any)
		if filter["COMPANY_ID"] == float64(77) {
			return map[string]any{"result": []any{map[string]any{"ID": "901"}}}
		}
		return map[string]any{"result": []any{}}
	})

	r := NewEntityResolver(crm.client(), testConfig())
	dealID, err := r.FindBaseDeal(context.Background(), SearchValues{}, &Contact{ID: 10, CompanyID: 77})
	require.NoError(t, err)
	assert.Equal(t, 901, dealID)

	// Contact-id lookup missed, company-id lookup hit.
	assert.Len(t, crm.callsFor("crm.deal.list"), 2)
}

func TestEnsureContactReturnsExisting(t *testing.T) {
	crm := newFakeCRM(t)
	r := NewEntityResolver(crm.client(), testConfig())

	id, companyID, created, err := r.EnsureContact(context.Background(), &models.FormMapping{}, nil, SearchValues{}, &Contact{ID: 10, CompanyID: 77})
	require.NoError(t, err)
	assert.Equal(t, 10, id)
	assert.Equal(t, 77, companyID)
	assert.False(t, created)
	assert.Empty(t, crm.callsFor("crm.contact.add"))
}

func TestEnsureContactEmptyPayloadSkipsCreate(t *testing.T) {
	crm := newFakeCRM(t)
	r := NewEntityResolver(crm.client(), testConfig())

	m := &models.FormMapping{
		ContactFields:    map[string]string{"name": "NAME"},
		ContactFieldKeys: []string{"name"},
	}
	id, companyID, created, err := r.EnsureContact(context.Background(), m, map[string]any{"name": "  "}, SearchValues{}, nil)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Zero(t, companyID)
	assert.False(t, created)
	assert.Empty(t, crm.callsFor("crm.contact.add"))
}

func TestEnsureContactCreatesWithFallbackPhone(t *testing.T) {
	crm := newFakeCRM(t)
	crm.scriptSequentialIDs("crm.contact.add")
	r := NewEntityResolver(crm.client(), testConfig())

	m := &models.FormMapping{
		ContactFields:    map[string]string{"name": "NAME", "email": "EMAIL"},
		ContactFieldKeys: []string{"name", "email"},
	}
	payload := map[string]any{"name": "Иван", "email": "user@example.com"}
	search := SearchValues{Phones: []string{"79001234567"}}

	id, companyID, created, err := r.EnsureContact(context.Background(), m, payload, search, nil)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Zero(t, companyID)
	assert.True(t, created)

	calls := crm.callsFor("crm.contact.add")
	require.Len(t, calls, 1)
	fields := calls[0].Body["fields"].(map[string]any)
	assert.Equal(t, "Иван", fields["NAME"])

	phones := fields["PHONE"].([]any)
	require.Len(t, phones, 1)
	phone := phones[0].(map[string]any)
	assert.Equal(t, "79001234567", phone["VALUE"])
	assert.Equal(t, "WORK", phone["VALUE_TYPE"])

	emails := fields["EMAIL"].([]any)
	require.Len(t, emails, 1)
	assert.Equal(t, "user@example.com", emails[0].(map[string]any)["VALUE"])
}
