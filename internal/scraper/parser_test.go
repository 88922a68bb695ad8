package scraper

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArcheronTechnologies/orgflow/internal/common"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

func wrapAppState(t *testing.T, pageProps interface{}) []byte {
	t.Helper()
	state := map[string]interface{}{
		"props": map[string]interface{}{"pageProps": pageProps},
	}
	blob, err := json.Marshal(state)
	require.NoError(t, err)
	return []byte(fmt.Sprintf(
		`<html><head><title>Test</title></head><body><div id="root"></div><script id="__NEXT_DATA__" type="application/json">%s</script></body></html>`,
		blob,
	))
}

func companyFixture() map[string]interface{} {
	return map[string]interface{}{
		"company": map[string]interface{}{
			"orgnr":          "5561234567",
			"name":           "Test AB",
			"legalName":      "Test Aktiebolag",
			"companyForm":    "Aktiebolag",
			"status":         "Aktivt",
			"foundationDate": "2001-05-15",
			"postalAddress": map[string]interface{}{
				"street":   "Testgatan 1",
				"postCode": 11122,
				"city":     "Stockholm",
			},
			"visitorAddress": map[string]interface{}{
				"street": "Besöksgatan 2",
				"city":   "Stockholm",
			},
			"location": map[string]interface{}{
				"municipality": "Stockholm",
				"county":       "Stockholms län",
			},
			"phone":    "08-123 45 67",
			"homePage": "https://test.se",
			"naceIndustries": []string{
				"66190 Andra stödtjänster till finansiella tjänster",
				"70100 Verksamheter som utövas av huvudkontor",
			},
			"revenue":       "12 345",
			"profit":        -250,
			"nrOfEmployees": "17",
			"purpose":       "Bolaget ska bedriva finansiell rådgivning.",
			"roles": map[string]interface{}{
				"roleGroups": []map[string]interface{}{
					{
						"name": "Styrelse",
						"roles": []map[string]interface{}{
							{"id": 9001, "type": "Person", "firstName": "Anna", "lastName": "Karlsson", "role": "Styrelseordförande", "birthDate": "12.03.1971"},
							{"id": "9002", "type": "Person", "name": "Erik Lindqvist", "role": "Verkställande direktör"},
						},
					},
					{
						"name": "Revisorer",
						"roles": []map[string]interface{}{
							{"id": "9003", "type": "Entity", "name": "Revision i Sverige AB", "role": ""},
						},
					},
				},
			},
			"parentCompany":    map[string]interface{}{"orgnr": "5569999999", "name": "Holding AB"},
			"nrOfSubsidiaries": 2,
			"companyAccounts": []map[string]interface{}{
				{
					"year":      2023,
					"periodEnd": "2023-12-31",
					"currency":  "SEK",
					"accounts": []map[string]interface{}{
						{"code": "NetOperatingIncome", "amount": "12 345"},
						{"code": "ProfitAfterFinancialItems", "amount": -250},
					},
				},
			},
		},
	}
}

func TestParseCompanyPage(t *testing.T) {
	parser := NewParser("__NEXT_DATA__", "scraped", common.GetLogger())

	result, err := parser.Parse(wrapAppState(t, companyFixture()))
	require.NoError(t, err)
	require.NotNil(t, result.Company)
	assert.Nil(t, result.Person)

	c := result.Company
	assert.Equal(t, models.OrgNumber("5561234567"), c.OrgNr)
	assert.Equal(t, "Test AB", c.PrimaryName)
	assert.Equal(t, "Test Aktiebolag", c.LegalName)
	assert.Equal(t, "Aktiebolag", c.LegalForm, "company form fills in when legal form is absent")
	assert.Equal(t, "Aktivt", c.StatusCode)
	assert.Equal(t, "2001-05-15", c.RegistrationDate)
	assert.Equal(t, "Testgatan 1", c.PostalAddress.Street)
	assert.Equal(t, "11122", c.PostalAddress.PostalCode, "numeric postcode tolerated")
	assert.Equal(t, "Besöksgatan 2", c.VisitorAddress.Street)
	assert.Equal(t, "Stockholm", c.Municipality)
	assert.Equal(t, "https://test.se", c.Website)
	assert.Equal(t, "scraped", c.SourceTag)

	// Industry strings split at the first whitespace; the first entry is
	// the primary code.
	require.Len(t, c.Industries, 2)
	assert.Equal(t, "66190", c.Industries[0].Code)
	assert.Equal(t, "Andra stödtjänster till finansiella tjänster", c.Industries[0].Description)
	assert.Equal(t, "66190", c.PrimaryCode)

	require.NotNil(t, c.Financials)
	require.NotNil(t, c.Financials.Revenue)
	assert.Equal(t, int64(12345), *c.Financials.Revenue)
	require.NotNil(t, c.Financials.Profit)
	assert.Equal(t, int64(-250), *c.Financials.Profit)
	require.NotNil(t, c.Financials.Employees)
	assert.Equal(t, 17, *c.Financials.Employees)

	// Directors in page order; the audit firm is typed as an entity.
	require.Len(t, c.Directors, 3)
	assert.Equal(t, "Anna", c.Directors[0].FirstName)
	assert.Equal(t, models.RoleBoardChair, c.Directors[0].NormalizedRole)
	assert.Equal(t, "1971-03-12", c.Directors[0].BirthDate)
	assert.Equal(t, 1971, c.Directors[0].BirthYear)
	assert.Equal(t, "9001", c.Directors[0].ExternalID)

	assert.Equal(t, "Erik", c.Directors[1].FirstName)
	assert.Equal(t, "Lindqvist", c.Directors[1].LastName, "display name split when fields are absent")
	assert.Equal(t, models.RoleCEO, c.Directors[1].NormalizedRole)

	assert.Equal(t, models.PersonTypeEntity, c.Directors[2].PersonType)
	assert.Equal(t, models.RoleAuditor, c.Directors[2].NormalizedRole, "entity in the auditor group defaults to auditor")

	assert.Equal(t, models.OrgNumber("5569999999"), c.ParentOrgNr)
	assert.Equal(t, "Holding AB", c.ParentName)
	require.NotNil(t, c.NumSubsidiaries)
	assert.Equal(t, 2, *c.NumSubsidiaries)

	require.Len(t, result.Accounts, 1)
	assert.Equal(t, 2023, result.Accounts[0].Year)
	assert.Equal(t, int64(12345), result.Accounts[0].Accounts["NetOperatingIncome"])
	assert.Equal(t, int64(-250), result.Accounts[0].Accounts["ProfitAfterFinancialItems"])
}

func TestParsePersonPage(t *testing.T) {
	parser := NewParser("__NEXT_DATA__", "scraped", common.GetLogger())

	html := wrapAppState(t, map[string]interface{}{
		"rolePerson": map[string]interface{}{
			"id":        77001,
			"firstName": "Anna",
			"lastName":  "Karlsson",
			"birthDate": "12.03.1971",
			"roles": []map[string]interface{}{
				{"orgnr": "5561234567", "companyName": "Test AB", "role": "Styrelseordförande"},
				{"orgnr": "5569999999", "companyName": "Holding AB", "role": "Styrelseledamot"},
			},
		},
	})

	result, err := parser.Parse(html)
	require.NoError(t, err)
	assert.Nil(t, result.Company)
	require.NotNil(t, result.Person)

	p := result.Person
	assert.Equal(t, "77001", p.ExternalID)
	assert.Equal(t, "1971-03-12", p.BirthDate)
	require.Len(t, p.Roles, 2)
	assert.Equal(t, models.OrgNumber("5561234567"), p.Roles[0].OrgNr)
	assert.Equal(t, models.RoleBoardChair, p.Roles[0].Role)
	assert.Equal(t, models.RoleBoardMember, p.Roles[1].Role)
}

func TestParseMissingAppState(t *testing.T) {
	parser := NewParser("__NEXT_DATA__", "scraped", common.GetLogger())

	_, err := parser.Parse([]byte(`<html><body><h1>Söksida</h1></body></html>`))
	require.Error(t, err)
	assert.Equal(t, models.KindParse, models.ClassifyError(err))
}

func TestParseStateWithoutCompanyOrPerson(t *testing.T) {
	parser := NewParser("__NEXT_DATA__", "scraped", common.GetLogger())

	_, err := parser.Parse(wrapAppState(t, map[string]interface{}{"searchResults": []string{}}))
	require.Error(t, err)
	assert.Equal(t, models.KindParse, models.ClassifyError(err))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input string
		want  *int64
	}{
		{"12 345", ptr(int64(12345))},
		{"-250", ptr(int64(-250))},
		{"1 234,56", ptr(int64(1234))},
		{"", nil},
		{"n/a", nil},
	}
	for _, tt := range tests {
		got := parseAmount(tt.input)
		if tt.want == nil {
			assert.Nil(t, got, tt.input)
			continue
		}
		require.NotNil(t, got, tt.input)
		assert.Equal(t, *tt.want, *got, tt.input)
	}
}

func ptr[T any](v T) *T { return &v }
