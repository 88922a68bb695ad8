package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

func registryRecord() *models.CompanyRecord {
	return &models.CompanyRecord{
		OrgNr:            "5561234567",
		PrimaryName:      "Test Aktiebolag",
		LegalForm:        "AB",
		StatusCode:       "ACTIVE",
		RegistrationDate: "2001-05-15",
		PostalAddress:    models.Address{Street: "Box 12", PostalCode: "11122", City: "Stockholm"},
		Municipality:     "Stockholm",
		SourceTag:        "registry",
		FetchedAt:        time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Directors: []models.DirectorRecord{
			{FirstName: "Anna", LastName: "Karlsson", NormalizedRole: models.RoleBoardChair, Confidence: 1.0, BirthDate: "1971-03-12", BirthYear: 1971},
			{FirstName: "Erik", LastName: "Lindqvist", NormalizedRole: models.RoleCEO, Confidence: 0.8},
		},
	}
}

func scrapedRecord() *models.CompanyRecord {
	subs := 2
	revenue := int64(12345)
	return &models.CompanyRecord{
		OrgNr:           "5561234567",
		PrimaryName:     "Test AB",
		StatusCode:      "Aktivt",
		VisitorAddress:  models.Address{Street: "Besöksgatan 2", City: "Stockholm"},
		Phone:           "08-123 45 67",
		Email:           "info@test.se",
		Website:         "https://test.se",
		Financials:      &models.Financials{Revenue: &revenue},
		ParentOrgNr:     "5569999999",
		ParentName:      "Holding AB",
		NumSubsidiaries: &subs,
		SourceTag:       "scraped",
		FetchedAt:       time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
		Directors: []models.DirectorRecord{
			{FirstName: "Erik", LastName: "Lindqvist", NormalizedRole: models.RoleCEO, Confidence: 1.0, ExternalID: "9002"},
			{FirstName: "Maria", LastName: "Öberg", NormalizedRole: models.RoleBoardMember, Confidence: 1.0, ExternalID: "9003"},
		},
	}
}

func TestMergeCompanyRegistryWinsIdentity(t *testing.T) {
	merged := MergeCompany(registryRecord(), scrapedRecord())
	require.NotNil(t, merged)

	// Registry fields survive when both sides carry a value.
	assert.Equal(t, "Test Aktiebolag", merged.PrimaryName)
	assert.Equal(t, "ACTIVE", merged.StatusCode)
	assert.Equal(t, "Box 12", merged.PostalAddress.Street)

	// Scraped-only fields come across.
	assert.Equal(t, "Besöksgatan 2", merged.VisitorAddress.Street)
	assert.Equal(t, "08-123 45 67", merged.Phone)
	assert.Equal(t, "https://test.se", merged.Website)
	require.NotNil(t, merged.Financials)
	assert.Equal(t, int64(12345), *merged.Financials.Revenue)
	assert.Equal(t, models.OrgNumber("5569999999"), merged.ParentOrgNr)
	require.NotNil(t, merged.NumSubsidiaries)
	assert.Equal(t, 2, *merged.NumSubsidiaries)

	assert.Equal(t, "registry+scraped", merged.SourceTag)
	assert.Equal(t, scrapedRecord().FetchedAt, merged.FetchedAt, "newer fetch time wins")
}

func TestMergeCompanyScrapedFillsGaps(t *testing.T) {
	reg := registryRecord()
	reg.PrimaryName = ""
	reg.Municipality = ""

	merged := MergeCompany(reg, scrapedRecord())
	assert.Equal(t, "Test AB", merged.PrimaryName)
	assert.Equal(t, "Stockholm", merged.VisitorAddress.City)
}

func TestMergeCompanyNilSides(t *testing.T) {
	reg := registryRecord()
	scr := scrapedRecord()

	assert.Same(t, reg, MergeCompany(reg, nil))
	assert.Same(t, scr, MergeCompany(nil, scr))
	assert.Nil(t, MergeCompany(nil, nil))
}

func TestMergeDirectorsUnion(t *testing.T) {
	merged := MergeCompany(registryRecord(), scrapedRecord())
	require.Len(t, merged.Directors, 3)

	// First-appearance order: the registry side leads.
	assert.Equal(t, "Anna", merged.Directors[0].FirstName)
	assert.Equal(t, "Erik", merged.Directors[1].FirstName)
	assert.Equal(t, "Maria", merged.Directors[2].FirstName)

	// Erik collides on name+role; the higher-confidence scraped record
	// wins the slot and carries its external id.
	erik := merged.Directors[1]
	assert.InDelta(t, 1.0, erik.Confidence, 0.001)
	assert.Equal(t, "9002", erik.ExternalID)
}

func TestMergeDirectorsBackfillsIdentifiers(t *testing.T) {
	primary := []models.DirectorRecord{
		{FirstName: "Anna", LastName: "Karlsson", NormalizedRole: models.RoleBoardChair, Confidence: 1.0},
	}
	secondary := []models.DirectorRecord{
		{FirstName: "Anna", LastName: "Karlsson", NormalizedRole: models.RoleBoardChair, Confidence: 0.6, ExternalID: "9001", BirthDate: "1971-03-12", BirthYear: 1971},
	}

	out := mergeDirectors(primary, secondary)
	require.Len(t, out, 1)
	// The kept record holds the higher confidence but gains the ids the
	// losing record carried.
	assert.InDelta(t, 1.0, out[0].Confidence, 0.001)
	assert.Equal(t, "9001", out[0].ExternalID)
	assert.Equal(t, "1971-03-12", out[0].BirthDate)
	assert.Equal(t, 1971, out[0].BirthYear)
}

func TestMergeDirectorsSameNameDifferentRole(t *testing.T) {
	out := mergeDirectors(
		[]models.DirectorRecord{{FirstName: "Anna", LastName: "Karlsson", NormalizedRole: models.RoleBoardChair, Confidence: 1.0}},
		[]models.DirectorRecord{{FirstName: "Anna", LastName: "Karlsson", NormalizedRole: models.RoleCEO, Confidence: 1.0}},
	)
	assert.Len(t, out, 2, "dual-role holders keep both records")
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, foldName("Åsa Öberg"), foldName("asa oberg"))
	assert.Equal(t, foldName("Karl-Erik Svensson"), foldName("Karl Erik Svensson"))
	assert.NotEqual(t, foldName("Anna Karlsson"), foldName("Anna Karlson"))
}
