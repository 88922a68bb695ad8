package pipeline

import (
	"strings"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// MergeCompany combines the registry record with the scraped-site record
// into one enriched record. The registry wins on identity and legal
// fields; the scraped site contributes contact details, financials and
// anything the registry left empty. Directors are unioned.
func MergeCompany(registry, scraped *models.CompanyRecord) *models.CompanyRecord {
	if registry == nil && scraped == nil {
		return nil
	}
	if registry == nil {
		return scraped
	}
	if scraped == nil {
		return registry
	}

	out := *registry
	out.SourceTag = registry.SourceTag + "+" + scraped.SourceTag
	if scraped.FetchedAt.After(out.FetchedAt) {
		out.FetchedAt = scraped.FetchedAt
	}

	// Identity and legal status: registry authoritative, scraped fills gaps.
	if out.PrimaryName == "" {
		out.PrimaryName = scraped.PrimaryName
	}
	if out.LegalName == "" {
		out.LegalName = scraped.LegalName
	}
	if out.LegalForm == "" {
		out.LegalForm = scraped.LegalForm
	}
	if out.StatusCode == "" {
		out.StatusCode = scraped.StatusCode
	}
	if out.RegistrationDate == "" {
		out.RegistrationDate = scraped.RegistrationDate
	}
	if out.Purpose == "" {
		out.Purpose = scraped.Purpose
	}
	if out.PostalAddress.Empty() {
		out.PostalAddress = scraped.PostalAddress
	}
	if out.Municipality == "" {
		out.Municipality = scraped.Municipality
	}
	if out.County == "" {
		out.County = scraped.County
	}
	if len(out.Industries) == 0 {
		out.Industries = scraped.Industries
		out.PrimaryCode = scraped.PrimaryCode
	}

	// Contact, financials and group structure only exist on the site.
	out.VisitorAddress = scraped.VisitorAddress
	out.Phone = scraped.Phone
	out.Email = scraped.Email
	out.Website = scraped.Website
	if scraped.Financials != nil {
		out.Financials = scraped.Financials
	}
	if scraped.ParentOrgNr != "" {
		out.ParentOrgNr = scraped.ParentOrgNr
		out.ParentName = scraped.ParentName
	}
	if scraped.NumSubsidiaries != nil {
		out.NumSubsidiaries = scraped.NumSubsidiaries
	}

	out.Directors = mergeDirectors(registry.Directors, scraped.Directors)
	return &out
}

// mergeDirectors unions two director lists, keyed by folded name plus
// role. On collision the higher-confidence record wins but external ids
// and birth dates from either side are kept.
func mergeDirectors(primary, secondary []models.DirectorRecord) []models.DirectorRecord {
	type key struct {
		name string
		role models.Role
	}

	index := make(map[key]int)
	var out []models.DirectorRecord

	add := func(rec models.DirectorRecord) {
		k := key{name: foldName(rec.FullName()), role: rec.NormalizedRole}
		if i, ok := index[k]; ok {
			kept := &out[i]
			if rec.Confidence > kept.Confidence {
				ext, birth, year := kept.ExternalID, kept.BirthDate, kept.BirthYear
				*kept = rec
				if kept.ExternalID == "" {
					kept.ExternalID = ext
				}
				if kept.BirthDate == "" {
					kept.BirthDate = birth
				}
				if kept.BirthYear == 0 {
					kept.BirthYear = year
				}
				return
			}
			if kept.ExternalID == "" {
				kept.ExternalID = rec.ExternalID
			}
			if kept.BirthDate == "" {
				kept.BirthDate = rec.BirthDate
			}
			if kept.BirthYear == 0 {
				kept.BirthYear = rec.BirthYear
			}
			return
		}
		index[k] = len(out)
		out = append(out, rec)
	}

	for _, rec := range primary {
		add(rec)
	}
	for _, rec := range secondary {
		add(rec)
	}
	return out
}

var nameFolder = strings.NewReplacer(
	"å", "a", "ä", "a", "ö", "o", "é", "e", "è", "e", "ü", "u", "-", " ",
)

func foldName(name string) string {
	folded := nameFolder.Replace(strings.ToLower(name))
	return strings.Join(strings.Fields(folded), " ")
}
