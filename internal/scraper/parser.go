package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Parser projects a scraped HTML page into the uniform record shape by way
// of the embedded JSON application-state blob.
type Parser struct {
	appStateID string
	sourceTag  string
	logger     arbor.ILogger
}

// NewParser creates a parser. appStateID is the well-known id of the
// script element holding the application state.
func NewParser(appStateID, sourceTag string, logger arbor.ILogger) *Parser {
	if appStateID == "" {
		appStateID = "__NEXT_DATA__"
	}
	return &Parser{
		appStateID: appStateID,
		sourceTag:  sourceTag,
		logger:     logger,
	}
}

// ParseResult carries the projected record plus the raw JSON for optional
// persistence.
type ParseResult struct {
	Company  *models.CompanyRecord
	Person   *models.PersonProfile
	Accounts []models.FinancialAccount
	RawJSON  json.RawMessage
}

// Parse extracts the application state from an HTML document and projects
// it. Returns ErrParse when the state element or its company/person object
// is absent.
func (p *Parser) Parse(html []byte) (*ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing html: %v", models.ErrParse, err)
	}

	blob := doc.Find("script#" + p.appStateID).First().Text()
	if strings.TrimSpace(blob) == "" {
		return nil, models.WrapKind(models.ErrParse, "application-state element #%s not found", p.appStateID)
	}

	var state appState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("%w: decoding application state: %v", models.ErrParse, err)
	}

	result := &ParseResult{RawJSON: json.RawMessage(blob)}

	switch {
	case state.Props.PageProps.Company != nil:
		company := state.Props.PageProps.Company
		record, err := p.projectCompany(company)
		if err != nil {
			return nil, err
		}
		result.Company = record
		result.Accounts = projectAccounts(company.CompanyAccounts)
	case state.Props.PageProps.RolePerson != nil:
		result.Person = p.projectPerson(state.Props.PageProps.RolePerson)
	default:
		return nil, models.WrapKind(models.ErrParse, "application state carries neither company nor rolePerson")
	}

	return result, nil
}

func (p *Parser) projectCompany(c *companyPage) (*models.CompanyRecord, error) {
	rawOrgNr := c.OrgNr.String()
	if rawOrgNr == "" {
		rawOrgNr = c.OrgNumber.String()
	}
	orgnr, err := models.ParseOrgNumber(rawOrgNr)
	if err != nil {
		return nil, fmt.Errorf("%w: company page without valid orgnr: %v", models.ErrParse, err)
	}

	record := &models.CompanyRecord{
		OrgNr:       orgnr,
		PrimaryName: c.Name,
		LegalName:   c.LegalName,
		StatusCode:  c.Status,
		StatusDate:  c.StatusDate,
		Phone:       c.Phone,
		Email:       c.Email,
		Website:     c.HomePage,
		Purpose:     c.Purpose,
		SourceTag:   p.sourceTag,
		FetchedAt:   time.Now().UTC(),
	}

	// Prefer the specific legal form over the broader company form.
	record.LegalForm = c.LegalForm
	if record.LegalForm == "" {
		record.LegalForm = c.CompanyForm
	}

	record.RegistrationDate = c.RegDate
	if record.RegistrationDate == "" {
		record.RegistrationDate = c.RegDateAlt
	}

	if c.PostalAddress != nil {
		record.PostalAddress = projectAddress(c.PostalAddress)
	}
	if c.VisitorAddress != nil {
		record.VisitorAddress = projectAddress(c.VisitorAddress)
	}

	// Location wins over domicile, per the postal-over-visitor rule.
	region := c.Location
	if region == nil || (region.Municipality == "" && region.County == "") {
		region = c.Domicile
	}
	if region != nil {
		record.Municipality = region.Municipality
		record.County = region.County
	}

	record.Industries = projectIndustries(c.NaceIndustries, c.Industries)
	if len(record.Industries) > 0 {
		record.PrimaryCode = record.Industries[0].Code
	}

	financials := &models.Financials{
		Revenue:      parseAmount(c.Revenue.String()),
		Profit:       parseAmount(c.Profit.String()),
		ShareCapital: parseAmount(c.ShareCapital.String()),
	}
	if employees := parseAmount(c.Employees.String()); employees != nil {
		n := int(*employees)
		financials.Employees = &n
	}
	if financials.Revenue != nil || financials.Profit != nil || financials.Employees != nil || financials.ShareCapital != nil {
		record.Financials = financials
	}

	if c.Roles != nil {
		record.Directors = projectDirectors(c.Roles)
	}

	if c.ParentCompany != nil {
		if parent, err := models.ParseOrgNumber(c.ParentCompany.OrgNr.String()); err == nil {
			record.ParentOrgNr = parent
		}
		record.ParentName = c.ParentCompany.Name
	}
	record.NumSubsidiaries = c.NrOfSubsidiaries

	return record, nil
}

func projectAddress(a *pageAddress) models.Address {
	return models.Address{
		Street:     a.Street,
		PostalCode: a.PostCode.String(),
		City:       a.City,
	}
}

// projectIndustries splits "<code> <description words>" strings at the
// first whitespace; the structured industry array is the fallback when the
// string source is empty.
func projectIndustries(nace []string, structured []pageIndustry) []models.IndustryEntry {
	var out []models.IndustryEntry

	for _, entry := range nace {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		code, desc := entry, ""
		if i := strings.IndexAny(entry, " \t"); i > 0 {
			code, desc = entry[:i], strings.TrimSpace(entry[i+1:])
		}
		out = append(out, models.IndustryEntry{Code: code, Description: desc})
	}

	if len(out) == 0 {
		for _, entry := range structured {
			if entry.Code.String() == "" {
				continue
			}
			out = append(out, models.IndustryEntry{Code: entry.Code.String(), Description: entry.Description})
		}
	}
	return out
}

// siteRoles maps the scraped site's role designations to normalized codes.
var siteRoles = map[string]models.Role{
	"verkställande direktör": models.RoleCEO,
	"styrelseordförande":     models.RoleBoardChair,
	"styrelseledamot":        models.RoleBoardMember,
	"styrelsesuppleant":      models.RoleBoardAlternate,
	"revisor":                models.RoleAuditor,
}

func normalizeSiteRole(raw string) models.Role {
	if role, ok := siteRoles[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return role
	}
	return models.NormalizeRole(raw)
}

// projectDirectors walks roles.roleGroups[*].roles[*] in order of
// appearance. Person entries become directors; Entity entries become
// audit-firm records.
func projectDirectors(roles *pageRoles) []models.DirectorRecord {
	var out []models.DirectorRecord

	for _, group := range roles.RoleGroups {
		for _, role := range group.Roles {
			rawRole := role.Role
			if rawRole == "" {
				rawRole = group.Name
			}

			rec := models.DirectorRecord{
				RawRole:        rawRole,
				NormalizedRole: normalizeSiteRole(rawRole),
				ExternalID:     role.ID.String(),
				SourceField:    "roles.roleGroups",
				Confidence:     1.0,
			}

			first, last := role.FirstName, role.LastName
			if first == "" && last == "" && role.Name != "" {
				first, last = splitFullName(role.Name)
			}
			rec.FirstName = first
			rec.LastName = last

			switch strings.ToLower(role.Type) {
			case "entity":
				rec.PersonType = models.PersonTypeEntity
				if rec.NormalizedRole == models.RoleUnknown {
					rec.NormalizedRole = models.RoleAuditor
				}
			default:
				rec.PersonType = models.PersonTypePerson
			}

			if date, year := parseSiteBirthDate(role.BirthDate); date != "" {
				rec.BirthDate = date
				rec.BirthYear = year
			}

			out = append(out, rec)
		}
	}
	return out
}

func (p *Parser) projectPerson(rp *rolePerson) *models.PersonProfile {
	profile := &models.PersonProfile{
		ExternalID: rp.ID.String(),
		FirstName:  rp.FirstName,
		LastName:   rp.LastName,
		FetchedAt:  time.Now().UTC(),
	}
	if date, _ := parseSiteBirthDate(rp.BirthDate); date != "" {
		profile.BirthDate = date
	}
	for _, item := range rp.Roles {
		link := models.PersonRoleLink{
			CompanyName: item.CompanyName,
			RawRole:     item.Role,
			Role:        normalizeSiteRole(item.Role),
		}
		if orgnr, err := models.ParseOrgNumber(item.OrgNr.String()); err == nil {
			link.OrgNr = orgnr
		}
		profile.Roles = append(profile.Roles, link)
	}
	return profile
}

func projectAccounts(years []pageAccountYear) []models.FinancialAccount {
	var out []models.FinancialAccount
	for _, year := range years {
		account := models.FinancialAccount{
			Year:        year.Year,
			PeriodStart: year.PeriodStart,
			PeriodEnd:   year.PeriodEnd,
			Currency:    year.Currency,
			Accounts:    make(map[string]int64, len(year.Accounts)),
		}
		for _, entry := range year.Accounts {
			if v := parseAmount(entry.Amount.String()); v != nil && entry.Code.String() != "" {
				account.Accounts[entry.Code.String()] = *v
			}
		}
		out = append(out, account)
	}
	return out
}

// parseSiteBirthDate parses the site's DD.MM.YYYY form, returning the ISO
// date and the year.
func parseSiteBirthDate(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", 0
	}
	day, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	year, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || day < 1 || day > 31 || month < 1 || month > 12 {
		return "", 0
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), year
}

func splitFullName(full string) (first, last string) {
	tokens := strings.Fields(strings.TrimSpace(full))
	switch len(tokens) {
	case 0:
		return "", ""
	case 1:
		return "", tokens[0]
	}
	return strings.Join(tokens[:len(tokens)-1], " "), tokens[len(tokens)-1]
}
