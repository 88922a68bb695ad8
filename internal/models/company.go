package models

import "time"

// PersonType distinguishes natural persons from legal entities (audit firms
// appear as directors-of-record).
type PersonType string

const (
	PersonTypePerson PersonType = "person"
	PersonTypeEntity PersonType = "entity"
)

// Address is one postal or visitor address.
type Address struct {
	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	City       string `json:"city,omitempty"`
}

// Empty reports whether no address component is set.
func (a Address) Empty() bool {
	return a.Street == "" && a.PostalCode == "" && a.City == ""
}

// IndustryEntry is one industry classification (SNI) code with description.
type IndustryEntry struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Financials holds latest-year headline figures. Pointers distinguish
// "reported zero" from "not reported".
type Financials struct {
	Revenue      *int64 `json:"revenue,omitempty"`
	Profit       *int64 `json:"profit,omitempty"`
	Employees    *int   `json:"employees,omitempty"`
	ShareCapital *int64 `json:"share_capital,omitempty"`
}

// DirectorRecord is one person or audit firm holding a role in a company.
type DirectorRecord struct {
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	RawRole        string     `json:"raw_role,omitempty"`
	NormalizedRole Role       `json:"normalized_role"`
	PersonType     PersonType `json:"person_type"`
	ExternalID     string     `json:"external_id,omitempty"`
	BirthDate      string     `json:"birth_date,omitempty"`
	BirthYear      int        `json:"birth_year,omitempty"`
	Confidence     float64    `json:"confidence"`
	SourceField    string     `json:"source_field,omitempty"`
}

// FullName returns the display name in "First Last" order, tolerating
// single-field entries.
func (d DirectorRecord) FullName() string {
	switch {
	case d.FirstName == "":
		return d.LastName
	case d.LastName == "":
		return d.FirstName
	}
	return d.FirstName + " " + d.LastName
}

// CompanyRecord is the uniform record every source adapter projects into
// and the only shape emitted to the downstream graph.
type CompanyRecord struct {
	OrgNr       OrgNumber `json:"orgnr"`
	PrimaryName string    `json:"primary_name"`
	LegalName   string    `json:"legal_name,omitempty"`

	LegalForm        string `json:"legal_form,omitempty"`
	StatusCode       string `json:"status_code,omitempty"`
	StatusDate       string `json:"status_date,omitempty"`
	RegistrationDate string `json:"registration_date,omitempty"`

	PostalAddress  Address `json:"postal_address,omitempty"`
	VisitorAddress Address `json:"visitor_address,omitempty"`
	Municipality   string  `json:"municipality,omitempty"`
	County         string  `json:"county,omitempty"`

	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`

	Industries  []IndustryEntry `json:"industries,omitempty"`
	PrimaryCode string          `json:"primary_code,omitempty"`

	Financials *Financials `json:"financials,omitempty"`

	Purpose string `json:"purpose,omitempty"`

	Directors []DirectorRecord `json:"directors,omitempty"`

	ParentOrgNr     OrgNumber `json:"parent_orgnr,omitempty"`
	ParentName      string    `json:"parent_name,omitempty"`
	NumSubsidiaries *int      `json:"num_subsidiaries,omitempty"`

	SourceTag string    `json:"source_tag"`
	FetchedAt time.Time `json:"fetched_at"`
	RawRef    string    `json:"raw_ref,omitempty"`
}

// FinancialAccount is one fiscal year of detailed accounts, keyed by
// account code.
type FinancialAccount struct {
	Year        int              `json:"year"`
	PeriodStart string           `json:"period_start,omitempty"`
	PeriodEnd   string           `json:"period_end,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	Accounts    map[string]int64 `json:"accounts"`
}

// PersonProfile is the optional second-pass product of the scraped adapter:
// one person with every role and connection the site lists.
type PersonProfile struct {
	ExternalID string           `json:"external_id"`
	FirstName  string           `json:"first_name,omitempty"`
	LastName   string           `json:"last_name,omitempty"`
	BirthDate  string           `json:"birth_date,omitempty"`
	Roles      []PersonRoleLink `json:"roles,omitempty"`
	FetchedAt  time.Time        `json:"fetched_at"`
}

// PersonRoleLink ties a person to one company through one role.
type PersonRoleLink struct {
	OrgNr       OrgNumber `json:"orgnr"`
	CompanyName string    `json:"company_name,omitempty"`
	RawRole     string    `json:"raw_role,omitempty"`
	Role        Role      `json:"role"`
}
