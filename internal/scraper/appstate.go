package scraper

import (
	"encoding/json"
	"strconv"
	"strings"
)

// flexString tolerates sources that serialize the same field as either a
// JSON string or a bare number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(data))
	return nil
}

func (f flexString) String() string {
	return string(f)
}

// appState is the embedded application-state document. Only the paths the
// projection reads are typed; everything else stays in Raw.
type appState struct {
	Props struct {
		PageProps pageProps `json:"pageProps"`
	} `json:"props"`
}

type pageProps struct {
	Company    *companyPage `json:"company"`
	RolePerson *rolePerson  `json:"rolePerson"`
}

type companyPage struct {
	OrgNr     flexString `json:"orgnr"`
	OrgNumber flexString `json:"organisationNumber"`
	Name      string     `json:"name"`
	LegalName string     `json:"legalName"`

	CompanyForm string     `json:"companyForm"`
	LegalForm   string     `json:"legalForm"`
	Status      string     `json:"status"`
	StatusDate  string     `json:"statusDate"`
	RegDate     string     `json:"foundationDate"`
	RegDateAlt  string     `json:"registrationDate"`

	PostalAddress  *pageAddress `json:"postalAddress"`
	VisitorAddress *pageAddress `json:"visitorAddress"`
	Location       *pageRegion  `json:"location"`
	Domicile       *pageRegion  `json:"domicile"`

	Phone    string `json:"phone"`
	Email    string `json:"email"`
	HomePage string `json:"homePage"`

	NaceIndustries []string       `json:"naceIndustries"`
	Industries     []pageIndustry `json:"industries"`

	Revenue      flexString `json:"revenue"`
	Profit       flexString `json:"profit"`
	Employees    flexString `json:"nrOfEmployees"`
	ShareCapital flexString `json:"shareCapital"`

	Purpose string `json:"purpose"`

	Roles *pageRoles `json:"roles"`

	ParentCompany    *parentRef `json:"parentCompany"`
	NrOfSubsidiaries *int       `json:"nrOfSubsidiaries"`

	CompanyAccounts []pageAccountYear `json:"companyAccounts"`
}

type pageAddress struct {
	Street   string     `json:"street"`
	PostCode flexString `json:"postCode"`
	City     string     `json:"city"`
}

type pageRegion struct {
	Municipality string `json:"municipality"`
	County       string `json:"county"`
}

type pageIndustry struct {
	Code        flexString `json:"code"`
	Description string     `json:"description"`
}

type pageRoles struct {
	RoleGroups []roleGroup `json:"roleGroups"`
}

type roleGroup struct {
	Name  string     `json:"name"`
	Roles []pageRole `json:"roles"`
}

type pageRole struct {
	ID        flexString `json:"id"`
	Type      string     `json:"type"` // "Person" or "Entity"
	Name      string     `json:"name"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Role      string     `json:"role"`
	BirthDate string     `json:"birthDate"` // DD.MM.YYYY
}

type parentRef struct {
	OrgNr flexString `json:"orgnr"`
	Name  string     `json:"name"`
}

type pageAccountYear struct {
	Year        int           `json:"year"`
	PeriodStart string        `json:"periodStart"`
	PeriodEnd   string        `json:"periodEnd"`
	Currency    string        `json:"currency"`
	Accounts    []pageAccount `json:"accounts"`
}

type pageAccount struct {
	Code   flexString `json:"code"`
	Amount flexString `json:"amount"`
}

type rolePerson struct {
	ID        flexString       `json:"id"`
	FirstName string           `json:"firstName"`
	LastName  string           `json:"lastName"`
	BirthDate string           `json:"birthDate"`
	Roles     []personRoleItem `json:"roles"`
}

type personRoleItem struct {
	OrgNr       flexString `json:"orgnr"`
	CompanyName string     `json:"companyName"`
	Role        string     `json:"role"`
}

// parseAmount normalizes a monetary string: spaces stripped, leading "-"
// accepted, decimal comma converted, truncated to integer. Returns nil on
// any parse failure.
func parseAmount(raw string) *int64 {
	cleaned := strings.NewReplacer(" ", "", " ", "", " ", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil
	}
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	v := int64(f)
	return &v
}
