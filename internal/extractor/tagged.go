package extractor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Inline-tagged financial reports carry self-describing elements whose
// name attribute ends with one of these suffixes. Grouping is positional:
// the i-th first-name tag pairs with the i-th last-name and role tags.
var (
	firstNameSuffixes = []string{"tilltalsnamn", "fornamn", "forstanamn"}
	lastNameSuffixes  = []string{"efternamn"}
	roleSuffixes      = []string{"befattningstitel", "befattning", "funktion", "roll"}

	signatureDateNames = []string{
		"undertecknandedatum",
		"underskriftsdatum",
		"underskrifthandlingdag",
		"datumunderskrift",
	}
	periodEndNames = []string{
		"balansdag",
		"rakenskapsaretsslut",
		"periodensslut",
	}
)

// inlineElement matches the inline-data element marker: the iXBRL dialect
// tags values as ix:nonNumeric / ix:nonFraction.
func isInlineDataElement(tag string) bool {
	tag = strings.ToLower(tag)
	return strings.HasSuffix(tag, "nonnumeric") || strings.HasSuffix(tag, "nonfraction")
}

func nameMatchesSuffix(name string, suffixes []string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range suffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

type taggedDoc struct {
	firstNames []string
	lastNames  []string
	roles      []string

	signatureDate      string
	reportingPeriodEnd string
	accounts           map[string]int64
	periodYear         int
}

// findMarkupInZip returns the first markup member of the archive and,
// separately, any PDF member for the fallback chain.
func splitZip(blob []byte) (markup []byte, pdf []byte, err error) {
	reader, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: not a zip archive: %v", models.ErrParse, err)
	}

	for _, file := range reader.File {
		lower := strings.ToLower(file.Name)
		var take *[]byte
		switch {
		case strings.HasSuffix(lower, ".xhtml"), strings.HasSuffix(lower, ".html"), strings.HasSuffix(lower, ".xml"):
			if markup == nil {
				take = &markup
			}
		case strings.HasSuffix(lower, ".pdf"):
			if pdf == nil {
				take = &pdf
			}
		}
		if take == nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: opening %s: %v", models.ErrParse, file.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading %s: %v", models.ErrParse, file.Name, err)
		}
		*take = data
	}
	return markup, pdf, nil
}

// parseTagged scans the markup for inline-tagged elements and buckets them
// by recognized name suffix.
func parseTagged(markup []byte) (*taggedDoc, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing markup: %v", models.ErrParse, err)
	}

	out := &taggedDoc{accounts: make(map[string]int64)}

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if !isInlineDataElement(goquery.NodeName(s)) {
			return
		}
		name, ok := s.Attr("name")
		if !ok {
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}

		switch {
		case nameMatchesSuffix(name, firstNameSuffixes):
			out.firstNames = append(out.firstNames, text)
		case nameMatchesSuffix(name, lastNameSuffixes):
			out.lastNames = append(out.lastNames, text)
		case nameMatchesSuffix(name, roleSuffixes):
			out.roles = append(out.roles, text)
		case nameMatchesSuffix(name, signatureDateNames):
			if d := parseSwedishDate(text); d != "" {
				out.signatureDate = d
			}
		case nameMatchesSuffix(name, periodEndNames):
			if d := parseSwedishDate(text); d != "" {
				out.reportingPeriodEnd = d
				if len(d) >= 4 {
					out.periodYear, _ = strconv.Atoi(d[:4])
				}
			}
		default:
			if strings.HasSuffix(strings.ToLower(goquery.NodeName(s)), "nonfraction") {
				if v, ok := parseTaggedAmount(s, text); ok {
					out.accounts[localName(name)] = v
				}
			}
		}
	})

	return out, nil
}

// localName strips the taxonomy prefix from a tagged name.
func localName(name string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// parseTaggedAmount normalizes a tagged numeric value, honoring the sign
// attribute and stripping non-breaking spaces and separators.
func parseTaggedAmount(s *goquery.Selection, text string) (int64, bool) {
	cleaned := strings.NewReplacer(" ", "", " ", "", ".", "", ",", ".").Replace(text)
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	if sign, _ := s.Attr("sign"); sign == "-" {
		f = -f
	}
	if scale, ok := s.Attr("scale"); ok {
		if n, err := strconv.Atoi(scale); err == nil {
			for i := 0; i < n; i++ {
				f *= 10
			}
		}
	}
	return int64(f), true
}

// directorsFromTagged pairs the positional triples into DirectorRecords.
// Triples whose role falls in the auditor family are routed separately.
func directorsFromTagged(doc *taggedDoc) (directors, auditors []models.DirectorRecord) {
	n := len(doc.firstNames)
	if len(doc.lastNames) < n {
		n = len(doc.lastNames)
	}

	for i := 0; i < n; i++ {
		rawRole := ""
		if i < len(doc.roles) {
			rawRole = doc.roles[i]
		}
		rec := models.DirectorRecord{
			FirstName:      strings.TrimSpace(doc.firstNames[i]),
			LastName:       strings.TrimSpace(doc.lastNames[i]),
			RawRole:        rawRole,
			NormalizedRole: models.NormalizeRole(rawRole),
			PersonType:     models.PersonTypePerson,
			SourceField:    "tagged_triple",
		}
		rec.Confidence = directorConfidence(rec)

		if models.IsAuditorRole(rec.NormalizedRole) {
			auditors = append(auditors, rec)
		} else {
			directors = append(directors, rec)
		}
	}
	return directors, auditors
}

var swedishMonths = map[string]time.Month{
	"januari": time.January, "februari": time.February, "mars": time.March,
	"april": time.April, "maj": time.May, "juni": time.June,
	"juli": time.July, "augusti": time.August, "september": time.September,
	"oktober": time.October, "november": time.November, "december": time.December,
}

var (
	isoDateRe      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	longhandDateRe = regexp.MustCompile(`\b(\d{1,2})\s+(januari|februari|mars|april|maj|juni|juli|augusti|september|oktober|november|december)\s+(\d{4})\b`)
)

// parseSwedishDate accepts ISO YYYY-MM-DD or localized "D <month> YYYY"
// and returns the ISO form, or empty on no match.
func parseSwedishDate(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))

	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	if m := longhandDateRe.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month := swedishMonths[m[2]]
		year, _ := strconv.Atoi(m[3])
		if day >= 1 && day <= 31 {
			return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
		}
	}
	return ""
}
