package extractor

import (
	"regexp"
	"strings"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// regexFallbackConfidence is the fixed confidence of a regex-derived
// director record.
const regexFallbackConfidence = 0.6

// namePattern matches 2-4 capitalized tokens, Swedish letters included.
const namePattern = `([A-ZÅÄÖÉ][a-zåäöéü\-]+(?:\s+[A-ZÅÄÖÉ][a-zåäöéü\-]+){1,3})`

// fallbackPatterns cover the "Name, Role" shapes seen in signature
// sections when tagged data is absent.
var fallbackPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"name_comma_role", regexp.MustCompile(namePattern + `\s*,\s*(styrelseordförande|styrelseledamot|styrelsesuppleant|verkställande direktör|vice verkställande direktör|ordförande|ledamot|suppleant|revisor)`)},
	{"role_colon_name", regexp.MustCompile(`(?i)(styrelseordförande|styrelseledamot|styrelsesuppleant|verkställande direktör|ordförande)\s*:\s*` + namePattern)},
}

// extractByRegex runs the Swedish Name, Role patterns across the whole
// document text. Every match yields a record with fixed confidence.
func extractByRegex(text string) []models.DirectorRecord {
	var records []models.DirectorRecord

	for _, pattern := range fallbackPatterns {
		for _, m := range pattern.re.FindAllStringSubmatch(text, -1) {
			var name, role string
			if pattern.name == "role_colon_name" {
				role, name = m[1], m[2]
			} else {
				name, role = m[1], m[2]
			}

			first, last := splitName(name)
			records = append(records, models.DirectorRecord{
				FirstName:      first,
				LastName:       last,
				RawRole:        role,
				NormalizedRole: models.NormalizeRole(role),
				PersonType:     models.PersonTypePerson,
				Confidence:     regexFallbackConfidence,
				SourceField:    pattern.name,
			})
		}
	}
	return records
}

// splitName breaks a full name into first and last: the final token is the
// surname, everything before it the given names.
func splitName(full string) (first, last string) {
	tokens := strings.Fields(strings.TrimSpace(full))
	switch len(tokens) {
	case 0:
		return "", ""
	case 1:
		return "", tokens[0]
	}
	return strings.Join(tokens[:len(tokens)-1], " "), tokens[len(tokens)-1]
}
