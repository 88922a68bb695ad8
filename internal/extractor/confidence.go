package extractor

import (
	"strings"
	"unicode"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// directorConfidence scores one director record:
// base 0.5, +0.25 with both name fields, +0.20 with a known role,
// +0.05 for a well-formed first name, capped at 1.0.
func directorConfidence(d models.DirectorRecord) float64 {
	score := 0.5
	if d.FirstName != "" && d.LastName != "" {
		score += 0.25
	}
	if d.NormalizedRole != models.RoleUnknown {
		score += 0.20
	}
	if len(d.FirstName) >= 2 {
		first := []rune(d.FirstName)[0]
		if unicode.IsUpper(first) {
			score += 0.05
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// overallConfidence scores the whole extraction: mean of per-director
// confidences, bumped for the presence of key roles, penalized for
// implausible board sizes.
func overallConfidence(directors []models.DirectorRecord) float64 {
	if len(directors) == 0 {
		return 0
	}

	sum := 0.0
	hasCEO, hasChair, hasMember := false, false, false
	for _, d := range directors {
		sum += d.Confidence
		switch d.NormalizedRole {
		case models.RoleCEO:
			hasCEO = true
		case models.RoleBoardChair:
			hasChair = true
		case models.RoleBoardMember:
			hasMember = true
		}
	}

	score := sum / float64(len(directors))
	if hasCEO {
		score += 0.10
	}
	if hasChair {
		score += 0.10
	}
	if hasMember {
		score += 0.05
	}
	if len(directors) < 2 {
		score *= 0.8
	}
	if len(directors) > 15 {
		score *= 0.7
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// nameKey folds a director name to the deduplication key: lowercase,
// diacritics folded to ASCII, hyphens as spaces, whitespace collapsed.
func nameKey(d models.DirectorRecord) string {
	full := strings.ToLower(d.FullName())
	full = strings.ReplaceAll(full, "-", " ")
	full = foldDiacritics(full)
	return strings.Join(strings.Fields(full), " ")
}

var diacriticFolds = map[rune]rune{
	'å': 'a', 'ä': 'a', 'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a',
	'ö': 'o', 'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ø': 'o',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'ü': 'u', 'ù': 'u', 'ú': 'u', 'û': 'u',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ñ': 'n', 'ç': 'c', 'æ': 'a',
}

func foldDiacritics(s string) string {
	return strings.Map(func(r rune) rune {
		if folded, ok := diacriticFolds[r]; ok {
			return folded
		}
		return r
	}, s)
}

// dedupeDirectors collapses records sharing a name key, keeping the higher
// confidence. Order of first appearance is preserved.
func dedupeDirectors(directors []models.DirectorRecord) []models.DirectorRecord {
	seen := make(map[string]int)
	out := make([]models.DirectorRecord, 0, len(directors))

	for _, d := range directors {
		key := nameKey(d)
		if key == "" {
			continue
		}
		if idx, ok := seen[key]; ok {
			if d.Confidence > out[idx].Confidence {
				out[idx] = d
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, d)
	}
	return out
}
