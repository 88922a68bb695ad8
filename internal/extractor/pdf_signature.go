package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Page-selection vocabulary for the signature-page scan. A page qualifies
// when it contains at least one signature marker and one role keyword, and
// no skip phrase.
var (
	signatureMarkers = []string{
		"underskrifter",
		"stockholm den",
		"göteborg den",
		"malmö den",
		"uppsala den",
		"styrelsens underskrifter",
		"undertecknas av",
	}
	roleKeywords = []string{
		"styrelseordförande",
		"verkställande direktör",
		"styrelseledamot",
		"styrelsesuppleant",
		"ordförande",
		"ledamot",
		"suppleant",
	}
	skipPhrases = []string{
		"revisionsberättelse",
		"bolagsstyrningsrapport",
		"revisors yttrande",
	}
)

// nameExclusions are lowercased tokens that look like names but are not:
// roles, cities, audit-firm words.
var nameExclusions = map[string]bool{
	"stockholm": true, "göteborg": true, "malmö": true, "uppsala": true,
	"sverige": true, "styrelsen": true, "styrelseordförande": true,
	"styrelseledamot": true, "verkställande": true, "direktör": true,
	"aktiebolag": true, "revision": true, "revisorerna": true,
	"årsredovisning": true, "ernst": true, "young": true, "deloitte": true,
	"grant": true, "thornton": true,
}

const (
	pdfConfidenceFloor = 0.3
	pdfConfidenceBase  = 0.8
	pdfDistancePenalty = 0.15
)

var pdfNameRe = regexp.MustCompile(namePattern)

// pdfPageTexts extracts per-page text from raw PDF bytes via pdfcpu
// content extraction, written through a temp directory.
func pdfPageTexts(blob []byte) ([]string, error) {
	tempDir := filepath.Join(os.TempDir(), "orgflow-pdf")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating temp dir: %v", models.ErrParse, err)
	}

	tempFile := filepath.Join(tempDir, fmt.Sprintf("doc_%s.pdf", uuid.NewString()))
	if err := os.WriteFile(tempFile, blob, 0644); err != nil {
		return nil, fmt.Errorf("%w: writing temp pdf: %v", models.ErrParse, err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pdf: %v", models.ErrParse, err)
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(tempDir, fmt.Sprintf("pages_%s", uuid.NewString()))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating page dir: %v", models.ErrParse, err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		return nil, fmt.Errorf("%w: extracting pdf content: %v", models.ErrParse, err)
	}

	pageTexts := make(map[int]string)
	entries, _ := os.ReadDir(outDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(entry.Name(), "page_%d", &pageNum); err != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		pageTexts[pageNum] = string(content)
	}

	pages := make([]string, pageCount)
	for i := 1; i <= pageCount; i++ {
		pages[i-1] = pageTexts[i]
	}
	return pages, nil
}

// selectSignaturePages picks the pages to scan: those with a signature
// marker and a role keyword and no skip phrase, or the last five pages
// when none qualify.
func selectSignaturePages(pages []string) []int {
	var selected []int

	for i, page := range pages {
		lower := strings.ToLower(page)

		skip := false
		for _, phrase := range skipPhrases {
			if strings.Contains(lower, phrase) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		hasMarker := false
		for _, marker := range signatureMarkers {
			if strings.Contains(lower, marker) {
				hasMarker = true
				break
			}
		}
		if !hasMarker {
			continue
		}

		for _, keyword := range roleKeywords {
			if strings.Contains(lower, keyword) {
				selected = append(selected, i)
				break
			}
		}
	}

	if len(selected) == 0 {
		start := len(pages) - 5
		if start < 0 {
			start = 0
		}
		for i := start; i < len(pages); i++ {
			selected = append(selected, i)
		}
	}
	return selected
}

// pdfPageResult is what one signature-page scan yields.
type pdfPageResult struct {
	directors     []models.DirectorRecord
	signatureDate string
}

// scanSignaturePages runs the role-keyword name search over the selected
// pages. Pure text logic, exercised directly by tests.
func scanSignaturePages(pages []string, selected []int) pdfPageResult {
	var out pdfPageResult

	for _, idx := range selected {
		lines := strings.Split(pages[idx], "\n")

		if out.signatureDate == "" {
			for _, line := range lines {
				if d := parseSwedishDate(line); d != "" {
					out.signatureDate = d
					break
				}
			}
		}

		for lineNo, line := range lines {
			lower := strings.ToLower(line)
			for _, keyword := range roleKeywords {
				col := strings.Index(lower, keyword)
				if col < 0 {
					continue
				}
				if rec, ok := nameNearRole(lines, lineNo, keyword, idx); ok {
					out.directors = append(out.directors, rec)
				}
			}
		}
	}

	out.directors = dedupeDirectors(out.directors)
	return out
}

// nameNearRole searches ±2 lines around a role occurrence for the closest
// viable name-like token sequence. Confidence decays with line distance.
func nameNearRole(lines []string, roleLine int, keyword string, pageIdx int) (models.DirectorRecord, bool) {
	type candidate struct {
		name     string
		distance int
	}
	var candidates []candidate

	for offset := -2; offset <= 2; offset++ {
		lineNo := roleLine + offset
		if lineNo < 0 || lineNo >= len(lines) {
			continue
		}
		// Remove role vocabulary before the name scan so "Styrelseordförande"
		// is never mistaken for a surname.
		cleaned := lines[lineNo]
		for _, kw := range roleKeywords {
			cleaned = removeFold(cleaned, kw)
		}

		for _, m := range pdfNameRe.FindAllString(cleaned, -1) {
			if !viableName(m) {
				continue
			}
			dist := offset
			if dist < 0 {
				dist = -dist
			}
			candidates = append(candidates, candidate{name: m, distance: dist})
		}
	}

	if len(candidates) == 0 {
		return models.DirectorRecord{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	best := candidates[0]

	confidence := pdfConfidenceBase - pdfDistancePenalty*float64(best.distance)
	if confidence < pdfConfidenceFloor {
		confidence = pdfConfidenceFloor
	}

	first, last := splitName(best.name)
	return models.DirectorRecord{
		FirstName:      first,
		LastName:       last,
		RawRole:        keyword,
		NormalizedRole: models.NormalizeRole(keyword),
		PersonType:     models.PersonTypePerson,
		Confidence:     confidence,
		SourceField:    fmt.Sprintf("pdf_page_%d", pageIdx+1),
	}, true
}

// removeFold strips every case-insensitive occurrence of needle.
func removeFold(s, needle string) string {
	lower := strings.ToLower(s)
	needle = strings.ToLower(needle)
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			return s
		}
		s = s[:i] + s[i+len(needle):]
		lower = lower[:i] + lower[i+len(needle):]
	}
}

// viableName applies the exclusion set: 2-4 capitalized tokens, none of
// which is a known role/city/firm word.
func viableName(name string) bool {
	tokens := strings.Fields(name)
	if len(tokens) < 2 || len(tokens) > 4 {
		return false
	}
	for _, token := range tokens {
		if nameExclusions[strings.ToLower(token)] {
			return false
		}
	}
	return true
}
