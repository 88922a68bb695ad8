package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArcheronTechnologies/orgflow/internal/common"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// taggedReport builds an inline-tagged annual report fragment with the
// given (first, last, role) triples.
func taggedReport(triples [][3]string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<html xmlns:ix="http://www.xbrl.org/2013/inlineXBRL"><body>`)
	buf.WriteString(`<ix:nonNumeric name="se-gen-base:UnderskriftHandlingDag">den 4 oktober 2024</ix:nonNumeric>`)
	buf.WriteString(`<ix:nonNumeric name="se-gen-base:Balansdag">2024-06-30</ix:nonNumeric>`)
	buf.WriteString(`<ix:nonFraction name="se-gen-base:Nettoomsattning" scale="3">12 345</ix:nonFraction>`)
	for _, tr := range triples {
		fmt.Fprintf(&buf, `<ix:nonNumeric name="se-gen-base:UnderskriftHandlingTilltalsnamn">%s</ix:nonNumeric>`, tr[0])
		fmt.Fprintf(&buf, `<ix:nonNumeric name="se-gen-base:UnderskriftHandlingEfternamn">%s</ix:nonNumeric>`, tr[1])
		fmt.Fprintf(&buf, `<ix:nonNumeric name="se-gen-base:UnderskriftHandlingBefattningstitel">%s</ix:nonNumeric>`, tr[2])
	}
	buf.WriteString(`</body></html>`)
	return buf.Bytes()
}

func TestParseTaggedTriples(t *testing.T) {
	markup := taggedReport([][3]string{
		{"Anna", "Karlsson", "Styrelseordförande"},
		{"Erik", "Lindqvist", "Verkställande direktör"},
		{"Maria", "Öberg", "Styrelseledamot"},
		{"Lars", "Nilsson", "Auktoriserad revisor"},
	})

	doc, err := parseTagged(markup)
	require.NoError(t, err)
	assert.Equal(t, []string{"Anna", "Erik", "Maria", "Lars"}, doc.firstNames)
	assert.Equal(t, []string{"Karlsson", "Lindqvist", "Öberg", "Nilsson"}, doc.lastNames)
	assert.Len(t, doc.roles, 4)
	assert.Equal(t, "2024-10-04", doc.signatureDate)
	assert.Equal(t, "2024-06-30", doc.reportingPeriodEnd)
	assert.Equal(t, 2024, doc.periodYear)
	assert.Equal(t, int64(12345000), doc.accounts["Nettoomsattning"], "scale attribute multiplies")
}

func TestDirectorsFromTaggedRoutesAuditors(t *testing.T) {
	doc := &taggedDoc{
		firstNames: []string{"Anna", "Lars"},
		lastNames:  []string{"Karlsson", "Nilsson"},
		roles:      []string{"Styrelseordförande", "Auktoriserad revisor"},
	}

	directors, auditors := directorsFromTagged(doc)
	require.Len(t, directors, 1)
	require.Len(t, auditors, 1)
	assert.Equal(t, models.RoleBoardChair, directors[0].NormalizedRole)
	assert.Equal(t, models.RoleAuditorAuthorized, auditors[0].NormalizedRole)
	assert.Equal(t, 1.0, directors[0].Confidence, "full triple with known role scores 1.0")
}

func TestExtractTaggedDocument(t *testing.T) {
	markup := taggedReport([][3]string{
		{"Anna", "Karlsson", "Styrelseordförande"},
		{"Erik", "Lindqvist", "Verkställande direktör"},
		{"Maria", "Öberg", "Styrelseledamot"},
	})

	e := New(0.5, common.GetLogger())
	result, err := e.Extract(context.Background(), "5561234567", "doc-1", markup)
	require.NoError(t, err)

	assert.Equal(t, models.MethodTaggedFields, result.Method)
	require.Len(t, result.Directors, 3)
	assert.Equal(t, "Anna", result.Directors[0].FirstName)
	assert.Equal(t, models.RoleBoardChair, result.Directors[0].NormalizedRole)
	assert.Equal(t, models.RoleCEO, result.Directors[1].NormalizedRole)
	assert.Equal(t, "2024-10-04", result.SignatureDate)
	assert.Greater(t, result.OverallConfidence, 0.9, "chair+CEO+member board scores high")
	require.Len(t, result.Accounts, 1)
	assert.Equal(t, 2024, result.Accounts[0].Year)
}

func TestExtractZipWrappedMarkup(t *testing.T) {
	markup := taggedReport([][3]string{
		{"Anna", "Karlsson", "Styrelseordförande"},
		{"Erik", "Lindqvist", "Styrelseledamot"},
	})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("arsredovisning.xhtml")
	require.NoError(t, err)
	_, err = w.Write(markup)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	e := New(0.5, common.GetLogger())
	result, err := e.Extract(context.Background(), "5561234567", "doc-2", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, models.MethodTaggedFields, result.Method)
	assert.Len(t, result.Directors, 2)
}

func TestExtractFallsBackToRegex(t *testing.T) {
	// No inline tags at all; the plain-text pattern pass takes over.
	markup := []byte(`<html><body>
		<p>Styrelsen för Testbolaget AB</p>
		<p>Anna Karlsson, styrelseordförande</p>
		<p>Erik Lindqvist, styrelseledamot</p>
	</body></html>`)

	e := New(0.5, common.GetLogger())
	result, err := e.Extract(context.Background(), "5561234567", "doc-3", markup)
	require.NoError(t, err)

	assert.Equal(t, models.MethodRegexFallback, result.Method)
	require.Len(t, result.Directors, 2)
	assert.Equal(t, 0.6, result.Directors[0].Confidence)
	assert.Equal(t, "Karlsson", result.Directors[0].LastName)
}

func TestExtractConfidenceFilter(t *testing.T) {
	markup := []byte(`<html><body><p>Anna Karlsson, styrelseordförande</p></body></html>`)

	// Regex-derived records carry 0.6; a 0.7 threshold drops them.
	e := New(0.7, common.GetLogger())
	result, err := e.Extract(context.Background(), "5561234567", "doc-4", markup)
	require.NoError(t, err)
	assert.Empty(t, result.Directors)
}

func TestParseSwedishDate(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"2024-10-04", "2024-10-04"},
		{"Stockholm den 4 oktober 2024", "2024-10-04"},
		{"den 17 mars 2023", "2023-03-17"},
		{"1 januari 2020", "2020-01-01"},
		{"nothing here", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseSwedishDate(tt.input), "input %q", tt.input)
	}
}
