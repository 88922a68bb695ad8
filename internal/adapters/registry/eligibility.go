package registry

import (
	"strconv"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// eligiblePrefixes are the 3-digit families known to register with the
// registry: limited companies (556/559), partnerships (916/969), economic
// associations (7xx) and a handful of foundation/association series.
var eligiblePrefixes = map[string]bool{
	"556": true, "559": true, // aktiebolag
	"916": true, "969": true, // handelsbolag / kommanditbolag
	"702": true, "716": true, "717": true, "746": true, "748": true,
	"769": true, // bostadsrättsföreningar, ekonomiska föreningar
	"802": true, "817": true, "825": true, // föreningar, stiftelser
}

// Eligible reports whether an orgnr is likely registered with this
// registry. Person numbers carry a month 01-12 in digits three and four
// (coordination numbers shift the day, not the month); legal entities
// always carry 20 or higher there. Numbers outside the known prefix
// families are skipped to Completed without a fetch.
func Eligible(orgnr models.OrgNumber) bool {
	s := orgnr.String()
	if len(s) != 10 {
		return false
	}

	mid, err := strconv.Atoi(s[2:4])
	if err != nil {
		return false
	}
	if mid < 20 {
		return false // person-number range
	}

	return eligiblePrefixes[s[:3]]
}
