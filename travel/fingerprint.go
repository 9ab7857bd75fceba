package travel

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Fingerprint is the cache key: a hash of the physical inputs of a
// calculation. Identical fingerprints always yield identical results.
type Fingerprint string

// fingerprintScheme is bumped if the canonical encoding below changes.
const fingerprintScheme = "fp1"

// NewFingerprint hashes the values a calculation depends on. IDs are left out
// on purpose: an edited address or rate produces a new key, never a stale hit.
func NewFingerprint(home, site GeoPoint, costPerKm decimal.Decimal, daysPerWeek int, ruleVersion string) Fingerprint {
	var b strings.Builder
	b.WriteString(fingerprintScheme)
	for _, part := range []string{
		formatCoord(home.Latitude),
		formatCoord(home.Longitude),
		formatCoord(site.Latitude),
		formatCoord(site.Longitude),
		costPerKm.String(),
		strconv.Itoa(daysPerWeek),
		ruleVersion,
	} {
		b.WriteByte('|')
		b.WriteString(part)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// formatCoord is the shortest exact representation, so equal floats always
// encode identically. -0 is folded into 0.
func formatCoord(f float64) string {
	if f == 0 {
		f = 0
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Short returns a log-friendly prefix.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
