package adapter

import "strings"

// Normalizer maps client-facing instrument ids to the form an upstream feed
// expects. Ids are normalized on the way in so that "SHFE.au2212" and
// "au2212" address the same subscription.
type Normalizer func(id string) string

// NormalizeFutures strips an exchange prefix: "SHFE.au2212" becomes
// "au2212". Ids without a dot pass through.
func NormalizeFutures(id string) string {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// NormalizeEquity strips an exchange prefix and left-pads purely numeric
// codes to six digits, so "600" and "000600" address the same stock.
func NormalizeEquity(id string) string {
	id = NormalizeFutures(id)
	if len(id) > 0 && len(id) <= 6 && isDigits(id) {
		return strings.Repeat("0", 6-len(id)) + id
	}
	return id
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
