package md

import "fmt"

// Source tags which upstream feed kind produced a snapshot. The distributor
// keys its routing table on it.
type Source string

const (
	// SourceCTP is the futures front (binary protocol).
	SourceCTP Source = "ctp"
	// SourceQQ and SourceSina are the two equity feeds.
	SourceQQ   Source = "qq"
	SourceSina Source = "sina"
)

// Sources lists all feed kinds in routing preference order.
var Sources = []Source{SourceCTP, SourceQQ, SourceSina}

// ParseSource validates a source name from config or a query string.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceCTP, SourceQQ, SourceSina:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown market data source %q", s)
}
