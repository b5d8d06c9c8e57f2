package patterns

import "time"

// Pattern is a reusable, named insight extracted from observed activity.
// Extraction happens outside this package; the store only holds and ranks
// the results.
type Pattern struct {
	ID          string
	Title       string
	Content     string
	Type        string
	Confidence  float64
	AccessCount int
	LastAccess  time.Time // zero when never accessed
	Namespaces  []string
	Pinned      bool
}

// Stats summarizes the pattern store for the query API.
type Stats struct {
	Total          int
	Pinned         int
	MeanConfidence float64
	ByType         map[string]int
}
