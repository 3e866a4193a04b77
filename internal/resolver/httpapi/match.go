package httpapi

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// pickResult chooses the search candidate that best matches the requested
// title and year. Exact case-insensitive title matches win outright, with
// the year as a tie breaker; otherwise fuzzy rank order decides. Returns
// false when no candidate resembles the query at all.
func pickResult(title string, year int, results []SearchResult) (SearchResult, bool) {
	if len(results) == 0 {
		return SearchResult{}, false
	}

	var exact []SearchResult
	for _, r := range results {
		if strings.EqualFold(r.Title, title) {
			exact = append(exact, r)
		}
	}
	if len(exact) > 0 {
		if year > 0 {
			for _, r := range exact {
				if resultYear(r) == year {
					return r, true
				}
			}
		}
		return exact[0], true
	}

	titles := make([]string, len(results))
	for i, r := range results {
		titles[i] = r.Title
	}
	// Matches come back sorted best score first.
	matches := fuzzy.Find(title, titles)
	if len(matches) == 0 {
		return SearchResult{}, false
	}

	best := results[matches[0].Index]
	if year > 0 {
		// Prefer a same-year candidate among the fuzzy matches.
		for _, m := range matches {
			if resultYear(results[m.Index]) == year {
				return results[m.Index], true
			}
		}
	}
	return best, true
}

// resultYear extracts the release year from a candidate, or 0
func resultYear(r SearchResult) int {
	if len(r.ReleaseDate) < 4 {
		return 0
	}
	year := 0
	for _, c := range r.ReleaseDate[:4] {
		if c < '0' || c > '9' {
			return 0
		}
		year = year*10 + int(c-'0')
	}
	return year
}
