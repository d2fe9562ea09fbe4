package reconcile

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// MaxMatchDistance is the largest edit distance MatchModel accepts.
const MaxMatchDistance = 2

var modelNormalizer = strings.NewReplacer("-", "", " ", "", "_", "")

func normalizeModel(s string) string {
	return modelNormalizer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// MatchModel finds the candidate naming the same model as name. Names are
// compared after folding case and dropping hyphens, spaces and underscores;
// without an exact match the closest candidate within MaxMatchDistance wins,
// ties going to the lexicographically first candidate.
func MatchModel(name string, candidates []string) (string, bool) {
	target := normalizeModel(name)
	if target == "" {
		return "", false
	}

	best, bestDist := "", MaxMatchDistance+1
	for _, c := range candidates {
		n := normalizeModel(c)
		if n == "" {
			continue
		}
		if n == target {
			return c, true
		}
		d := levenshtein.ComputeDistance(target, n)
		if d < bestDist || (d == bestDist && c < best) {
			best, bestDist = c, d
		}
	}
	if bestDist > MaxMatchDistance {
		return "", false
	}
	return best, true
}
