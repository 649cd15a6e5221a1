package session

import (
	"math"
	"sort"

	"github.com/dnldd/reversal/shared"
)

// RankByGap returns a selection func that ranks qualified stocks by the
// magnitude of their opening gap and picks at most the provided position
// cap of them. Larger gaps offer more room for the setups to play out.
func RankByGap(positionCap int) shared.SelectionFunc {
	return func(candidates []shared.QualifiedStock) []string {
		ranked := append([]shared.QualifiedStock{}, candidates...)
		sort.SliceStable(ranked, func(i, j int) bool {
			return math.Abs(ranked[i].GapPercent) > math.Abs(ranked[j].GapPercent)
		})

		if len(ranked) > positionCap {
			ranked = ranked[:positionCap]
		}

		selected := make([]string, 0, len(ranked))
		for idx := range ranked {
			selected = append(selected, ranked[idx].InstrumentKey)
		}

		return selected
	}
}
