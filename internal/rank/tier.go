// Package rank measures and caches asset positions in the remote search
// index and derives the commercial tier from them.
package rank

import "github.com/rankspot/rankspot/internal/models"

// RegularMax is the worst rank that is still sellable.
const RegularMax = 7

var premiumPrices = map[int]int{
	1: 150,
	2: 125,
	3: 100,
}

const regularPrice = 50

// TierFor maps a measured rank to its commercial tier. The mapping is the
// single source of truth; every price and tier shown anywhere derives from
// it.
func TierFor(rank int) models.Tier {
	switch {
	case rank >= 1 && rank <= 3:
		return models.TierPremium
	case rank >= 4 && rank <= RegularMax:
		return models.TierRegular
	default:
		return models.TierUnavailable
	}
}

// PriceFor returns the rental price for a rank. Premium ranks are priced
// individually, the regular band is flat, everything else is unsellable.
func PriceFor(rank int) int {
	switch {
	case rank >= 1 && rank <= 3:
		return premiumPrices[rank]
	case rank >= 4 && rank <= RegularMax:
		return regularPrice
	default:
		return 0
	}
}
