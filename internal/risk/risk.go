// Package risk implements the admission gates consulted before and during
// matching: the position-limit exposure check and the anti-spoofing check.
//
// Both checks are pure predicates over the live book state. A rejection is a
// normal business outcome carried as (false, reason), never an error, and
// aborts admission before any order is recorded or any match attempted.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/morning-markets/exchange/internal/model"
)

// CheckPositionLimit validates the worst-case position if all of a user's
// resting orders and the new order were to fill:
//
//	BID:   max long after  = net + open bids + quantity   (reject if > limit)
//	OFFER: max short after = net − open offers − quantity (reject if < −limit)
//
// This is intentionally conservative. It assumes full fill of all resting
// exposure, so a user cannot layer orders that collectively exceed the limit
// even though no single order alone would. The reason includes the maximum
// order size that would have been acceptable, when one exists.
func CheckPositionLimit(side model.OrderSide, quantity, netQuantity, bidExposure, offerExposure, limit int64) (bool, string) {
	if side == model.Bid {
		maxLongAfter := netQuantity + bidExposure + quantity
		if maxLongAfter > limit {
			maxAllowed := limit - netQuantity - bidExposure
			if maxAllowed <= 0 {
				return false, fmt.Sprintf("position limit (%d) exceeded: current position %d, open bids %d", limit, netQuantity, bidExposure)
			}
			return false, fmt.Sprintf("position limit (%d) exceeded: max buy is %d", limit, maxAllowed)
		}
		return true, ""
	}

	maxShortAfter := netQuantity - offerExposure - quantity
	if maxShortAfter < -limit {
		maxAllowed := netQuantity + offerExposure + limit
		if maxAllowed <= 0 {
			return false, fmt.Sprintf("position limit (%d) exceeded: current position %d, open offers %d", limit, netQuantity, offerExposure)
		}
		return false, fmt.Sprintf("position limit (%d) exceeded: max sell is %d", limit, maxAllowed)
	}
	return true, ""
}

// CheckSpoofing rejects an order that would cross the user's own resting
// orders on the opposite side: a BID at P against any own OFFER at ≤ P, an
// OFFER at P against any own BID at ≥ P. Such an order would give the
// appearance of two-sided liquidity while being a self-trade split across two
// order IDs.
//
// ownResting is the user's own OPEN orders on the opposite side of the
// incoming order; the order being placed is not considered.
func CheckSpoofing(side model.OrderSide, price decimal.Decimal, ownResting []model.Order) (bool, string) {
	if side == model.Bid {
		var best *decimal.Decimal
		for i := range ownResting {
			p := ownResting[i].Price
			if p.LessThanOrEqual(price) && (best == nil || p.LessThan(*best)) {
				best = &p
			}
		}
		if best != nil {
			return false, fmt.Sprintf("cannot bid at %s when you have an offer at %s", price, *best)
		}
		return true, ""
	}

	var best *decimal.Decimal
	for i := range ownResting {
		p := ownResting[i].Price
		if p.GreaterThanOrEqual(price) && (best == nil || p.GreaterThan(*best)) {
			best = &p
		}
	}
	if best != nil {
		return false, fmt.Sprintf("cannot offer at %s when you have a bid at %s", price, *best)
	}
	return true, ""
}

// CapFill bounds a fill against the incoming user's real position mid-match.
// Unlike admission, this checks the actual resulting position rather than the
// conservative exposure estimate, because fills reduce open-order exposure
// while changing the position. Returns the largest fill quantity (≤ fillQty)
// that keeps the position within [−limit, +limit]; a value ≤ 0 means matching
// must stop.
func CapFill(side model.OrderSide, fillQty, currentPosition, limit int64) int64 {
	delta := fillQty
	if side == model.Offer {
		delta = -fillQty
	}
	after := currentPosition + delta
	if after >= -limit && after <= limit {
		return fillQty
	}

	var maxFill int64
	if side == model.Bid {
		maxFill = limit - currentPosition
	} else {
		maxFill = currentPosition + limit
	}
	if maxFill < fillQty {
		return maxFill
	}
	return fillQty
}
