package usage

import "github.com/relaygate/gateway/domain"

// CostResult is the outcome of billing one request's usage against a price
// entry, computed per component then summed.
type CostResult struct {
	InputUSD         float64
	OutputUSD        float64
	CacheReadUSD     float64
	CacheCreationUSD float64
	TotalUSD         float64
	Billed           bool
	UnbillableReason string
}

// Cost computes spec.md §4.9's billing formula:
//
//	finalCost = (prompt × inputPrice × inputMult
//	           + completion × outputPrice × outputMult
//	           + cacheRead × cacheReadPrice
//	           + cacheCreation × cacheWritePrice) / 1_000_000
//
// Any missing price component zeroes its own term; if the base input or
// output price is missing entirely, the result is unbilled/no_price.
func Cost(price domain.PriceEntry, u domain.Usage, inputMultiplier, outputMultiplier float64) CostResult {
	if price.InputPricePerMillion == nil || price.OutputPricePerMillion == nil {
		return CostResult{Billed: false, UnbillableReason: domain.UnbillableNoPrice}
	}

	result := CostResult{Billed: true}
	result.InputUSD = perMillion(price.InputPricePerMillion, u.Prompt) * safeMultiplier(inputMultiplier)
	result.OutputUSD = perMillion(price.OutputPricePerMillion, u.Completion) * safeMultiplier(outputMultiplier)
	result.CacheReadUSD = perMillion(price.CacheReadInputPricePerMillion, u.CacheRead)
	result.CacheCreationUSD = perMillion(price.CacheWriteInputPricePerMillion, u.CacheCreation)
	result.TotalUSD = result.InputUSD + result.OutputUSD + result.CacheReadUSD + result.CacheCreationUSD
	return result
}

func perMillion(pricePerM *float64, tokens int64) float64 {
	if pricePerM == nil || tokens <= 0 {
		return 0
	}
	return (*pricePerM) * float64(tokens) / 1_000_000
}

func safeMultiplier(m float64) float64 {
	if m <= 0 {
		return 1
	}
	return m
}
