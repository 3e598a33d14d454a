package gocredit

import "math"

// MaxQuantity is the largest number of images one request may ask for
const MaxQuantity = 100

// Quality is the generation quality tier
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	// QualityAuto lets the backend pick; the client can only give a range
	QualityAuto Quality = "auto"
)

// Size is the output image shape
type Size string

const (
	SizeSquare    Size = "square"
	SizeLandscape Size = "landscape"
	SizePortrait  Size = "portrait"
	// SizeAuto means the size is not chosen yet
	SizeAuto Size = "auto"
)

// PricingRequest describes a generation the user is about to submit
type PricingRequest struct {
	Quality  Quality `json:"quality"`
	Size     Size    `json:"size"`
	IsEdit   bool    `json:"is_edit"`
	Quantity int     `json:"quantity" validate:"max=100"`
}

// CostRange is an inclusive per-image credit range
type CostRange struct {
	Min int
	Max int
}

// Mid returns the integer midpoint of the range
func (r CostRange) Mid() int {
	return (r.Min + r.Max) / 2
}

// SizeCosts holds per-image credit costs for one quality tier
type SizeCosts struct {
	Square    int
	Landscape int
	Portrait  int
}

// PriceTable maps quality and size to per-image credit costs.
// The zero value is not useful; start from DefaultPriceTable.
type PriceTable struct {
	// Base maps each fixed quality to its per-size cost
	Base map[Quality]SizeCosts

	// AutoQuality is the per-image range used for QualityAuto
	AutoQuality CostRange

	// EditSurcharge is added once per image when IsEdit is set
	EditSurcharge map[Quality]int

	// FallbackQuality is used for unknown quality values (default: medium)
	FallbackQuality Quality
}

// CostEstimate is the result of pricing a request
type CostEstimate struct {
	// Cost is the point estimate shown to the user
	Cost int
	// Min and Max bound the real charge; equal to Cost when Exact
	Min int
	Max int
	// Exact is false when an auto quality or size made the price a range
	Exact bool
}

// DefaultPriceTable returns the credit prices used by the image generation backend
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Base: map[Quality]SizeCosts{
			QualityLow:    {Square: 4, Landscape: 6, Portrait: 6},
			QualityMedium: {Square: 16, Landscape: 24, Portrait: 24},
			QualityHigh:   {Square: 62, Landscape: 94, Portrait: 94},
		},
		AutoQuality: CostRange{Min: 50, Max: 75},
		EditSurcharge: map[Quality]int{
			QualityLow:    3,
			QualityMedium: 3,
			QualityHigh:   20,
		},
		FallbackQuality: QualityMedium,
	}
}

var defaultPriceTable = DefaultPriceTable()

// Cost prices a request with the default table
func Cost(req PricingRequest) int {
	return defaultPriceTable.Cost(req)
}

// Estimate prices a request with the default table, including the range
func Estimate(req PricingRequest) CostEstimate {
	return defaultPriceTable.Estimate(req)
}

// Cost returns the total point estimate for the request
func (t PriceTable) Cost(req PricingRequest) int {
	return t.Estimate(req).Cost
}

// Estimate returns (base + edit surcharge) * quantity with its range.
// Quantity below 1 is priced as a single image.
func (t PriceTable) Estimate(req PricingRequest) CostEstimate {
	quantity := req.Quantity
	if quantity < 1 {
		quantity = 1
	}

	base, exact := t.baseRange(req.Quality, req.Size)
	perImage := CostEstimate{Cost: base.Mid(), Min: base.Min, Max: base.Max, Exact: exact}

	if req.IsEdit {
		surcharge := t.surchargeRange(req.Quality)
		perImage.Min += surcharge.Min
		perImage.Max += surcharge.Max
		if req.Quality == QualityAuto {
			perImage.Cost += t.EditSurcharge[t.fallbackQuality()]
		} else {
			perImage.Cost += surcharge.Min
		}
	}

	return CostEstimate{
		Cost:  mulSaturating(perImage.Cost, quantity),
		Min:   mulSaturating(perImage.Min, quantity),
		Max:   mulSaturating(perImage.Max, quantity),
		Exact: perImage.Exact,
	}
}

// mulSaturating multiplies a per-image cost by a positive quantity. Negative costs
// price as 0 and products that do not fit in an int stick at math.MaxInt, so a
// total can never wrap around to a free request.
func mulSaturating(cost, quantity int) int {
	if cost <= 0 {
		return 0
	}
	if quantity > math.MaxInt/cost {
		return math.MaxInt
	}
	return cost * quantity
}

func (t PriceTable) baseRange(q Quality, s Size) (CostRange, bool) {
	if q == QualityAuto {
		return t.AutoQuality, false
	}

	costs, ok := t.Base[q]
	if !ok {
		costs = t.Base[t.fallbackQuality()]
	}

	switch s {
	case SizeSquare:
		return CostRange{Min: costs.Square, Max: costs.Square}, true
	case SizeLandscape:
		return CostRange{Min: costs.Landscape, Max: costs.Landscape}, true
	case SizePortrait:
		return CostRange{Min: costs.Portrait, Max: costs.Portrait}, true
	case SizeAuto:
		lo, hi := costs.Square, costs.Square
		for _, c := range []int{costs.Landscape, costs.Portrait} {
			if c < lo {
				lo = c
			}
			if c > hi {
				hi = c
			}
		}
		return CostRange{Min: lo, Max: hi}, lo == hi
	default:
		return CostRange{Min: costs.Square, Max: costs.Square}, true
	}
}

func (t PriceTable) surchargeRange(q Quality) CostRange {
	if q != QualityAuto {
		s, ok := t.EditSurcharge[q]
		if !ok {
			s = t.EditSurcharge[t.fallbackQuality()]
		}
		return CostRange{Min: s, Max: s}
	}

	// auto may resolve to any fixed tier
	r := CostRange{}
	first := true
	for _, s := range t.EditSurcharge {
		if first || s < r.Min {
			r.Min = s
		}
		if first || s > r.Max {
			r.Max = s
		}
		first = false
	}
	return r
}

func (t PriceTable) fallbackQuality() Quality {
	if t.FallbackQuality == "" {
		return QualityMedium
	}
	return t.FallbackQuality
}
