package scoring

import "math"

// Score bounds and the starting point of every scorecard.
const (
	MinScore  = 300
	MaxScore  = 1000
	BaseScore = 600
)

// Band is the letter grade derived from a score.
type Band string

const (
	BandA Band = "A"
	BandB Band = "B"
	BandC Band = "C"
	BandD Band = "D"
	BandE Band = "E"
)

// Bands lists every band from lowest to highest risk.
var Bands = []Band{BandA, BandB, BandC, BandD, BandE}

// Valid reports whether b is one of the five bands.
func (b Band) Valid() bool {
	switch b {
	case BandA, BandB, BandC, BandD, BandE:
		return true
	}
	return false
}

// Description is the human-readable risk level.
func (b Band) Description() string {
	switch b {
	case BandA:
		return "Very Low Risk"
	case BandB:
		return "Low Risk"
	case BandC:
		return "Medium Risk"
	case BandD:
		return "High Risk"
	case BandE:
		return "Very High Risk"
	}
	return "Unknown"
}

// BandFor maps a score to its band. Thresholds are inclusive lower bounds.
func BandFor(score int) Band {
	switch {
	case score >= 800:
		return BandA
	case score >= 700:
		return BandB
	case score >= 600:
		return BandC
	case score >= 500:
		return BandD
	default:
		return BandE
	}
}

// Breakdown is the per-rule contribution of a scorecard evaluation.
// Penalties are positive numbers that were subtracted.
type Breakdown struct {
	Base                 int  `json:"base"`
	SpendPoints          int  `json:"spendPoints"`
	DeliveredPoints      int  `json:"deliveredPoints"`
	OrderValuePoints     int  `json:"orderValuePoints"`
	ReturnPenalty        int  `json:"returnPenalty"`
	FailedPaymentPenalty int  `json:"failedPaymentPenalty"`
	CODPenalty           int  `json:"codPenalty"`
	Unclamped            int  `json:"unclamped"`
	Score                int  `json:"score"`
	Band                 Band `json:"band"`
}

// Explain runs the scorecard and returns every rule's contribution.
func Explain(f Features) Breakdown {
	b := Breakdown{
		Base:                 BaseScore,
		SpendPoints:          capped(f.TotalSpend/100, 200),
		DeliveredPoints:      capped(f.DeliveredOrders*2, 100),
		OrderValuePoints:     capped(f.AvgOrderValue/10, 80),
		ReturnPenalty:        capped(300*math.Min(1, f.ReturnRate), 300),
		FailedPaymentPenalty: capped(200*math.Min(1, f.FailedPaymentRate), 200),
	}
	if f.UsesCOD >= 1 {
		b.CODPenalty = 50
	}

	b.Unclamped = b.Base + b.SpendPoints + b.DeliveredPoints + b.OrderValuePoints -
		b.ReturnPenalty - b.FailedPaymentPenalty - b.CODPenalty
	b.Score = max(MinScore, min(MaxScore, b.Unclamped))
	b.Band = BandFor(b.Score)
	return b
}

// Evaluate maps features to a clamped score and its band.
func Evaluate(f Features) (int, Band) {
	b := Explain(f)
	return b.Score, b.Band
}

// capped truncates v toward zero after limiting it to ceiling. The limit is
// applied in float space so huge inputs never overflow int.
func capped(v, ceiling float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Min(v, ceiling))
}
