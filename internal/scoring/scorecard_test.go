package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_EmptyFeaturesScoreBaseline(t *testing.T) {
	for i := 0; i < 3; i++ {
		score, band := Evaluate(Features{})
		assert.Equal(t, 600, score)
		assert.Equal(t, BandC, band)
	}
}

func TestEvaluate_Rules(t *testing.T) {
	tests := []struct {
		name  string
		f     Features
		score int
		band  Band
	}{
		{
			name:  "single delivered order of 5000",
			f:     Features{TotalSpend: 5000, DeliveredOrders: 1, AvgOrderValue: 5000},
			score: 600 + 50 + 2 + 80,
			band:  BandB,
		},
		{
			name:  "truncates toward zero",
			f:     Features{TotalSpend: 199.99, DeliveredOrders: 1.6, AvgOrderValue: 19.99},
			score: 600 + 1 + 3 + 1,
			band:  BandC,
		},
		{
			name:  "every bonus capped",
			f:     Features{TotalSpend: 1e7, DeliveredOrders: 500, AvgOrderValue: 1e5},
			score: 980,
			band:  BandA,
		},
		{
			name:  "cod penalty",
			f:     Features{UsesCOD: 1},
			score: 550,
			band:  BandD,
		},
		{
			name:  "rates above one are capped",
			f:     Features{ReturnRate: 3, TotalSpend: 20000, DeliveredOrders: 50, AvgOrderValue: 800},
			score: 600 + 200 + 100 + 80 - 300,
			band:  BandC,
		},
		{
			name:  "floor at 300",
			f:     Features{ReturnRate: 1, FailedPaymentRate: 1, UsesCOD: 1},
			score: MinScore,
			band:  BandE,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, band := Evaluate(tt.f)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.band, band)
		})
	}
}

func TestEvaluate_ClampedForExtremeInputs(t *testing.T) {
	inputs := []Features{
		{TotalSpend: math.Inf(1), DeliveredOrders: math.MaxFloat64, AvgOrderValue: 1e300},
		{ReturnRate: math.Inf(1), FailedPaymentRate: 1e300, UsesCOD: 42},
		{TotalSpend: math.NaN(), ReturnRate: math.NaN()},
	}
	for _, f := range inputs {
		score, band := Evaluate(f)
		assert.GreaterOrEqual(t, score, MinScore)
		assert.LessOrEqual(t, score, MaxScore)
		assert.Equal(t, BandFor(score), band)
	}
}

func TestEvaluate_MonotonicInSpend(t *testing.T) {
	base := Features{DeliveredOrders: 3, AvgOrderValue: 120, ReturnRate: 0.2, FailedPaymentRate: 0.1, UsesCOD: 1}
	prev := -1
	for spend := 0.0; spend <= 30000; spend += 37.5 {
		f := base
		f.TotalSpend = spend
		score, _ := Evaluate(f)
		assert.GreaterOrEqual(t, score, prev, "spend %.2f", spend)
		prev = score
	}
}

func TestEvaluate_ReturnedOrderPenalty(t *testing.T) {
	clean := Features{TotalSpend: 1000, DeliveredOrders: 10, AvgOrderValue: 100}
	returning := clean
	returning.ReturnRate = 0.5

	s1, _ := Evaluate(clean)
	s2, _ := Evaluate(returning)
	assert.Equal(t, 640, s1)
	assert.Equal(t, 150, s1-s2)
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score int
		band  Band
	}{
		{1000, BandA}, {800, BandA}, {799, BandB}, {700, BandB},
		{699, BandC}, {600, BandC}, {599, BandD}, {500, BandD},
		{499, BandE}, {300, BandE},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.band, BandFor(tt.score), "score %d", tt.score)
	}
}

func TestBand_Description(t *testing.T) {
	assert.Equal(t, "Very Low Risk", BandA.Description())
	assert.Equal(t, "Very High Risk", BandE.Description())
	assert.Equal(t, "Unknown", Band("Z").Description())
	assert.False(t, Band("Z").Valid())
}

func TestExplain_SumsToScore(t *testing.T) {
	f := Features{TotalSpend: 2500, DeliveredOrders: 7, AvgOrderValue: 312.5, ReturnRate: 0.25, FailedPaymentRate: 0.1, UsesCOD: 1}
	b := Explain(f)

	assert.Equal(t, 25, b.SpendPoints)
	assert.Equal(t, 14, b.DeliveredPoints)
	assert.Equal(t, 31, b.OrderValuePoints)
	assert.Equal(t, 75, b.ReturnPenalty)
	assert.Equal(t, 20, b.FailedPaymentPenalty)
	assert.Equal(t, 50, b.CODPenalty)

	sum := b.Base + b.SpendPoints + b.DeliveredPoints + b.OrderValuePoints -
		b.ReturnPenalty - b.FailedPaymentPenalty - b.CODPenalty
	assert.Equal(t, sum, b.Unclamped)

	score, band := Evaluate(f)
	assert.Equal(t, score, b.Score)
	assert.Equal(t, band, b.Band)
}
