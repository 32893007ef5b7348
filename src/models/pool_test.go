package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEfficiencyScoreBands(t *testing.T) {
	tests := []struct {
		name        string
		utilization float64
		want        float64
	}{
		{"ideal band", 70, 100},
		{"moderate band", 50, 85},
		{"high band", 85, 70},
		{"low band", 35, 60},
		{"critical band", 92, 40},
		{"starved", 10, 20},
		{"saturated", 99, 20},
		{"ideal lower edge", 60, 100},
		{"ideal upper edge", 80, 100},
		{"high upper edge", 90, 70},
		{"critical upper edge", 95, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EfficiencyScore(tt.utilization))
		})
	}
}

func TestNewPoolMetricsDerivesRates(t *testing.T) {
	m := NewPoolMetrics(PoolStats{
		MinConnections:  5,
		MaxConnections:  20,
		UsedConnections: 14,
		AvailableConns:  6,
	})

	assert.Equal(t, 70.0, m.UtilizationRate)
	assert.Equal(t, 100.0, m.EfficiencyScore)
	assert.False(t, m.Timestamp.IsZero())
}

func TestNewPoolMetricsZeroMaxConnections(t *testing.T) {
	m := NewPoolMetrics(PoolStats{UsedConnections: 3})

	assert.Equal(t, 0.0, m.UtilizationRate)
	assert.Equal(t, 20.0, m.EfficiencyScore)
}

func TestSeverityRanking(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.Greater(t, SeverityCritical.Rank(), SeverityLow.Rank())
}
