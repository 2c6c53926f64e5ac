package crowdfund

import (
	"fmt"
	"math/big"
	"time"
)

// ProgressBand groups funding progress for display.
type ProgressBand string

const (
	BandHealthy     ProgressBand = "healthy"
	BandNearGoal    ProgressBand = "near_goal"
	BandGoalReached ProgressBand = "goal_reached"
)

// DerivedState is everything presentation code needs beyond the raw snapshot.
type DerivedState struct {
	ProgressPercent  float64
	ProgressBand     ProgressBand
	BarPercent       float64
	SecondsRemaining int64
	TimeRemaining    string
	TotalFunded      string
	GoalAmount       string
}

// ProgressPercent returns totalFunded/goalAmount*100. A zero goal yields 0.
// The result may exceed 100.
func ProgressPercent(snapshot ContractSnapshot) float64 {
	if snapshot.GoalAmount.IsZero() {
		return 0
	}
	scaled := new(big.Int).Mul(snapshot.TotalFunded.BigInt(), big.NewInt(100))
	percent, _ := new(big.Rat).SetFrac(scaled, snapshot.GoalAmount.BigInt()).Float64()
	return percent
}

// SecondsRemaining returns max(0, endTime-now) in whole seconds.
func SecondsRemaining(snapshot ContractSnapshot, now time.Time) int64 {
	remaining := snapshot.EndTime - now.Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BandFor maps a progress percentage onto its display band.
func BandFor(percent float64) ProgressBand {
	switch {
	case percent < ProgressNearGoalThreshold:
		return BandHealthy
	case percent < ProgressGoalThreshold:
		return BandNearGoal
	default:
		return BandGoalReached
	}
}

// FormatTimeRemaining renders seconds as "Xh Ym", or "Ended" once elapsed.
func FormatTimeRemaining(seconds int64) string {
	if seconds <= 0 {
		return timeRemainingEnded
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

// FormatProgress renders a percentage with one decimal place.
func FormatProgress(percent float64) string {
	return fmt.Sprintf("%.1f%%", percent)
}

// Derive computes the display quantities for a snapshot at the given instant.
func Derive(snapshot ContractSnapshot, now time.Time) DerivedState {
	percent := ProgressPercent(snapshot)
	bar := percent
	if bar > ProgressGoalThreshold {
		bar = ProgressGoalThreshold
	}
	seconds := SecondsRemaining(snapshot, now)
	return DerivedState{
		ProgressPercent:  percent,
		ProgressBand:     BandFor(percent),
		BarPercent:       bar,
		SecondsRemaining: seconds,
		TimeRemaining:    FormatTimeRemaining(seconds),
		TotalFunded:      ToDecimalString(snapshot.TotalFunded),
		GoalAmount:       ToDecimalString(snapshot.GoalAmount),
	}
}
