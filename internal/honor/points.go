package honor

// PointsConfig holds the signed point value of each reason.
type PointsConfig struct {
	Attended     int64
	NoShow       int64
	BehaviorGood int64
	BehaviorBad  int64
	Decay        int64
}

// DefaultPoints returns the stock point table.
func DefaultPoints() PointsConfig {
	return PointsConfig{
		Attended:     10,
		NoShow:       -20,
		BehaviorGood: 10,
		BehaviorBad:  -10,
		Decay:        -10,
	}
}

// For returns the configured points for reason. Manual adjustments carry caller-supplied points.
func (p PointsConfig) For(reason Reason) int64 {
	switch reason {
	case ReasonAttended:
		return p.Attended
	case ReasonNoShow:
		return p.NoShow
	case ReasonBehaviorGood:
		return p.BehaviorGood
	case ReasonBehaviorBad:
		return p.BehaviorBad
	case ReasonInactivityDecay:
		return p.Decay
	default:
		return 0
	}
}
