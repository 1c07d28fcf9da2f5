package generator

// Config drives the synthetic referral forest generator.
type Config struct {
	NumUsers int
	// RootChance is the probability a user joins without a referrer. The
	// first user is always a root.
	RootChance float64
	// PreferentialChance is the probability a referrer is drawn weighted by
	// how many users they already referred, rather than uniformly.
	PreferentialChance   float64
	ActiveChance         float64
	UnknownLocationRatio float64
	SpanDays             int
	Seed                 int64
}

// DefaultConfig returns baseline settings that produce a few deep, skewed trees.
func DefaultConfig() Config {
	return Config{
		NumUsers:             10000,
		RootChance:           0.01,
		PreferentialChance:   0.6,
		ActiveChance:         0.7,
		UnknownLocationRatio: 0.05,
		SpanDays:             365,
		Seed:                 42,
	}
}
