package settings

// DB setting keys. Values are JSON numbers.
const (
	// OrphanLookbackDaysKey bounds how far back orphaned recharges are searched.
	OrphanLookbackDaysKey = "ORPHAN_LOOKBACK_DAYS"
	// StalePendingMinutesKey is the age after which a pending recharge counts as stale.
	StalePendingMinutesKey = "STALE_PENDING_MINUTES"
)

// known lists the accepted keys with their inclusive bounds.
var known = map[string]struct{ min, max int64 }{
	OrphanLookbackDaysKey:  {min: 1, max: 365},
	StalePendingMinutesKey: {min: 1, max: 7 * 24 * 60},
}
