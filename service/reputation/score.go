package reputation

// SpfPenalty is the spam score delta of an SPF verdict.
func SpfPenalty(r SpfResult) (delta float64) {
	switch r {
	case SpfPass:
	case SpfFail:
		delta = 5
	case SpfSoftFail, SpfPermissive:
		delta = 3
	case SpfNone:
		delta = 2
	default:
		delta = 1
	}
	return
}
