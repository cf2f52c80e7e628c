package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	challengesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "powcaptcha", Name: "challenges_issued_total", Help: "Challenges issued by site"},
		[]string{"site"},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "powcaptcha", Name: "verifications_total", Help: "Verification attempts by outcome"},
		[]string{"outcome"},
	)
	redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "powcaptcha", Name: "token_redemptions_total", Help: "Token redemption checks by result"},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(challengesIssued, verifications, redemptions)
}

func ChallengeIssued(site string) {
	challengesIssued.WithLabelValues(site).Inc()
}

// Verification outcomes, used as the "outcome" label value.
const (
	OutcomeVerified               = "verified"
	OutcomeSiteNotFound           = "site_not_found"
	OutcomeChallengeNotFound      = "challenge_not_found"
	OutcomeInsufficientDifficulty = "insufficient_difficulty"
	OutcomeDuplicateNonce         = "duplicate_nonce"
	OutcomeBackendError           = "backend_error"
)

func Verification(outcome string) {
	verifications.WithLabelValues(outcome).Inc()
}

func Redemption(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	redemptions.WithLabelValues(result).Inc()
}
