package compliance

import "github.com/shopspring/decimal"

// Score weights. The four weighted terms sum to 1.0; the consent bonus is
// added on top and the result is clamped before rounding.
var (
	gdprWeight    = decimal.RequireFromString("0.4")
	pippaWeight   = decimal.RequireFromString("0.3")
	consentWeight = decimal.RequireFromString("0.2")
	auditWeight   = decimal.RequireFromString("0.1")
)

const (
	PenaltyPerFinding     = 5
	MaxAuditPenalty       = 20
	ConsentBonusThreshold = 90
	ConsentBonus          = 5
)

// AuditPenalty is the score penalty for the given number of findings,
// saturating at MaxAuditPenalty.
func AuditPenalty(findings int) int {
	if findings < 0 {
		return 0
	}
	penalty := findings * PenaltyPerFinding
	if penalty > MaxAuditPenalty {
		return MaxAuditPenalty
	}
	return penalty
}

// ConsentBonusFor returns the bonus earned by a consent rate strictly above
// the threshold.
func ConsentBonusFor(rate decimal.Decimal) int {
	if rate.GreaterThan(decimal.NewFromInt(ConsentBonusThreshold)) {
		return ConsentBonus
	}
	return 0
}

// RawScore is the unclamped, unrounded weighted score.
func RawScore(m Metrics) decimal.Decimal {
	penalty := AuditPenalty(m.AuditFindings)

	return decimal.NewFromInt(int64(m.GDPRCompliance)).Mul(gdprWeight).
		Add(decimal.NewFromInt(int64(m.PIPPACompliance)).Mul(pippaWeight)).
		Add(m.ConsentRate.Mul(consentWeight)).
		Add(decimal.NewFromInt(int64(100 - penalty)).Mul(auditWeight)).
		Add(decimal.NewFromInt(int64(ConsentBonusFor(m.ConsentRate))))
}

// CalculateScore derives the overall compliance score, always in [0, 100].
func CalculateScore(m Metrics) int {
	raw := decimal.Max(minPercent, decimal.Min(maxPercent, RawScore(m)))
	return int(raw.Round(0).IntPart())
}
