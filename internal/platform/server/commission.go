package server

import "errors"

var ErrUnsupportedCategory = errors.New("unsupported revenue category")

// AdRate is the platform reward for one verified ad view: the gross credit
// and the admin's cut of it in basis points.
type AdRate struct {
	RewardMilli int64
	AdminBps    int64
}

// CommissionSchedule is the single source of truth for every revenue split
// on the platform. All rates are basis points (1/100 of a percent) so that
// applying them to milli-unit amounts stays in integer arithmetic. Versioned
// so a changed schedule is distinguishable in audit trails.
type CommissionSchedule struct {
	Version string

	DepositAdminBps  int64
	GameWinAdminBps  int64
	GameLossAdminBps int64

	// WithdrawalFlatBps drives the legacy flat-rate withdrawal flow.
	// WithdrawalFeeShareBps is the admin share of the resolved fee on the
	// method-aware flow; the remainder covers provider cost.
	WithdrawalFlatBps     int64
	WithdrawalFeeShareBps int64

	ReferralReferrerBonusMilli int64
	ReferralSignupGrantMilli   int64
	ReferralAdminAccrualMilli  int64

	AdRates   map[string]AdRate
	AdDefault AdRate
}

func DefaultCommissionSchedule() *CommissionSchedule {
	return &CommissionSchedule{
		Version: "2026-01",

		DepositAdminBps:  1000,
		GameWinAdminBps:  1500,
		GameLossAdminBps: 2000,

		WithdrawalFlatBps:     200,
		WithdrawalFeeShareBps: 7000,

		ReferralReferrerBonusMilli: 10000,
		ReferralSignupGrantMilli:   5000,
		ReferralAdminAccrualMilli:  2500,

		AdRates: map[string]AdRate{
			"short_video": {RewardMilli: 100, AdminBps: 3000},
			"survey":      {RewardMilli: 500, AdminBps: 2500},
			"offer_wall":  {RewardMilli: 1000, AdminBps: 2000},
		},
		AdDefault: AdRate{RewardMilli: 50, AdminBps: 3000},
	}
}

// Split is the division of a gross amount between the account holder and the
// platform. User + Admin always equals the gross passed in.
type Split struct {
	UserMilli  int64
	AdminMilli int64
}

// applyBps takes the admin cut first, rounding half up, and hands the user
// the exact remainder so not a single milli-unit leaks.
func applyBps(grossMilli, adminBps int64) Split {
	admin := (grossMilli*adminBps + 5000) / 10000
	return Split{UserMilli: grossMilli - admin, AdminMilli: admin}
}

// ComputeSplit resolves the admin cut for a gross amount in the given revenue
// category. Game splits follow the win rate; loss bookkeeping uses LossShare
// directly. Unknown categories are refused rather than silently passed through.
func (s *CommissionSchedule) ComputeSplit(grossMilli int64, category Category) (Split, error) {
	switch category {
	case CategoryDeposit:
		return applyBps(grossMilli, s.DepositAdminBps), nil
	case CategoryGame:
		return applyBps(grossMilli, s.GameWinAdminBps), nil
	case CategoryWithdrawal:
		admin := (grossMilli*s.WithdrawalFlatBps + 5000) / 10000
		return Split{UserMilli: grossMilli - admin, AdminMilli: admin}, nil
	default:
		return Split{}, ErrUnsupportedCategory
	}
}

// AdSplit resolves the reward and admin cut for one ad view. Unrecognized
// ad types fall back to the default rate instead of failing; ad networks add
// formats faster than the schedule is updated.
func (s *CommissionSchedule) AdSplit(adType string) (AdRate, Split) {
	rate, ok := s.AdRates[adType]
	if !ok {
		rate = s.AdDefault
	}
	return rate, applyBps(rate.RewardMilli, rate.AdminBps)
}

// LossShare is the admin bookkeeping accrual for a lost bet. The player has
// already surrendered the full bet; this records the platform's notional take.
func (s *CommissionSchedule) LossShare(betMilli int64) int64 {
	return (betMilli*s.GameLossAdminBps + 5000) / 10000
}

// FeeShare divides a resolved withdrawal fee between the admin earnings
// aggregate and provider cost on the method-aware flow.
func (s *CommissionSchedule) FeeShare(feeMilli int64) int64 {
	return (feeMilli*s.WithdrawalFeeShareBps + 5000) / 10000
}
