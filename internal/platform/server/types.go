package server

// All monetary amounts are int64 milli-units: 1/1000 of one currency unit.
// $5.00 is 5000, $0.375 is 375. Every rate in the commission and fee schedules
// resolves exactly in milli-units, so splits never carry sub-unit remainders.

type ResultCode string

const (
	ResultOK      ResultCode = "ok"
	ResultInvalid ResultCode = "invalid"
	ResultDenied  ResultCode = "denied"
	ResultError   ResultCode = "error"
)

// ErrorKind classifies a failed operation for callers and logs. Validation
// kinds are returned before any mutation; the rest indicate a rolled-back
// transaction.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorInsufficientBalance   ErrorKind = "insufficient_balance"
	ErrorBelowMinimum          ErrorKind = "below_minimum"
	ErrorUnsupportedMethod     ErrorKind = "unsupported_method"
	ErrorUnsupportedCategory   ErrorKind = "unsupported_category"
	ErrorNotFound              ErrorKind = "not_found"
	ErrorDuplicateReferralCode ErrorKind = "duplicate_referral_code"
	ErrorPayoutProviderFailure ErrorKind = "payout_provider_failure"
	ErrorPersistenceFailure    ErrorKind = "persistence_failure"
)

type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type RequestMeta struct {
	RequestID      string `json:"request_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Actor          *Actor `json:"actor,omitempty"`
}

type ResponseMeta struct {
	RequestID    string     `json:"request_id,omitempty"`
	Result       ResultCode `json:"result"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	DenialReason string     `json:"denial_reason,omitempty"`
	ServerTime   string     `json:"server_time"`
}

type Money struct {
	AmountMilli int64  `json:"amount_milli"`
	Currency    string `json:"currency"`
}

func money(amount int64, currency string) *Money {
	return &Money{AmountMilli: amount, Currency: currency}
}

func (m *Money) milli() int64 {
	if m == nil {
		return 0
	}
	return m.AmountMilli
}

func (m *Money) currencyOr(def string) string {
	if m == nil || m.Currency == "" {
		return def
	}
	return m.Currency
}

type Category string

const (
	CategoryDeposit    Category = "deposit"
	CategoryWithdrawal Category = "withdrawal"
	CategoryGame       Category = "game"
	CategoryAd         Category = "ad"
	CategoryReferral   Category = "referral"
)

type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusProcessing TxStatus = "processing"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
)

// Transaction is one immutable ledger entry. AmountMilli is signed: credits
// to the account are positive, debits negative. CommissionMilli is the admin
// cut accrued for this event. Only withdrawal-backed transactions ever change
// status after creation.
type Transaction struct {
	TransactionID   string   `json:"transaction_id"`
	AccountID       string   `json:"account_id"`
	Category        Category `json:"category"`
	AmountMilli     int64    `json:"amount_milli"`
	Currency        string   `json:"currency"`
	Status          TxStatus `json:"status"`
	CommissionMilli int64    `json:"commission_milli"`
	Description     string   `json:"description,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

// DestinationDetails is the opaque payout destination payload: phone number,
// card token, wallet address, whatever the method family needs.
type DestinationDetails map[string]string

type Withdrawal struct {
	WithdrawalID      string             `json:"withdrawal_id"`
	TransactionID     string             `json:"transaction_id"`
	AccountID         string             `json:"account_id"`
	GrossMilli        int64              `json:"gross_milli"`
	FeeMilli          int64              `json:"fee_milli"`
	NetMilli          int64              `json:"net_milli"`
	Currency          string             `json:"currency"`
	Method            string             `json:"method"`
	Destination       DestinationDetails `json:"destination,omitempty"`
	Status            TxStatus           `json:"status"`
	ProviderReference string             `json:"provider_reference,omitempty"`
	EstimatedArrival  string             `json:"estimated_arrival,omitempty"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at"`
}

type GameType string

const (
	GameSlots GameType = "slots"
	GameDice  GameType = "dice"
)

type GameResult string

const (
	GameWin  GameResult = "win"
	GameLoss GameResult = "loss"
)

// GameRound records one play. WinMilli is the net credit to the player after
// the admin cut; zero on a loss.
type GameRound struct {
	RoundID         string     `json:"round_id"`
	AccountID       string     `json:"account_id"`
	GameType        GameType   `json:"game_type"`
	BetMilli        int64      `json:"bet_milli"`
	Symbols         []string   `json:"symbols,omitempty"`
	Roll            int        `json:"roll,omitempty"`
	Prediction      int        `json:"prediction,omitempty"`
	WinMilli        int64      `json:"win_milli"`
	Result          GameResult `json:"result"`
	CommissionMilli int64      `json:"commission_milli"`
	CreatedAt       string     `json:"created_at"`
}

type AdView struct {
	ViewID          string `json:"view_id"`
	AccountID       string `json:"account_id"`
	AdType          string `json:"ad_type"`
	RewardMilli     int64  `json:"reward_milli"`
	CommissionMilli int64  `json:"commission_milli"`
	CreatedAt       string `json:"created_at"`
}

// AdminEarnings is the additive per-admin revenue aggregate. Sub-totals are
// categorized by revenue stream; TotalEarningsMilli is their running sum.
// TotalCommissionMilli holds only the deposit and flat-rate withdrawal cuts,
// never the ad, game, or referral streams.
type AdminEarnings struct {
	AdminID               string `json:"admin_id"`
	TotalCommissionMilli  int64  `json:"total_commission_milli"`
	ReferralEarningsMilli int64  `json:"referral_earnings_milli"`
	AdRevenueMilli        int64  `json:"ad_revenue_milli"`
	GameCommissionMilli   int64  `json:"game_commission_milli"`
	WithdrawalFeesMilli   int64  `json:"withdrawal_fees_milli"`
	TotalEarningsMilli    int64  `json:"total_earnings_milli"`
	LastUpdated           string `json:"last_updated"`
}

func requestID(meta *RequestMeta) string {
	if meta == nil {
		return ""
	}
	return meta.RequestID
}

func idempotency(meta *RequestMeta) string {
	if meta == nil {
		return ""
	}
	return meta.IdempotencyKey
}

func invalidAmount(m *Money) bool {
	if m == nil {
		return true
	}
	if m.AmountMilli <= 0 {
		return true
	}
	return m.Currency == ""
}

func transactionCopy(in *Transaction) *Transaction {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}

func withdrawalCopy(in *Withdrawal) *Withdrawal {
	if in == nil {
		return nil
	}
	cp := *in
	if in.Destination != nil {
		cp.Destination = make(DestinationDetails, len(in.Destination))
		for k, v := range in.Destination {
			cp.Destination[k] = v
		}
	}
	return &cp
}

func gameRoundCopy(in *GameRound) *GameRound {
	if in == nil {
		return nil
	}
	cp := *in
	if in.Symbols != nil {
		cp.Symbols = append([]string(nil), in.Symbols...)
	}
	return &cp
}

func adViewCopy(in *AdView) *AdView {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}

func earningsCopy(in *AdminEarnings) *AdminEarnings {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}
