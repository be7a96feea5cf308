package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cryptowin/cryptowin-go/internal/platform/audit"
	"github.com/cryptowin/cryptowin-go/internal/platform/clock"
)

// ledgerAccount holds one player's funds and history. Each account carries
// its own lock so operations on distinct accounts never serialize; the
// service lock guards only the registry and idempotency caches.
type ledgerAccount struct {
	mu sync.Mutex

	id            string
	currency      string
	balanceMilli  int64
	bonusMilli    int64
	lifetimeMilli int64

	transactions []*Transaction
	gameRounds   []*GameRound
	adViews      []*AdView
	withdrawals  []*Withdrawal
}

// earningsColumn names one sub-total of the admin earnings aggregate. The
// values are the admin_earnings column literals, so the in-memory ledger and
// the SQL accrual bump the same bucket.
type earningsColumn string

const (
	colCommission     earningsColumn = "commission_milli"
	colReferral       earningsColumn = "referral_milli"
	colAdRevenue      earningsColumn = "ad_revenue_milli"
	colGameCommission earningsColumn = "game_milli"
	colWithdrawalFees earningsColumn = "withdrawal_fees_milli"
)

// earningsLedger is the platform's additive revenue aggregate. Always locked
// after the account lock, never before it. The commission bucket holds
// deposit and flat-rate withdrawal cuts only; the other streams keep their
// own sub-totals and everything feeds the grand total.
type earningsLedger struct {
	mu sync.Mutex

	adminID         string
	commissionMilli int64
	referralMilli   int64
	adRevenueMilli  int64
	gameMilli       int64
	withdrawMilli   int64
	totalMilli      int64
	lastUpdated     time.Time
}

func (e *earningsLedger) add(column earningsColumn, amountMilli int64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch column {
	case colCommission:
		e.commissionMilli += amountMilli
	case colReferral:
		e.referralMilli += amountMilli
	case colAdRevenue:
		e.adRevenueMilli += amountMilli
	case colGameCommission:
		e.gameMilli += amountMilli
	case colWithdrawalFees:
		e.withdrawMilli += amountMilli
	}
	e.totalMilli += amountMilli
	e.lastUpdated = at
}

func (e *earningsLedger) snapshot() AdminEarnings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return AdminEarnings{
		AdminID:               e.adminID,
		TotalCommissionMilli:  e.commissionMilli,
		ReferralEarningsMilli: e.referralMilli,
		AdRevenueMilli:        e.adRevenueMilli,
		GameCommissionMilli:   e.gameMilli,
		WithdrawalFeesMilli:   e.withdrawMilli,
		TotalEarningsMilli:    e.totalMilli,
		LastUpdated:           e.lastUpdated.Format(time.RFC3339Nano),
	}
}

type LedgerService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore

	mu sync.Mutex

	accounts        map[string]*ledgerAccount
	withdrawalsByID map[string]*Withdrawal
	earnings        *earningsLedger

	depositByIdempotency   map[string]*DepositResponse
	requestWdByIdempotency map[string]*RequestWithdrawalResponse
	processWdByIdempotency map[string]*ProcessWithdrawalResponse
	slotsByIdempotency     map[string]*PlaySlotsResponse
	diceByIdempotency      map[string]*PlayDiceResponse
	adByIdempotency        map[string]*WatchAdResponse
	referralByIdempotency  map[string]*ApplyReferralSignupResponse
	referralByAccount      map[string]bool

	commission *CommissionSchedule
	fees       *FeeSchedule
	outcomes   OutcomeSource
	payouts    *PayoutRegistry
	metrics    *Metrics

	nextAuditID           atomic.Int64
	db                    *sql.DB
	idempotencyTTL        time.Duration
	disableInMemIdemCache bool
	payoutTimeout         time.Duration
}

// NewLedgerService builds the ledger around an explicit admin earnings
// account. The admin identity is configuration, never discovered by role
// lookup. An optional database handle enables the durable path; without it
// the service runs purely in memory.
func NewLedgerService(clk clock.Clock, adminID string, db ...*sql.DB) *LedgerService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &LedgerService{
		Clock:      clk,
		AuditStore: audit.NewInMemoryStore(),

		accounts:        make(map[string]*ledgerAccount),
		withdrawalsByID: make(map[string]*Withdrawal),
		earnings:        &earningsLedger{adminID: adminID},

		depositByIdempotency:   make(map[string]*DepositResponse),
		requestWdByIdempotency: make(map[string]*RequestWithdrawalResponse),
		processWdByIdempotency: make(map[string]*ProcessWithdrawalResponse),
		slotsByIdempotency:     make(map[string]*PlaySlotsResponse),
		diceByIdempotency:      make(map[string]*PlayDiceResponse),
		adByIdempotency:        make(map[string]*WatchAdResponse),
		referralByIdempotency:  make(map[string]*ApplyReferralSignupResponse),
		referralByAccount:      make(map[string]bool),

		commission: DefaultCommissionSchedule(),
		fees:       DefaultFeeSchedule(),
		outcomes:   NewUniformOutcomeSource(),
		payouts:    NewPayoutRegistry(),

		db:             handle,
		idempotencyTTL: 24 * time.Hour,
		payoutTimeout:  30 * time.Second,
	}
}

func (s *LedgerService) SetCommissionSchedule(sched *CommissionSchedule) {
	if s == nil || sched == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commission = sched
}

func (s *LedgerService) SetFeeSchedule(sched *FeeSchedule) {
	if s == nil || sched == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = sched
}

func (s *LedgerService) SetOutcomeSource(src OutcomeSource) {
	if s == nil || src == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = src
}

func (s *LedgerService) SetPayoutRegistry(reg *PayoutRegistry) {
	if s == nil || reg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts = reg
}

func (s *LedgerService) SetMetrics(m *Metrics) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *LedgerService) SetIdempotencyTTL(ttl time.Duration) {
	if s == nil {
		return
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotencyTTL = ttl
}

func (s *LedgerService) SetPayoutTimeout(d time.Duration) {
	if s == nil {
		return
	}
	if d <= 0 {
		d = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutTimeout = d
}

func (s *LedgerService) SetDisableInMemoryIdempotencyCache(disable bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableInMemIdemCache = disable
}

func (s *LedgerService) useInMemoryIdempotencyCache() bool {
	if s == nil {
		return false
	}
	if s.dbEnabled() && s.disableInMemIdemCache {
		return false
	}
	return true
}

func (s *LedgerService) getIdempotencyTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idempotencyTTL <= 0 {
		return 24 * time.Hour
	}
	return s.idempotencyTTL
}

func (s *LedgerService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *LedgerService) responseMeta(meta *RequestMeta, code ResultCode, kind ErrorKind, denial string) *ResponseMeta {
	return &ResponseMeta{
		RequestID:    requestID(meta),
		Result:       code,
		ErrorKind:    kind,
		DenialReason: denial,
		ServerTime:   s.now().Format(time.RFC3339Nano),
	}
}

func (s *LedgerService) schedule() *CommissionSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commission
}

func (s *LedgerService) feeSchedule() *FeeSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fees
}

func (s *LedgerService) outcomeSource() OutcomeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes
}

// getOrCreateAccount resolves an account under the registry lock, returning
// it unlocked. Callers lock the account themselves before touching funds.
func (s *LedgerService) getOrCreateAccount(accountID, currency string) *ledgerAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[accountID]; ok {
		return acct
	}
	acct := &ledgerAccount{id: accountID, currency: currency}
	s.accounts[accountID] = acct
	return acct
}

func (s *LedgerService) lookupAccount(accountID string) (*ledgerAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	return acct, ok
}

func (s *LedgerService) nextAuditIDValue() string {
	return "audit-" + strconv.FormatInt(s.nextAuditID.Add(1), 10)
}

func newTransactionID() string {
	return "tx-" + uuid.NewString()
}

func (s *LedgerService) authorize(ctx context.Context, meta *RequestMeta, accountID string) (bool, string) {
	actor, reason := resolveActor(ctx, meta)
	if reason != "" {
		return false, reason
	}
	switch actor.Role {
	case RoleAdmin, RoleService:
		return true, ""
	case RoleUser:
		if accountID != actor.ID {
			return false, "user cannot access another account"
		}
		return true, ""
	default:
		return false, "unauthorized actor role"
	}
}

func (s *LedgerService) authorizeAdmin(ctx context.Context, meta *RequestMeta) (bool, string) {
	actor, reason := resolveActor(ctx, meta)
	if reason != "" {
		return false, reason
	}
	if actor.Role != RoleAdmin {
		return false, "admin role required"
	}
	return true, ""
}

func snapshotAccount(acct *ledgerAccount) []byte {
	if acct == nil {
		return []byte(`{}`)
	}
	payload := map[string]any{
		"account_id":     acct.id,
		"currency":       acct.currency,
		"balance":        acct.balanceMilli,
		"bonus_balance":  acct.bonusMilli,
		"lifetime_total": acct.lifetimeMilli,
	}
	b, _ := json.Marshal(payload)
	return b
}

// appendAudit links the event into the in-memory chain and returns it with
// its hashes filled in, so the durable path can mirror the exact chained row.
func (s *LedgerService) appendAudit(meta *RequestMeta, objectType, objectID, action string, before, after []byte, result audit.Result, reason string) (audit.Event, error) {
	if s.AuditStore == nil {
		return audit.Event{}, audit.ErrCorruptChain
	}
	actorID := "system"
	actorRole := string(RoleService)
	if meta != nil && meta.Actor != nil {
		actorID = meta.Actor.ID
		actorRole = string(meta.Actor.Role)
	}

	now := s.now()
	return s.AuditStore.Append(audit.Event{
		AuditID:      s.nextAuditIDValue(),
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      actorID,
		ActorRole:    actorRole,
		ObjectType:   objectType,
		ObjectID:     objectID,
		Action:       action,
		Before:       before,
		After:        after,
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

func (s *LedgerService) auditDenied(meta *RequestMeta, objectType, objectID, action, reason string) {
	_, _ = s.appendAudit(meta, objectType, objectID, action, []byte(`{}`), []byte(`{}`), audit.ResultDenied, reason)
}

func (s *LedgerService) observeOp(category Category, code ResultCode) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	m.ObserveOperation(category, code)
}

func (s *LedgerService) observeCommission(stream Category, amountMilli int64) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	m.ObserveCommission(stream, amountMilli)
}

func (s *LedgerService) accrueEarnings(category Category, column earningsColumn, amountMilli int64) {
	if amountMilli == 0 {
		return
	}
	s.earnings.add(column, amountMilli, s.now())
	s.observeCommission(category, amountMilli)
}

func (s *LedgerService) AuditEvents() []audit.Event {
	if s.AuditStore == nil {
		return nil
	}
	return s.AuditStore.Events()
}

type GetBalanceRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
}

type GetBalanceResponse struct {
	Meta             *ResponseMeta `json:"meta"`
	AccountID        string        `json:"account_id,omitempty"`
	Balance          *Money        `json:"balance,omitempty"`
	BonusBalance     *Money        `json:"bonus_balance,omitempty"`
	LifetimeEarnings *Money        `json:"lifetime_earnings,omitempty"`
}

func (s *LedgerService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceResponse, error) {
	if req == nil || req.AccountID == "" {
		return &GetBalanceResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "account", req.AccountID, "get_balance", reason)
		return &GetBalanceResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	if s.dbEnabled() {
		balance, bonus, lifetime, currency, ok, err := s.getBalanceFromDB(ctx, req.AccountID)
		if err != nil {
			return &GetBalanceResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if ok {
			return &GetBalanceResponse{
				Meta:             s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
				AccountID:        req.AccountID,
				Balance:          money(balance, currency),
				BonusBalance:     money(bonus, currency),
				LifetimeEarnings: money(lifetime, currency),
			}, nil
		}
	}

	acct, ok := s.lookupAccount(req.AccountID)
	if !ok {
		return &GetBalanceResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorNotFound, "account not found")}, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return &GetBalanceResponse{
		Meta:             s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		AccountID:        acct.id,
		Balance:          money(acct.balanceMilli, acct.currency),
		BonusBalance:     money(acct.bonusMilli, acct.currency),
		LifetimeEarnings: money(acct.lifetimeMilli, acct.currency),
	}, nil
}

type DepositRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	Amount    *Money       `json:"amount"`
	Reference string       `json:"reference,omitempty"`
}

type DepositResponse struct {
	Meta        *ResponseMeta `json:"meta"`
	Transaction *Transaction  `json:"transaction,omitempty"`
	Credited    *Money        `json:"credited,omitempty"`
	Balance     *Money        `json:"balance,omitempty"`
}

// Deposit splits a confirmed payment between the player and the platform.
// The player is credited their share, the remainder accrues to admin
// earnings, and lifetime earnings grow by the credited amount.
func (s *LedgerService) Deposit(ctx context.Context, req *DepositRequest) (*DepositResponse, error) {
	if req == nil || req.AccountID == "" {
		return &DepositResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "account", req.AccountID, "deposit", reason)
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if invalidAmount(req.Amount) {
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "amount must be > 0 and currency provided")}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}

	key := req.AccountID + "|deposit|" + idem
	scope := idemScope(req.AccountID, "deposit")
	requestHash := hashRequest(scope, req.Amount.Currency, strconv.FormatInt(req.Amount.AmountMilli, 10), req.Reference)
	if prev := s.cachedDeposit(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay DepositResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeDeposit(key, &replay)
			return &replay, nil
		}
	}

	acct := s.getOrCreateAccount(req.AccountID, req.Amount.Currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	// A racing request with the same key may have won while we waited for
	// the account lock.
	if prev := s.cachedDeposit(key); prev != nil {
		return prev, nil
	}
	if acct.currency != req.Amount.Currency {
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "currency mismatch for account")}, nil
	}

	sched := s.schedule()
	split, err := sched.ComputeSplit(req.Amount.AmountMilli, CategoryDeposit)
	if err != nil {
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorUnsupportedCategory, err.Error())}, nil
	}

	before := snapshotAccount(acct)
	now := s.now()
	tx := &Transaction{
		TransactionID:   newTransactionID(),
		AccountID:       req.AccountID,
		Category:        CategoryDeposit,
		AmountMilli:     split.UserMilli,
		Currency:        req.Amount.Currency,
		Status:          StatusCompleted,
		CommissionMilli: split.AdminMilli,
		Description:     "deposit credited",
		CreatedAt:       now.Format(time.RFC3339Nano),
	}

	acct.balanceMilli += split.UserMilli
	acct.lifetimeMilli += split.UserMilli
	acct.transactions = append(acct.transactions, tx)

	rollback := func() {
		acct.balanceMilli -= split.UserMilli
		acct.lifetimeMilli -= split.UserMilli
		acct.transactions = acct.transactions[:len(acct.transactions)-1]
	}

	after := snapshotAccount(acct)
	ev, err := s.appendAudit(req.Meta, "account", req.AccountID, "deposit", before, after, audit.ResultSuccess, "")
	if err != nil {
		rollback()
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable")}, nil
	}
	if err := s.persistDeposit(ctx, acct, tx, split.AdminMilli, idem, ev); err != nil {
		rollback()
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	s.accrueEarnings(CategoryDeposit, colCommission, split.AdminMilli)

	resp := &DepositResponse{
		Meta:        s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Transaction: transactionCopy(tx),
		Credited:    money(split.UserMilli, acct.currency),
		Balance:     money(acct.balanceMilli, acct.currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &DepositResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeDeposit(key, resp)
	s.observeOp(CategoryDeposit, ResultOK)
	return resp, nil
}

func (s *LedgerService) cachedDeposit(key string) *DepositResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.depositByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeDeposit(key string, resp *DepositResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.depositByIdempotency[key] = &cp
}

type ListTransactionsRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	Category  Category     `json:"category,omitempty"`
	PageSize  int          `json:"page_size,omitempty"`
	PageToken string       `json:"page_token,omitempty"`
}

type ListTransactionsResponse struct {
	Meta          *ResponseMeta  `json:"meta"`
	Transactions  []*Transaction `json:"transactions,omitempty"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (s *LedgerService) ListTransactions(ctx context.Context, req *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	if req == nil || req.AccountID == "" {
		return &ListTransactionsResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "account", req.AccountID, "list_transactions", reason)
		return &ListTransactionsResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	start := 0
	if req.PageToken != "" {
		if parsed, err := strconv.Atoi(req.PageToken); err == nil && parsed >= 0 {
			start = parsed
		}
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	if s.dbEnabled() {
		dbTxs, err := s.listTransactionsFromDB(ctx, req.AccountID, req.Category, pageSize, start)
		if err != nil {
			return &ListTransactionsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if dbTxs != nil {
			nextToken := ""
			if len(dbTxs) == pageSize {
				nextToken = strconv.Itoa(start + len(dbTxs))
			}
			return &ListTransactionsResponse{
				Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
				Transactions:  dbTxs,
				NextPageToken: nextToken,
			}, nil
		}
	}

	acct, ok := s.lookupAccount(req.AccountID)
	if !ok {
		return &ListTransactionsResponse{Meta: s.responseMeta(req.Meta, ResultOK, ErrorKindNone, "")}, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	txs := acct.transactions
	if req.Category != "" {
		filtered := make([]*Transaction, 0, len(txs))
		for _, tx := range txs {
			if tx.Category == req.Category {
				filtered = append(filtered, tx)
			}
		}
		txs = filtered
	}
	if start > len(txs) {
		start = len(txs)
	}
	end := start + pageSize
	if end > len(txs) {
		end = len(txs)
	}

	items := make([]*Transaction, 0, end-start)
	for _, tx := range txs[start:end] {
		items = append(items, transactionCopy(tx))
	}
	nextToken := ""
	if end < len(txs) {
		nextToken = strconv.Itoa(end)
	}
	return &ListTransactionsResponse{
		Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Transactions:  items,
		NextPageToken: nextToken,
	}, nil
}

type ApplyReferralSignupRequest struct {
	Meta              *RequestMeta `json:"meta,omitempty"`
	ReferrerAccountID string       `json:"referrer_account_id"`
	NewAccountID      string       `json:"new_account_id"`
	Currency          string       `json:"currency,omitempty"`
}

type ApplyReferralSignupResponse struct {
	Meta            *ResponseMeta `json:"meta"`
	ReferrerBonus   *Money        `json:"referrer_bonus,omitempty"`
	SignupGrant     *Money        `json:"signup_grant,omitempty"`
	ReferrerBalance *Money        `json:"referrer_balance,omitempty"`
	NewBalance      *Money        `json:"new_balance,omitempty"`
}

// ApplyReferralSignup pays the referral chain once per new account: the
// referrer's bonus balance, the new account's welcome grant, and the fixed
// platform accrual. The grants are created money, not moved money; only the
// accrual touches admin earnings.
func (s *LedgerService) ApplyReferralSignup(ctx context.Context, req *ApplyReferralSignupRequest) (*ApplyReferralSignupResponse, error) {
	if req == nil || req.ReferrerAccountID == "" || req.NewAccountID == "" {
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "referrer_account_id and new_account_id are required")}, nil
	}
	if req.ReferrerAccountID == req.NewAccountID {
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "account cannot refer itself")}, nil
	}
	actor, reason := resolveActor(ctx, req.Meta)
	if reason != "" || (actor.Role != RoleAdmin && actor.Role != RoleService) {
		if reason == "" {
			reason = "service role required"
		}
		s.auditDenied(req.Meta, "referral", req.NewAccountID, "apply_referral_signup", reason)
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}

	key := req.NewAccountID + "|referral|" + idem
	scope := idemScope(req.NewAccountID, "referral")
	requestHash := hashRequest(scope, req.ReferrerAccountID, currency)
	if prev := s.cachedReferral(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay ApplyReferralSignupResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeReferral(key, &replay)
			return &replay, nil
		}
	}

	referrer := s.getOrCreateAccount(req.ReferrerAccountID, currency)
	newAcct := s.getOrCreateAccount(req.NewAccountID, currency)

	// Two accounts are locked in ID order so concurrent referral pairs
	// cannot deadlock.
	first, second := referrer, newAcct
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if prev := s.cachedReferral(key); prev != nil {
		return prev, nil
	}

	s.mu.Lock()
	alreadyReferred := s.referralByAccount[req.NewAccountID]
	s.mu.Unlock()
	if alreadyReferred {
		s.auditDenied(req.Meta, "referral", req.NewAccountID, "apply_referral_signup", "account already referred")
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "account already referred")}, nil
	}

	sched := s.schedule()
	now := s.now()
	beforeRef := snapshotAccount(referrer)

	referrer.bonusMilli += sched.ReferralReferrerBonusMilli
	newAcct.balanceMilli += sched.ReferralSignupGrantMilli

	refTx := &Transaction{
		TransactionID: newTransactionID(),
		AccountID:     req.ReferrerAccountID,
		Category:      CategoryReferral,
		AmountMilli:   sched.ReferralReferrerBonusMilli,
		Currency:      currency,
		Status:        StatusCompleted,
		Description:   "referral bonus",
		CreatedAt:     now.Format(time.RFC3339Nano),
	}
	grantTx := &Transaction{
		TransactionID: newTransactionID(),
		AccountID:     req.NewAccountID,
		Category:      CategoryReferral,
		AmountMilli:   sched.ReferralSignupGrantMilli,
		Currency:      currency,
		Status:        StatusCompleted,
		Description:   "signup grant",
		CreatedAt:     now.Format(time.RFC3339Nano),
	}
	referrer.transactions = append(referrer.transactions, refTx)
	newAcct.transactions = append(newAcct.transactions, grantTx)

	rollback := func() {
		referrer.bonusMilli -= sched.ReferralReferrerBonusMilli
		newAcct.balanceMilli -= sched.ReferralSignupGrantMilli
		referrer.transactions = referrer.transactions[:len(referrer.transactions)-1]
		newAcct.transactions = newAcct.transactions[:len(newAcct.transactions)-1]
	}

	afterRef := snapshotAccount(referrer)
	ev, err := s.appendAudit(req.Meta, "referral", req.NewAccountID, "apply_referral_signup", beforeRef, afterRef, audit.ResultSuccess, "")
	if err != nil {
		rollback()
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable")}, nil
	}
	if err := s.persistReferral(ctx, referrer, newAcct, refTx, grantTx, sched.ReferralAdminAccrualMilli, idem, ev); err != nil {
		rollback()
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	s.mu.Lock()
	s.referralByAccount[req.NewAccountID] = true
	s.mu.Unlock()
	s.accrueEarnings(CategoryReferral, colReferral, sched.ReferralAdminAccrualMilli)

	resp := &ApplyReferralSignupResponse{
		Meta:            s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		ReferrerBonus:   money(sched.ReferralReferrerBonusMilli, currency),
		SignupGrant:     money(sched.ReferralSignupGrantMilli, currency),
		ReferrerBalance: money(referrer.balanceMilli, currency),
		NewBalance:      money(newAcct.balanceMilli, currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &ApplyReferralSignupResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeReferral(key, resp)
	s.observeOp(CategoryReferral, ResultOK)
	return resp, nil
}

func (s *LedgerService) cachedReferral(key string) *ApplyReferralSignupResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.referralByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeReferral(key string, resp *ApplyReferralSignupResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.referralByIdempotency[key] = &cp
}
