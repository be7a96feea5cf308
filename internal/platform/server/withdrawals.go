package server

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cryptowin/cryptowin-go/internal/platform/audit"
)

type RequestWithdrawalRequest struct {
	Meta        *RequestMeta       `json:"meta,omitempty"`
	AccountID   string             `json:"account_id"`
	Amount      *Money             `json:"amount"`
	Method      string             `json:"method,omitempty"`
	Destination DestinationDetails `json:"destination,omitempty"`
}

type RequestWithdrawalResponse struct {
	Meta       *ResponseMeta `json:"meta"`
	Withdrawal *Withdrawal   `json:"withdrawal,omitempty"`
	Net        *Money        `json:"net,omitempty"`
	Commission *Money        `json:"commission,omitempty"`
	Balance    *Money        `json:"balance,omitempty"`
}

// RequestWithdrawal opens a flat-rate withdrawal for later review. The gross
// amount leaves the balance immediately, the platform keeps its flat cut,
// and the withdrawal waits in pending until an operator settles it.
func (s *LedgerService) RequestWithdrawal(ctx context.Context, req *RequestWithdrawalRequest) (*RequestWithdrawalResponse, error) {
	if req == nil || req.AccountID == "" {
		return &RequestWithdrawalResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "withdrawal", req.AccountID, "request_withdrawal", reason)
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if invalidAmount(req.Amount) {
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "amount must be > 0 and currency provided")}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}

	key := req.AccountID + "|request_withdrawal|" + idem
	scope := idemScope(req.AccountID, "request_withdrawal")
	requestHash := hashRequest(scope, req.Amount.Currency, strconv.FormatInt(req.Amount.AmountMilli, 10), req.Method)
	if prev := s.cachedRequestWithdrawal(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay RequestWithdrawalResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeRequestWithdrawal(key, &replay)
			return &replay, nil
		}
	}

	acct := s.getOrCreateAccount(req.AccountID, req.Amount.Currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if prev := s.cachedRequestWithdrawal(key); prev != nil {
		return prev, nil
	}
	if acct.currency != req.Amount.Currency {
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "currency mismatch for account")}, nil
	}
	if acct.balanceMilli < req.Amount.AmountMilli {
		s.auditDenied(req.Meta, "withdrawal", req.AccountID, "request_withdrawal", "insufficient balance")
		s.observeOp(CategoryWithdrawal, ResultDenied)
		return &RequestWithdrawalResponse{
			Meta:    s.responseMeta(req.Meta, ResultDenied, ErrorInsufficientBalance, "insufficient balance"),
			Balance: money(acct.balanceMilli, acct.currency),
		}, nil
	}

	sched := s.schedule()
	split, err := sched.ComputeSplit(req.Amount.AmountMilli, CategoryWithdrawal)
	if err != nil {
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorUnsupportedCategory, err.Error())}, nil
	}

	before := snapshotAccount(acct)
	now := s.now()
	wd := &Withdrawal{
		WithdrawalID:  "wd-" + uuid.NewString(),
		TransactionID: newTransactionID(),
		AccountID:     req.AccountID,
		GrossMilli:    req.Amount.AmountMilli,
		FeeMilli:      split.AdminMilli,
		NetMilli:      split.UserMilli,
		Currency:      req.Amount.Currency,
		Method:        req.Method,
		Destination:   req.Destination,
		Status:        StatusPending,
		CreatedAt:     now.Format(time.RFC3339Nano),
		UpdatedAt:     now.Format(time.RFC3339Nano),
	}
	tx := &Transaction{
		TransactionID:   wd.TransactionID,
		AccountID:       req.AccountID,
		Category:        CategoryWithdrawal,
		AmountMilli:     -req.Amount.AmountMilli,
		Currency:        req.Amount.Currency,
		Status:          StatusPending,
		CommissionMilli: split.AdminMilli,
		Description:     "withdrawal requested",
		CreatedAt:       now.Format(time.RFC3339Nano),
	}

	acct.balanceMilli -= req.Amount.AmountMilli
	acct.withdrawals = append(acct.withdrawals, wd)
	acct.transactions = append(acct.transactions, tx)

	rollback := func() {
		acct.balanceMilli += req.Amount.AmountMilli
		acct.withdrawals = acct.withdrawals[:len(acct.withdrawals)-1]
		acct.transactions = acct.transactions[:len(acct.transactions)-1]
	}

	after := snapshotAccount(acct)
	ev, err := s.appendAudit(req.Meta, "withdrawal", wd.WithdrawalID, "request_withdrawal", before, after, audit.ResultSuccess, "")
	if err != nil {
		rollback()
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable")}, nil
	}
	if err := s.persistWithdrawal(ctx, acct, wd, tx, colCommission, split.AdminMilli, idem, ev); err != nil {
		rollback()
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	s.mu.Lock()
	s.withdrawalsByID[wd.WithdrawalID] = wd
	s.mu.Unlock()
	// The flat cut is platform commission, not a method fee.
	s.accrueEarnings(CategoryWithdrawal, colCommission, split.AdminMilli)

	resp := &RequestWithdrawalResponse{
		Meta:       s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Withdrawal: withdrawalCopy(wd),
		Net:        money(split.UserMilli, acct.currency),
		Commission: money(split.AdminMilli, acct.currency),
		Balance:    money(acct.balanceMilli, acct.currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &RequestWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeRequestWithdrawal(key, resp)
	s.observeOp(CategoryWithdrawal, ResultOK)
	return resp, nil
}

type SettleRequestedWithdrawalRequest struct {
	Meta         *RequestMeta `json:"meta,omitempty"`
	WithdrawalID string       `json:"withdrawal_id"`
	Approve      bool         `json:"approve"`
	Reason       string       `json:"reason,omitempty"`
}

type SettleRequestedWithdrawalResponse struct {
	Meta       *ResponseMeta `json:"meta"`
	Withdrawal *Withdrawal   `json:"withdrawal,omitempty"`
	Balance    *Money        `json:"balance,omitempty"`
}

// SettleRequestedWithdrawal resolves a pending flat-rate withdrawal. An
// approval completes it; a rejection refunds the gross amount to the player.
// Settling an already-settled withdrawal with the same outcome replays the
// current state instead of failing.
func (s *LedgerService) SettleRequestedWithdrawal(ctx context.Context, req *SettleRequestedWithdrawalRequest) (*SettleRequestedWithdrawalResponse, error) {
	if req == nil || req.WithdrawalID == "" {
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "withdrawal_id is required")}, nil
	}
	if ok, reason := s.authorizeAdmin(ctx, req.Meta); !ok {
		s.auditDenied(req.Meta, "withdrawal", req.WithdrawalID, "settle_withdrawal", reason)
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	s.mu.Lock()
	wd, ok := s.withdrawalsByID[req.WithdrawalID]
	s.mu.Unlock()
	if !ok {
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorNotFound, "withdrawal not found")}, nil
	}

	acct, ok := s.lookupAccount(wd.AccountID)
	if !ok {
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorNotFound, "account not found")}, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if wd.Status != StatusPending {
		sameOutcome := (req.Approve && wd.Status == StatusCompleted) || (!req.Approve && wd.Status == StatusFailed)
		if sameOutcome {
			return &SettleRequestedWithdrawalResponse{
				Meta:       s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
				Withdrawal: withdrawalCopy(wd),
				Balance:    money(acct.balanceMilli, acct.currency),
			}, nil
		}
		s.auditDenied(req.Meta, "withdrawal", wd.WithdrawalID, "settle_withdrawal", "withdrawal already settled")
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "withdrawal already settled")}, nil
	}

	before := snapshotAccount(acct)
	now := s.now()
	prevStatus := wd.Status
	prevUpdated := wd.UpdatedAt

	var refund int64
	if req.Approve {
		wd.Status = StatusCompleted
	} else {
		refund = wd.GrossMilli
		wd.Status = StatusFailed
		acct.balanceMilli += refund
	}
	wd.UpdatedAt = now.Format(time.RFC3339Nano)

	tx := findTransaction(acct, wd.TransactionID)
	var prevTxStatus TxStatus
	if tx != nil {
		prevTxStatus = tx.Status
		tx.Status = wd.Status
	}

	rollback := func() {
		wd.Status = prevStatus
		wd.UpdatedAt = prevUpdated
		acct.balanceMilli -= refund
		if tx != nil {
			tx.Status = prevTxStatus
		}
	}

	action := "approve_withdrawal"
	if !req.Approve {
		action = "reject_withdrawal"
	}
	after := snapshotAccount(acct)
	ev, err := s.appendAudit(req.Meta, "withdrawal", wd.WithdrawalID, action, before, after, audit.ResultSuccess, req.Reason)
	if err != nil {
		rollback()
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable")}, nil
	}
	if err := s.persistWithdrawalSettlement(ctx, acct, wd, ev); err != nil {
		rollback()
		return &SettleRequestedWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	s.observeOp(CategoryWithdrawal, ResultOK)
	return &SettleRequestedWithdrawalResponse{
		Meta:       s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Withdrawal: withdrawalCopy(wd),
		Balance:    money(acct.balanceMilli, acct.currency),
	}, nil
}

type ProcessWithdrawalRequest struct {
	Meta        *RequestMeta       `json:"meta,omitempty"`
	AccountID   string             `json:"account_id"`
	Amount      *Money             `json:"amount"`
	Method      string             `json:"method"`
	Destination DestinationDetails `json:"destination,omitempty"`
}

type ProcessWithdrawalResponse struct {
	Meta       *ResponseMeta `json:"meta"`
	Withdrawal *Withdrawal   `json:"withdrawal,omitempty"`
	Fee        *Money        `json:"fee,omitempty"`
	Net        *Money        `json:"net,omitempty"`
	Balance    *Money        `json:"balance,omitempty"`
}

// ProcessWithdrawal runs the method-aware flow end to end: price the fee,
// debit the gross, dispatch the payout, and settle in one call. A provider
// failure restores the balance and leaves a failed withdrawal record behind
// as the trace of the attempt.
func (s *LedgerService) ProcessWithdrawal(ctx context.Context, req *ProcessWithdrawalRequest) (*ProcessWithdrawalResponse, error) {
	if req == nil || req.AccountID == "" {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "withdrawal", req.AccountID, "process_withdrawal", reason)
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if invalidAmount(req.Amount) {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "amount must be > 0 and currency provided")}, nil
	}
	if req.Method == "" {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "method is required")}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}

	fees := s.feeSchedule()
	quote, err := fees.Resolve(req.Method, req.Amount.AmountMilli)
	if err == ErrUnsupportedMethod {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorUnsupportedMethod, "unsupported withdrawal method: "+req.Method)}, nil
	}
	if err == ErrBelowMethodMin {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorBelowMinimum, "amount below method minimum")}, nil
	}
	if err != nil {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, err.Error())}, nil
	}

	key := req.AccountID + "|process_withdrawal|" + idem
	scope := idemScope(req.AccountID, "process_withdrawal")
	requestHash := hashRequest(scope, req.Amount.Currency, strconv.FormatInt(req.Amount.AmountMilli, 10), req.Method)
	if prev := s.cachedProcessWithdrawal(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay ProcessWithdrawalResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeProcessWithdrawal(key, &replay)
			return &replay, nil
		}
	}

	acct := s.getOrCreateAccount(req.AccountID, req.Amount.Currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if prev := s.cachedProcessWithdrawal(key); prev != nil {
		return prev, nil
	}
	if acct.currency != req.Amount.Currency {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "currency mismatch for account")}, nil
	}
	if acct.balanceMilli < req.Amount.AmountMilli {
		s.auditDenied(req.Meta, "withdrawal", req.AccountID, "process_withdrawal", "insufficient balance")
		s.observeOp(CategoryWithdrawal, ResultDenied)
		return &ProcessWithdrawalResponse{
			Meta:    s.responseMeta(req.Meta, ResultDenied, ErrorInsufficientBalance, "insufficient balance"),
			Balance: money(acct.balanceMilli, acct.currency),
		}, nil
	}

	s.mu.Lock()
	payouts := s.payouts
	timeout := s.payoutTimeout
	s.mu.Unlock()
	provider, err := payouts.Provider(req.Method)
	if err != nil {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorUnsupportedMethod, "no payout provider for method: "+req.Method)}, nil
	}

	now := s.now()
	wd := &Withdrawal{
		WithdrawalID:  "wd-" + uuid.NewString(),
		TransactionID: newTransactionID(),
		AccountID:     req.AccountID,
		GrossMilli:    quote.GrossMilli,
		FeeMilli:      quote.FeeMilli,
		NetMilli:      quote.NetMilli,
		Currency:      req.Amount.Currency,
		Method:        req.Method,
		Destination:   req.Destination,
		Status:        StatusProcessing,
		CreatedAt:     now.Format(time.RFC3339Nano),
		UpdatedAt:     now.Format(time.RFC3339Nano),
	}

	payoutCtx, cancel := context.WithTimeout(ctx, timeout)
	receipt, payErr := provider.Payout(payoutCtx, quote.NetMilli, req.Amount.Currency, req.Destination)
	cancel()
	if payErr != nil {
		wd.Status = StatusFailed
		wd.UpdatedAt = s.now().Format(time.RFC3339Nano)
		failedTx := &Transaction{
			TransactionID: wd.TransactionID,
			AccountID:     req.AccountID,
			Category:      CategoryWithdrawal,
			AmountMilli:   -quote.GrossMilli,
			Currency:      req.Amount.Currency,
			Status:        StatusFailed,
			Description:   "withdrawal failed: " + payErr.Error(),
			CreatedAt:     now.Format(time.RFC3339Nano),
		}
		acct.withdrawals = append(acct.withdrawals, wd)
		acct.transactions = append(acct.transactions, failedTx)
		s.mu.Lock()
		s.withdrawalsByID[wd.WithdrawalID] = wd
		s.mu.Unlock()
		s.observePayoutFailure(req.Method)
		s.observeOp(CategoryWithdrawal, ResultError)

		// The balance never moved, but the failed trace must still reach
		// the audit chain and the durable store. Losing it silently would
		// leave the caller believing a record exists.
		snap := snapshotAccount(acct)
		ev, auditErr := s.appendAudit(req.Meta, "withdrawal", wd.WithdrawalID, "process_withdrawal", snap, snap, audit.ResultError, payErr.Error())
		if auditErr != nil {
			return &ProcessWithdrawalResponse{
				Meta:       s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable"),
				Withdrawal: withdrawalCopy(wd),
				Balance:    money(acct.balanceMilli, acct.currency),
			}, nil
		}
		if err := s.persistWithdrawal(ctx, acct, wd, failedTx, colWithdrawalFees, 0, idem, ev); err != nil {
			return &ProcessWithdrawalResponse{
				Meta:       s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable"),
				Withdrawal: withdrawalCopy(wd),
				Balance:    money(acct.balanceMilli, acct.currency),
			}, nil
		}
		return &ProcessWithdrawalResponse{
			Meta:       s.responseMeta(req.Meta, ResultError, ErrorPayoutProviderFailure, "payout provider failure: "+payErr.Error()),
			Withdrawal: withdrawalCopy(wd),
			Balance:    money(acct.balanceMilli, acct.currency),
		}, nil
	}

	feeShare := s.schedule().FeeShare(quote.FeeMilli)
	wd.Status = StatusCompleted
	wd.ProviderReference = receipt.Reference
	wd.EstimatedArrival = receipt.EstimatedArrival
	wd.UpdatedAt = s.now().Format(time.RFC3339Nano)

	tx := &Transaction{
		TransactionID:   wd.TransactionID,
		AccountID:       req.AccountID,
		Category:        CategoryWithdrawal,
		AmountMilli:     -quote.GrossMilli,
		Currency:        req.Amount.Currency,
		Status:          StatusCompleted,
		CommissionMilli: feeShare,
		Description:     "withdrawal via " + req.Method,
		CreatedAt:       now.Format(time.RFC3339Nano),
	}

	before := snapshotAccount(acct)
	acct.balanceMilli -= quote.GrossMilli
	acct.withdrawals = append(acct.withdrawals, wd)
	acct.transactions = append(acct.transactions, tx)

	rollback := func() {
		acct.balanceMilli += quote.GrossMilli
		acct.withdrawals = acct.withdrawals[:len(acct.withdrawals)-1]
		acct.transactions = acct.transactions[:len(acct.transactions)-1]
	}

	after := snapshotAccount(acct)
	ev, err := s.appendAudit(req.Meta, "withdrawal", wd.WithdrawalID, "process_withdrawal", before, after, audit.ResultSuccess, "")
	if err != nil {
		rollback()
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable")}, nil
	}
	if err := s.persistWithdrawal(ctx, acct, wd, tx, colWithdrawalFees, feeShare, idem, ev); err != nil {
		rollback()
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	s.mu.Lock()
	s.withdrawalsByID[wd.WithdrawalID] = wd
	s.mu.Unlock()
	s.accrueEarnings(CategoryWithdrawal, colWithdrawalFees, feeShare)

	resp := &ProcessWithdrawalResponse{
		Meta:       s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Withdrawal: withdrawalCopy(wd),
		Fee:        money(quote.FeeMilli, acct.currency),
		Net:        money(quote.NetMilli, acct.currency),
		Balance:    money(acct.balanceMilli, acct.currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &ProcessWithdrawalResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeProcessWithdrawal(key, resp)
	s.observeOp(CategoryWithdrawal, ResultOK)
	return resp, nil
}

type ListWithdrawalsRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	PageSize  int          `json:"page_size,omitempty"`
	PageToken string       `json:"page_token,omitempty"`
}

type ListWithdrawalsResponse struct {
	Meta          *ResponseMeta `json:"meta"`
	Withdrawals   []*Withdrawal `json:"withdrawals,omitempty"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

func (s *LedgerService) ListWithdrawals(ctx context.Context, req *ListWithdrawalsRequest) (*ListWithdrawalsResponse, error) {
	if req == nil || req.AccountID == "" {
		return &ListWithdrawalsResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "withdrawal", req.AccountID, "list_withdrawals", reason)
		return &ListWithdrawalsResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	start, pageSize := pageBounds(req.PageToken, req.PageSize)
	if s.dbEnabled() {
		wds, err := s.listWithdrawalsFromDB(ctx, req.AccountID, pageSize, start)
		if err != nil {
			return &ListWithdrawalsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if wds != nil {
			nextToken := ""
			if len(wds) == pageSize {
				nextToken = strconv.Itoa(start + len(wds))
			}
			return &ListWithdrawalsResponse{
				Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
				Withdrawals:   wds,
				NextPageToken: nextToken,
			}, nil
		}
	}

	acct, ok := s.lookupAccount(req.AccountID)
	if !ok {
		return &ListWithdrawalsResponse{Meta: s.responseMeta(req.Meta, ResultOK, ErrorKindNone, "")}, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	wds := acct.withdrawals
	start, end := clampPage(start, pageSize, len(wds))
	items := make([]*Withdrawal, 0, end-start)
	for _, wd := range wds[start:end] {
		items = append(items, withdrawalCopy(wd))
	}
	nextToken := ""
	if end < len(wds) {
		nextToken = strconv.Itoa(end)
	}
	return &ListWithdrawalsResponse{
		Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Withdrawals:   items,
		NextPageToken: nextToken,
	}, nil
}

type GetWithdrawalMethodsRequest struct {
	Meta        *RequestMeta `json:"meta,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
	Amount      *Money       `json:"amount,omitempty"`
}

type WithdrawalMethodQuote struct {
	Method         string `json:"method"`
	FeeMilli       int64  `json:"fee_milli,omitempty"`
	NetMilli       int64  `json:"net_milli,omitempty"`
	MinAmountMilli int64  `json:"min_amount_milli"`
}

type GetWithdrawalMethodsResponse struct {
	Meta    *ResponseMeta            `json:"meta"`
	Methods []*WithdrawalMethodQuote `json:"methods,omitempty"`
}

// GetWithdrawalMethods lists the methods available for a country, each
// priced against the optional amount.
func (s *LedgerService) GetWithdrawalMethods(ctx context.Context, req *GetWithdrawalMethodsRequest) (*GetWithdrawalMethodsResponse, error) {
	if req == nil {
		return &GetWithdrawalMethodsResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "request is required")}, nil
	}
	if _, reason := resolveActor(ctx, req.Meta); reason != "" {
		return &GetWithdrawalMethodsResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	fees := s.feeSchedule()
	methods := fees.AvailableMethods(req.CountryCode)
	out := make([]*WithdrawalMethodQuote, 0, len(methods))
	for _, m := range methods {
		entry := &WithdrawalMethodQuote{Method: m, MinAmountMilli: fees.Methods[m].MinAmountMilli}
		if req.Amount != nil && req.Amount.AmountMilli > 0 {
			if quote, err := fees.Resolve(m, req.Amount.AmountMilli); err == nil {
				entry.FeeMilli = quote.FeeMilli
				entry.NetMilli = quote.NetMilli
			}
		}
		out = append(out, entry)
	}
	return &GetWithdrawalMethodsResponse{
		Meta:    s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Methods: out,
	}, nil
}

func findTransaction(acct *ledgerAccount, transactionID string) *Transaction {
	for _, tx := range acct.transactions {
		if tx.TransactionID == transactionID {
			return tx
		}
	}
	return nil
}

func (s *LedgerService) cachedRequestWithdrawal(key string) *RequestWithdrawalResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.requestWdByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeRequestWithdrawal(key string, resp *RequestWithdrawalResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.requestWdByIdempotency[key] = &cp
}

func (s *LedgerService) cachedProcessWithdrawal(key string) *ProcessWithdrawalResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.processWdByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeProcessWithdrawal(key string, resp *ProcessWithdrawalResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.processWdByIdempotency[key] = &cp
}

func (s *LedgerService) observePayoutFailure(method string) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	m.ObservePayoutFailure(method)
}
