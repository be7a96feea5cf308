package server

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cryptowin/cryptowin-go/internal/platform/audit"
)

type PlaySlotsRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	Bet       *Money       `json:"bet"`
}

type PlaySlotsResponse struct {
	Meta    *ResponseMeta `json:"meta"`
	Round   *GameRound    `json:"round,omitempty"`
	Symbols []string      `json:"symbols,omitempty"`
	Win     *Money        `json:"win,omitempty"`
	Balance *Money        `json:"balance,omitempty"`
}

// PlaySlots settles one spin against the account balance. A winning spin
// credits the payout net of the platform cut without touching the stake; a
// losing spin debits the full stake and accrues the loss share as platform
// bookkeeping.
func (s *LedgerService) PlaySlots(ctx context.Context, req *PlaySlotsRequest) (*PlaySlotsResponse, error) {
	if req == nil || req.AccountID == "" {
		return &PlaySlotsResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "game_round", req.AccountID, "play_slots", reason)
		return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if invalidAmount(req.Bet) {
		return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "bet must be > 0 and currency provided")}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}

	key := req.AccountID + "|slots|" + idem
	scope := idemScope(req.AccountID, "slots")
	requestHash := hashRequest(scope, req.Bet.Currency, strconv.FormatInt(req.Bet.AmountMilli, 10))
	if prev := s.cachedSlots(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay PlaySlotsResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeSlots(key, &replay)
			return &replay, nil
		}
	}

	acct := s.getOrCreateAccount(req.AccountID, req.Bet.Currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if prev := s.cachedSlots(key); prev != nil {
		return prev, nil
	}
	if acct.currency != req.Bet.Currency {
		return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "currency mismatch for account")}, nil
	}
	if acct.balanceMilli < req.Bet.AmountMilli {
		s.auditDenied(req.Meta, "game_round", req.AccountID, "play_slots", "insufficient balance")
		resp := &PlaySlotsResponse{
			Meta:    s.responseMeta(req.Meta, ResultDenied, ErrorInsufficientBalance, "insufficient balance"),
			Balance: money(acct.balanceMilli, acct.currency),
		}
		s.observeOp(CategoryGame, ResultDenied)
		return resp, nil
	}

	reels := s.outcomeSource().SlotReels()
	symbols, payout := evaluateSlots(reels, req.Bet.AmountMilli)

	round, err := s.settleRound(ctx, req.Meta, acct, &GameRound{
		RoundID:   "round-" + uuid.NewString(),
		AccountID: req.AccountID,
		GameType:  GameSlots,
		BetMilli:  req.Bet.AmountMilli,
		Symbols:   symbols,
	}, payout, idem)
	if err != nil {
		return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, err.Error())}, nil
	}

	resp := &PlaySlotsResponse{
		Meta:    s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Round:   gameRoundCopy(round),
		Symbols: symbols,
		Win:     money(round.WinMilli, acct.currency),
		Balance: money(acct.balanceMilli, acct.currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &PlaySlotsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeSlots(key, resp)
	s.observeOp(CategoryGame, ResultOK)
	return resp, nil
}

type PlayDiceRequest struct {
	Meta       *RequestMeta `json:"meta,omitempty"`
	AccountID  string       `json:"account_id"`
	Bet        *Money       `json:"bet"`
	Prediction int          `json:"prediction"`
}

type PlayDiceResponse struct {
	Meta    *ResponseMeta `json:"meta"`
	Round   *GameRound    `json:"round,omitempty"`
	Roll    int           `json:"roll,omitempty"`
	Win     *Money        `json:"win,omitempty"`
	Balance *Money        `json:"balance,omitempty"`
}

func (s *LedgerService) PlayDice(ctx context.Context, req *PlayDiceRequest) (*PlayDiceResponse, error) {
	if req == nil || req.AccountID == "" {
		return &PlayDiceResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "game_round", req.AccountID, "play_dice", reason)
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if invalidAmount(req.Bet) {
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "bet must be > 0 and currency provided")}, nil
	}
	if !validDicePrediction(req.Prediction) {
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "prediction must be between 1 and 6")}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}

	key := req.AccountID + "|dice|" + idem
	scope := idemScope(req.AccountID, "dice")
	requestHash := hashRequest(scope, req.Bet.Currency, strconv.FormatInt(req.Bet.AmountMilli, 10), strconv.Itoa(req.Prediction))
	if prev := s.cachedDice(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay PlayDiceResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeDice(key, &replay)
			return &replay, nil
		}
	}

	acct := s.getOrCreateAccount(req.AccountID, req.Bet.Currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if prev := s.cachedDice(key); prev != nil {
		return prev, nil
	}
	if acct.currency != req.Bet.Currency {
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "currency mismatch for account")}, nil
	}
	if acct.balanceMilli < req.Bet.AmountMilli {
		s.auditDenied(req.Meta, "game_round", req.AccountID, "play_dice", "insufficient balance")
		resp := &PlayDiceResponse{
			Meta:    s.responseMeta(req.Meta, ResultDenied, ErrorInsufficientBalance, "insufficient balance"),
			Balance: money(acct.balanceMilli, acct.currency),
		}
		s.observeOp(CategoryGame, ResultDenied)
		return resp, nil
	}

	roll := s.outcomeSource().DiceRoll()
	payout := evaluateDice(roll, req.Prediction, req.Bet.AmountMilli)

	round, err := s.settleRound(ctx, req.Meta, acct, &GameRound{
		RoundID:    "round-" + uuid.NewString(),
		AccountID:  req.AccountID,
		GameType:   GameDice,
		BetMilli:   req.Bet.AmountMilli,
		Roll:       roll,
		Prediction: req.Prediction,
	}, payout, idem)
	if err != nil {
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, err.Error())}, nil
	}

	resp := &PlayDiceResponse{
		Meta:    s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Round:   gameRoundCopy(round),
		Roll:    roll,
		Win:     money(round.WinMilli, acct.currency),
		Balance: money(acct.balanceMilli, acct.currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &PlayDiceResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeDice(key, resp)
	s.observeOp(CategoryGame, ResultOK)
	return resp, nil
}

// settleRound applies a priced outcome to a locked account: balance change,
// round record, audit entry, durable write, earnings accrual. The caller
// holds acct.mu. On error every in-memory mutation is undone.
func (s *LedgerService) settleRound(ctx context.Context, meta *RequestMeta, acct *ledgerAccount, round *GameRound, payoutMilli int64, idem string) (*GameRound, error) {
	sched := s.schedule()
	now := s.now()

	var balanceDelta, commission int64
	if payoutMilli > 0 {
		split := applyBps(payoutMilli, sched.GameWinAdminBps)
		balanceDelta = split.UserMilli
		commission = split.AdminMilli
		round.WinMilli = split.UserMilli
		round.Result = GameWin
	} else {
		balanceDelta = -round.BetMilli
		commission = sched.LossShare(round.BetMilli)
		round.Result = GameLoss
	}
	round.CommissionMilli = commission
	round.CreatedAt = now.Format(time.RFC3339Nano)

	before := snapshotAccount(acct)
	acct.balanceMilli += balanceDelta
	acct.gameRounds = append(acct.gameRounds, round)

	tx := &Transaction{
		TransactionID:   newTransactionID(),
		AccountID:       acct.id,
		Category:        CategoryGame,
		AmountMilli:     balanceDelta,
		Currency:        acct.currency,
		Status:          StatusCompleted,
		CommissionMilli: commission,
		Description:     string(round.GameType) + " " + string(round.Result),
		CreatedAt:       now.Format(time.RFC3339Nano),
	}
	acct.transactions = append(acct.transactions, tx)

	rollback := func() {
		acct.balanceMilli -= balanceDelta
		acct.gameRounds = acct.gameRounds[:len(acct.gameRounds)-1]
		acct.transactions = acct.transactions[:len(acct.transactions)-1]
	}

	after := snapshotAccount(acct)
	action := "play_" + string(round.GameType)
	ev, err := s.appendAudit(meta, "game_round", round.RoundID, action, before, after, audit.ResultSuccess, "")
	if err != nil {
		rollback()
		return nil, errAuditUnavailable
	}
	if err := s.persistGameRound(ctx, acct, round, tx, idem, ev); err != nil {
		rollback()
		return nil, errPersistenceUnavailable
	}

	s.accrueEarnings(CategoryGame, colGameCommission, commission)
	return round, nil
}

type WatchAdRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	AdType    string       `json:"ad_type"`
	Currency  string       `json:"currency,omitempty"`
}

type WatchAdResponse struct {
	Meta    *ResponseMeta `json:"meta"`
	View    *AdView       `json:"view,omitempty"`
	Reward  *Money        `json:"reward,omitempty"`
	Balance *Money        `json:"balance,omitempty"`
}

// WatchAd credits the viewer's share of one verified ad impression. Ad types
// missing from the schedule earn the default rate; the platform cut accrues
// to ad revenue.
func (s *LedgerService) WatchAd(ctx context.Context, req *WatchAdRequest) (*WatchAdResponse, error) {
	if req == nil || req.AccountID == "" {
		return &WatchAdResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "ad_view", req.AccountID, "watch_ad", reason)
		return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if req.AdType == "" {
		return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "ad_type is required")}, nil
	}
	idem := idempotency(req.Meta)
	if idem == "" {
		return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key is required")}, nil
	}
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}

	key := req.AccountID + "|ad|" + idem
	scope := idemScope(req.AccountID, "ad")
	requestHash := hashRequest(scope, req.AdType, currency)
	if prev := s.cachedAd(key); prev != nil {
		return prev, nil
	}
	if s.dbEnabled() {
		var replay WatchAdResponse
		found, err := s.loadIdempotencyResponse(ctx, scope, idem, requestHash, &replay)
		if err == errIdempotencyRequestMismatch {
			return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "idempotency_key reused with different request")}, nil
		}
		if err != nil {
			return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if found {
			s.storeAd(key, &replay)
			return &replay, nil
		}
	}

	acct := s.getOrCreateAccount(req.AccountID, currency)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if prev := s.cachedAd(key); prev != nil {
		return prev, nil
	}

	sched := s.schedule()
	_, split := sched.AdSplit(req.AdType)
	now := s.now()

	before := snapshotAccount(acct)
	view := &AdView{
		ViewID:          "view-" + uuid.NewString(),
		AccountID:       req.AccountID,
		AdType:          req.AdType,
		RewardMilli:     split.UserMilli,
		CommissionMilli: split.AdminMilli,
		CreatedAt:       now.Format(time.RFC3339Nano),
	}
	tx := &Transaction{
		TransactionID:   newTransactionID(),
		AccountID:       req.AccountID,
		Category:        CategoryAd,
		AmountMilli:     split.UserMilli,
		Currency:        acct.currency,
		Status:          StatusCompleted,
		CommissionMilli: split.AdminMilli,
		Description:     "ad reward " + req.AdType,
		CreatedAt:       now.Format(time.RFC3339Nano),
	}

	acct.balanceMilli += split.UserMilli
	acct.adViews = append(acct.adViews, view)
	acct.transactions = append(acct.transactions, tx)

	rollback := func() {
		acct.balanceMilli -= split.UserMilli
		acct.adViews = acct.adViews[:len(acct.adViews)-1]
		acct.transactions = acct.transactions[:len(acct.transactions)-1]
	}

	after := snapshotAccount(acct)
	ev, err := s.appendAudit(req.Meta, "ad_view", view.ViewID, "watch_ad", before, after, audit.ResultSuccess, "")
	if err != nil {
		rollback()
		return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "audit unavailable")}, nil
	}
	if err := s.persistAdView(ctx, acct, view, tx, idem, ev); err != nil {
		rollback()
		return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	s.accrueEarnings(CategoryAd, colAdRevenue, split.AdminMilli)

	resp := &WatchAdResponse{
		Meta:    s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		View:    adViewCopy(view),
		Reward:  money(split.UserMilli, acct.currency),
		Balance: money(acct.balanceMilli, acct.currency),
	}
	if err := s.persistIdempotencyResponse(ctx, scope, idem, requestHash, resp.Meta.Result, resp); err != nil {
		return &WatchAdResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}
	s.storeAd(key, resp)
	s.observeOp(CategoryAd, ResultOK)
	return resp, nil
}

type ListGameRoundsRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	PageSize  int          `json:"page_size,omitempty"`
	PageToken string       `json:"page_token,omitempty"`
}

type ListGameRoundsResponse struct {
	Meta          *ResponseMeta `json:"meta"`
	Rounds        []*GameRound  `json:"rounds,omitempty"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

func (s *LedgerService) ListGameRounds(ctx context.Context, req *ListGameRoundsRequest) (*ListGameRoundsResponse, error) {
	if req == nil || req.AccountID == "" {
		return &ListGameRoundsResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "game_round", req.AccountID, "list_game_rounds", reason)
		return &ListGameRoundsResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	start, pageSize := pageBounds(req.PageToken, req.PageSize)
	if s.dbEnabled() {
		rounds, err := s.listGameRoundsFromDB(ctx, req.AccountID, pageSize, start)
		if err != nil {
			return &ListGameRoundsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if rounds != nil {
			nextToken := ""
			if len(rounds) == pageSize {
				nextToken = strconv.Itoa(start + len(rounds))
			}
			return &ListGameRoundsResponse{
				Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
				Rounds:        rounds,
				NextPageToken: nextToken,
			}, nil
		}
	}

	acct, ok := s.lookupAccount(req.AccountID)
	if !ok {
		return &ListGameRoundsResponse{Meta: s.responseMeta(req.Meta, ResultOK, ErrorKindNone, "")}, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	rounds := acct.gameRounds
	start, end := clampPage(start, pageSize, len(rounds))
	items := make([]*GameRound, 0, end-start)
	for _, r := range rounds[start:end] {
		items = append(items, gameRoundCopy(r))
	}
	nextToken := ""
	if end < len(rounds) {
		nextToken = strconv.Itoa(end)
	}
	return &ListGameRoundsResponse{
		Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Rounds:        items,
		NextPageToken: nextToken,
	}, nil
}

type ListAdViewsRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
	PageSize  int          `json:"page_size,omitempty"`
	PageToken string       `json:"page_token,omitempty"`
}

type ListAdViewsResponse struct {
	Meta          *ResponseMeta `json:"meta"`
	Views         []*AdView     `json:"views,omitempty"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

func (s *LedgerService) ListAdViews(ctx context.Context, req *ListAdViewsRequest) (*ListAdViewsResponse, error) {
	if req == nil || req.AccountID == "" {
		return &ListAdViewsResponse{Meta: s.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	if ok, reason := s.authorize(ctx, req.Meta, req.AccountID); !ok {
		s.auditDenied(req.Meta, "ad_view", req.AccountID, "list_ad_views", reason)
		return &ListAdViewsResponse{Meta: s.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	start, pageSize := pageBounds(req.PageToken, req.PageSize)
	if s.dbEnabled() {
		views, err := s.listAdViewsFromDB(ctx, req.AccountID, pageSize, start)
		if err != nil {
			return &ListAdViewsResponse{Meta: s.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if views != nil {
			nextToken := ""
			if len(views) == pageSize {
				nextToken = strconv.Itoa(start + len(views))
			}
			return &ListAdViewsResponse{
				Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
				Views:         views,
				NextPageToken: nextToken,
			}, nil
		}
	}

	acct, ok := s.lookupAccount(req.AccountID)
	if !ok {
		return &ListAdViewsResponse{Meta: s.responseMeta(req.Meta, ResultOK, ErrorKindNone, "")}, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	views := acct.adViews
	start, end := clampPage(start, pageSize, len(views))
	items := make([]*AdView, 0, end-start)
	for _, v := range views[start:end] {
		items = append(items, adViewCopy(v))
	}
	nextToken := ""
	if end < len(views) {
		nextToken = strconv.Itoa(end)
	}
	return &ListAdViewsResponse{
		Meta:          s.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Views:         items,
		NextPageToken: nextToken,
	}, nil
}

func pageBounds(token string, size int) (start, pageSize int) {
	if token != "" {
		if parsed, err := strconv.Atoi(token); err == nil && parsed >= 0 {
			start = parsed
		}
	}
	pageSize = size
	if pageSize <= 0 {
		pageSize = 50
	}
	return start, pageSize
}

func clampPage(start, pageSize, total int) (int, int) {
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

func (s *LedgerService) cachedSlots(key string) *PlaySlotsResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.slotsByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeSlots(key string, resp *PlaySlotsResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.slotsByIdempotency[key] = &cp
}

func (s *LedgerService) cachedDice(key string) *PlayDiceResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.diceByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeDice(key string, resp *PlayDiceResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.diceByIdempotency[key] = &cp
}

func (s *LedgerService) cachedAd(key string) *WatchAdResponse {
	if !s.useInMemoryIdempotencyCache() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.adByIdempotency[key]; ok {
		cp := *prev
		return &cp
	}
	return nil
}

func (s *LedgerService) storeAd(key string, resp *WatchAdResponse) {
	if !s.useInMemoryIdempotencyCache() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	s.adByIdempotency[key] = &cp
}
