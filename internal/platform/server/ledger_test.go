package server

import (
	"context"
	"testing"
	"time"

	"github.com/cryptowin/cryptowin-go/internal/platform/clock"
)

func testClock() clock.Clock {
	return clock.Fixed(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

func testMeta(actorID string, role Role, idem string) *RequestMeta {
	return &RequestMeta{
		RequestID:      "req-1",
		IdempotencyKey: idem,
		Actor:          &Actor{ID: actorID, Role: role},
	}
}

func newTestLedger() *LedgerService {
	return NewLedgerService(testClock(), "admin-1")
}

func mustDeposit(t *testing.T, s *LedgerService, accountID string, amountMilli int64, idem string) *DepositResponse {
	t.Helper()
	resp, err := s.Deposit(context.Background(), &DepositRequest{
		Meta:      testMeta(accountID, RoleUser, idem),
		AccountID: accountID,
		Amount:    money(amountMilli, "EUR"),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("deposit result = %+v", resp.Meta)
	}
	return resp
}

func TestDepositSplitsNinetyTen(t *testing.T) {
	s := newTestLedger()

	resp := mustDeposit(t, s, "acct-1", 100000, "dep-1")
	if resp.Credited.AmountMilli != 90000 {
		t.Fatalf("credited = %d, want 90000", resp.Credited.AmountMilli)
	}
	if resp.Balance.AmountMilli != 90000 {
		t.Fatalf("balance = %d, want 90000", resp.Balance.AmountMilli)
	}
	if resp.Transaction.CommissionMilli != 10000 {
		t.Fatalf("commission = %d, want 10000", resp.Transaction.CommissionMilli)
	}

	snap := s.earnings.snapshot()
	if snap.TotalEarningsMilli != 10000 {
		t.Fatalf("earnings total = %d, want 10000", snap.TotalEarningsMilli)
	}
}

func TestDepositReplaysOnSameIdempotencyKey(t *testing.T) {
	s := newTestLedger()

	first := mustDeposit(t, s, "acct-1", 100000, "dep-1")
	second := mustDeposit(t, s, "acct-1", 100000, "dep-1")
	if second.Balance.AmountMilli != first.Balance.AmountMilli {
		t.Fatalf("replayed balance = %d, want %d", second.Balance.AmountMilli, first.Balance.AmountMilli)
	}
	if second.Transaction.TransactionID != first.Transaction.TransactionID {
		t.Fatal("replay should return the original transaction")
	}

	bal, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance.AmountMilli != 90000 {
		t.Fatalf("balance after replay = %d, want 90000", bal.Balance.AmountMilli)
	}
}

func TestDepositRequiresIdempotencyKey(t *testing.T) {
	s := newTestLedger()

	resp, err := s.Deposit(context.Background(), &DepositRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
		Amount:    money(1000, "EUR"),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if resp.Meta.Result != ResultInvalid {
		t.Fatalf("result = %v, want invalid", resp.Meta.Result)
	}
}

func TestDepositLifetimeEarningsAccumulate(t *testing.T) {
	s := newTestLedger()

	mustDeposit(t, s, "acct-1", 100000, "dep-1")
	mustDeposit(t, s, "acct-1", 50000, "dep-2")

	bal, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.LifetimeEarnings.AmountMilli != 135000 {
		t.Fatalf("lifetime = %d, want 135000", bal.LifetimeEarnings.AmountMilli)
	}
}

func TestUserCannotTouchAnotherAccount(t *testing.T) {
	s := newTestLedger()

	resp, err := s.Deposit(context.Background(), &DepositRequest{
		Meta:      testMeta("acct-2", RoleUser, "dep-1"),
		AccountID: "acct-1",
		Amount:    money(1000, "EUR"),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if resp.Meta.Result != ResultDenied {
		t.Fatalf("result = %v, want denied", resp.Meta.Result)
	}
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	s := newTestLedger()

	resp, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("ghost", RoleUser, ""),
		AccountID: "ghost",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if resp.Meta.Result != ResultDenied || resp.Meta.ErrorKind != ErrorNotFound {
		t.Fatalf("meta = %+v, want denied/not_found", resp.Meta)
	}
}

func TestListTransactionsPaginates(t *testing.T) {
	s := newTestLedger()

	for i := 0; i < 5; i++ {
		mustDeposit(t, s, "acct-1", 10000, "dep-"+string(rune('a'+i)))
	}

	resp, err := s.ListTransactions(context.Background(), &ListTransactionsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
		PageSize:  2,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Transactions) != 2 || resp.NextPageToken != "2" {
		t.Fatalf("page = %d items token %q", len(resp.Transactions), resp.NextPageToken)
	}

	resp, err = s.ListTransactions(context.Background(), &ListTransactionsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
		PageSize:  10,
		PageToken: resp.NextPageToken,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Transactions) != 3 || resp.NextPageToken != "" {
		t.Fatalf("tail = %d items token %q", len(resp.Transactions), resp.NextPageToken)
	}
}

func TestListTransactionsFiltersByCategory(t *testing.T) {
	s := newTestLedger()

	mustDeposit(t, s, "acct-1", 100000, "dep-1")
	mustDeposit(t, s, "acct-1", 50000, "dep-2")
	if _, err := s.WatchAd(context.Background(), &WatchAdRequest{
		Meta:      testMeta("acct-1", RoleUser, "ad-1"),
		AccountID: "acct-1",
		AdType:    "survey",
	}); err != nil {
		t.Fatalf("watch ad: %v", err)
	}

	resp, err := s.ListTransactions(context.Background(), &ListTransactionsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
		Category:  CategoryDeposit,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Transactions) != 2 {
		t.Fatalf("deposits = %d, want 2", len(resp.Transactions))
	}
	for _, tx := range resp.Transactions {
		if tx.Category != CategoryDeposit {
			t.Fatalf("category = %v, want deposit", tx.Category)
		}
	}

	// Pagination runs over the filtered set.
	resp, err = s.ListTransactions(context.Background(), &ListTransactionsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
		Category:  CategoryDeposit,
		PageSize:  1,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Transactions) != 1 || resp.NextPageToken != "1" {
		t.Fatalf("page = %d items token %q", len(resp.Transactions), resp.NextPageToken)
	}

	resp, err = s.ListTransactions(context.Background(), &ListTransactionsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
		Category:  CategoryAd,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Transactions) != 1 || resp.Transactions[0].Category != CategoryAd {
		t.Fatalf("ad entries = %+v", resp.Transactions)
	}
}

func TestReferralSignupPaysAllThreeParties(t *testing.T) {
	s := newTestLedger()

	resp, err := s.ApplyReferralSignup(context.Background(), &ApplyReferralSignupRequest{
		Meta:              testMeta("directory", RoleService, "ref-1"),
		ReferrerAccountID: "acct-ref",
		NewAccountID:      "acct-new",
		Currency:          "EUR",
	})
	if err != nil {
		t.Fatalf("referral: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	if resp.ReferrerBonus.AmountMilli != 10000 {
		t.Fatalf("referrer bonus = %d, want 10000", resp.ReferrerBonus.AmountMilli)
	}
	if resp.SignupGrant.AmountMilli != 5000 {
		t.Fatalf("signup grant = %d, want 5000", resp.SignupGrant.AmountMilli)
	}
	if resp.NewBalance.AmountMilli != 5000 {
		t.Fatalf("new balance = %d, want 5000", resp.NewBalance.AmountMilli)
	}

	bal, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("acct-ref", RoleUser, ""),
		AccountID: "acct-ref",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.BonusBalance.AmountMilli != 10000 {
		t.Fatalf("referrer bonus balance = %d, want 10000", bal.BonusBalance.AmountMilli)
	}
	if bal.Balance.AmountMilli != 0 {
		t.Fatalf("referrer spendable balance = %d, want 0", bal.Balance.AmountMilli)
	}

	snap := s.earnings.snapshot()
	if snap.ReferralEarningsMilli != 2500 {
		t.Fatalf("referral earnings = %d, want 2500", snap.ReferralEarningsMilli)
	}
}

func TestReferralSignupOnlyOncePerAccount(t *testing.T) {
	s := newTestLedger()

	first, err := s.ApplyReferralSignup(context.Background(), &ApplyReferralSignupRequest{
		Meta:              testMeta("directory", RoleService, "ref-1"),
		ReferrerAccountID: "acct-ref",
		NewAccountID:      "acct-new",
	})
	if err != nil || first.Meta.Result != ResultOK {
		t.Fatalf("first referral: %v %+v", err, first.Meta)
	}

	// Same key replays, different key is refused.
	replay, err := s.ApplyReferralSignup(context.Background(), &ApplyReferralSignupRequest{
		Meta:              testMeta("directory", RoleService, "ref-1"),
		ReferrerAccountID: "acct-ref",
		NewAccountID:      "acct-new",
	})
	if err != nil || replay.Meta.Result != ResultOK {
		t.Fatalf("replay: %v %+v", err, replay.Meta)
	}
	again, err := s.ApplyReferralSignup(context.Background(), &ApplyReferralSignupRequest{
		Meta:              testMeta("directory", RoleService, "ref-2"),
		ReferrerAccountID: "acct-other",
		NewAccountID:      "acct-new",
	})
	if err != nil {
		t.Fatalf("second referral: %v", err)
	}
	if again.Meta.Result != ResultDenied {
		t.Fatalf("second referral result = %v, want denied", again.Meta.Result)
	}

	snap := s.earnings.snapshot()
	if snap.ReferralEarningsMilli != 2500 {
		t.Fatalf("referral earnings = %d, want 2500 after one payout", snap.ReferralEarningsMilli)
	}
}

func TestReferralSelfReferralRefused(t *testing.T) {
	s := newTestLedger()

	resp, err := s.ApplyReferralSignup(context.Background(), &ApplyReferralSignupRequest{
		Meta:              testMeta("directory", RoleService, "ref-1"),
		ReferrerAccountID: "acct-1",
		NewAccountID:      "acct-1",
	})
	if err != nil {
		t.Fatalf("referral: %v", err)
	}
	if resp.Meta.Result != ResultInvalid {
		t.Fatalf("result = %v, want invalid", resp.Meta.Result)
	}
}

func TestWatchAdRates(t *testing.T) {
	s := newTestLedger()

	resp, err := s.WatchAd(context.Background(), &WatchAdRequest{
		Meta:      testMeta("acct-1", RoleUser, "ad-1"),
		AccountID: "acct-1",
		AdType:    "survey",
	})
	if err != nil {
		t.Fatalf("watch ad: %v", err)
	}
	if resp.Reward.AmountMilli != 375 {
		t.Fatalf("survey reward = %d, want 375", resp.Reward.AmountMilli)
	}
	if resp.View.CommissionMilli != 125 {
		t.Fatalf("survey commission = %d, want 125", resp.View.CommissionMilli)
	}

	snap := s.earnings.snapshot()
	if snap.AdRevenueMilli != 125 {
		t.Fatalf("ad revenue = %d, want 125", snap.AdRevenueMilli)
	}
}

func TestWatchAdUnknownTypeUsesDefaultRate(t *testing.T) {
	s := newTestLedger()

	resp, err := s.WatchAd(context.Background(), &WatchAdRequest{
		Meta:      testMeta("acct-1", RoleUser, "ad-1"),
		AccountID: "acct-1",
		AdType:    "interstitial",
	})
	if err != nil {
		t.Fatalf("watch ad: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	if resp.Reward.AmountMilli != 35 || resp.View.CommissionMilli != 15 {
		t.Fatalf("default split = %d/%d, want 35/15", resp.Reward.AmountMilli, resp.View.CommissionMilli)
	}
}

func TestWatchAdIdempotentReplay(t *testing.T) {
	s := newTestLedger()

	for i := 0; i < 3; i++ {
		if _, err := s.WatchAd(context.Background(), &WatchAdRequest{
			Meta:      testMeta("acct-1", RoleUser, "ad-1"),
			AccountID: "acct-1",
			AdType:    "survey",
		}); err != nil {
			t.Fatalf("watch ad: %v", err)
		}
	}

	bal, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance.AmountMilli != 375 {
		t.Fatalf("balance = %d, want single reward 375", bal.Balance.AmountMilli)
	}
}

func TestAuditChainStaysVerifiable(t *testing.T) {
	s := newTestLedger()

	mustDeposit(t, s, "acct-1", 100000, "dep-1")
	if _, err := s.WatchAd(context.Background(), &WatchAdRequest{
		Meta:      testMeta("acct-1", RoleUser, "ad-1"),
		AccountID: "acct-1",
		AdType:    "survey",
	}); err != nil {
		t.Fatalf("watch ad: %v", err)
	}

	if err := s.AuditStore.Verify(); err != nil {
		t.Fatalf("audit verify: %v", err)
	}
	if len(s.AuditEvents()) == 0 {
		t.Fatal("expected audit events")
	}
}
