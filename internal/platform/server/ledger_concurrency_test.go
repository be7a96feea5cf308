package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)

	const attempts = 30
	var wg sync.WaitGroup
	results := make([]*RequestWithdrawalResponse, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.RequestWithdrawal(context.Background(), &RequestWithdrawalRequest{
				Meta:      testMeta("acct-1", RoleUser, fmt.Sprintf("wd-%d", i)),
				AccountID: "acct-1",
				Amount:    money(10000, "EUR"),
			})
			if err != nil {
				t.Errorf("withdrawal %d: %v", i, err)
				return
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, resp := range results {
		if resp == nil {
			continue
		}
		switch resp.Meta.Result {
		case ResultOK:
			succeeded++
		case ResultDenied:
			if resp.Meta.ErrorKind != ErrorInsufficientBalance {
				t.Fatalf("unexpected denial: %+v", resp.Meta)
			}
		default:
			t.Fatalf("unexpected result: %+v", resp.Meta)
		}
	}
	if succeeded != 9 {
		t.Fatalf("succeeded = %d, want exactly 9 debits of 10000 from 90000", succeeded)
	}

	bal, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance.AmountMilli != 0 {
		t.Fatalf("balance = %d, want 0", bal.Balance.AmountMilli)
	}
}

func TestConcurrentSameKeyAppliesOnce(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)

	const attempts = 10
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RequestWithdrawal(context.Background(), &RequestWithdrawalRequest{
				Meta:      testMeta("acct-1", RoleUser, "wd-shared"),
				AccountID: "acct-1",
				Amount:    money(10000, "EUR"),
			}); err != nil {
				t.Errorf("withdrawal: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, err := s.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance.AmountMilli != 80000 {
		t.Fatalf("balance = %d, want a single debit to 80000", bal.Balance.AmountMilli)
	}
}

func TestConcurrentDepositsAcrossAccounts(t *testing.T) {
	s := newTestLedger()

	const accounts = 20
	var wg sync.WaitGroup
	for i := 0; i < accounts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accountID := fmt.Sprintf("acct-%d", i)
			resp, err := s.Deposit(context.Background(), &DepositRequest{
				Meta:      testMeta(accountID, RoleUser, "dep-1"),
				AccountID: accountID,
				Amount:    money(100000, "EUR"),
			})
			if err != nil {
				t.Errorf("deposit %d: %v", i, err)
				return
			}
			if resp.Meta.Result != ResultOK {
				t.Errorf("deposit %d meta = %+v", i, resp.Meta)
			}
		}(i)
	}
	wg.Wait()

	snap := s.earnings.snapshot()
	if snap.TotalEarningsMilli != accounts*10000 {
		t.Fatalf("earnings = %d, want %d", snap.TotalEarningsMilli, accounts*10000)
	}
	if err := s.AuditStore.Verify(); err != nil {
		t.Fatalf("audit verify: %v", err)
	}
}

func TestConcurrentReferralPairsDoNotDeadlock(t *testing.T) {
	s := newTestLedger()

	var wg sync.WaitGroup
	pairs := [][2]string{
		{"acct-a", "acct-b"},
		{"acct-b", "acct-c"},
		{"acct-c", "acct-a"},
	}
	for i, pair := range pairs {
		wg.Add(1)
		go func(i int, referrer, referred string) {
			defer wg.Done()
			if _, err := s.ApplyReferralSignup(context.Background(), &ApplyReferralSignupRequest{
				Meta:              testMeta("directory", RoleService, fmt.Sprintf("ref-%d", i)),
				ReferrerAccountID: referrer,
				NewAccountID:      referred,
			}); err != nil {
				t.Errorf("referral %d: %v", i, err)
			}
		}(i, pair[0], pair[1])
	}
	wg.Wait()

	snap := s.earnings.snapshot()
	if snap.ReferralEarningsMilli != 3*2500 {
		t.Fatalf("referral earnings = %d, want 7500", snap.ReferralEarningsMilli)
	}
}
