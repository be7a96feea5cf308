package server

import (
	"context"
	"testing"
	"time"

	"github.com/cryptowin/cryptowin-go/internal/platform/auth"
)

func newTestDirectory(t *testing.T) (*DirectoryService, *LedgerService) {
	t.Helper()
	ledger := newTestLedger()
	tokens := auth.NewTokenProvider("test-secret", time.Hour)
	return NewDirectoryService(testClock(), tokens, ledger), ledger
}

func TestCreateAccountIssuesReferralCode(t *testing.T) {
	d, _ := newTestDirectory(t)

	resp, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "Player@Example.COM",
		Password: "hunter2hunter2",
		Country:  "ke",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	acct := resp.Account
	if acct.Email != "player@example.com" {
		t.Fatalf("email = %q, want lowercased", acct.Email)
	}
	if acct.Country != "KE" {
		t.Fatalf("country = %q, want KE", acct.Country)
	}
	if len(acct.ReferralCode) != 8 {
		t.Fatalf("referral code = %q, want 8 chars", acct.ReferralCode)
	}
	if acct.Role != RoleUser {
		t.Fatalf("role = %v, want user", acct.Role)
	}
}

func TestCreateAccountDuplicateEmail(t *testing.T) {
	d, _ := newTestDirectory(t)

	if _, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	resp, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "PLAYER@example.com",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if resp.Meta.Result != ResultDenied {
		t.Fatalf("result = %v, want denied", resp.Meta.Result)
	}
}

func TestCreateAccountShortPassword(t *testing.T) {
	d, _ := newTestDirectory(t)

	resp, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "short",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if resp.Meta.Result != ResultInvalid {
		t.Fatalf("result = %v, want invalid", resp.Meta.Result)
	}
}

func TestCreateAccountVanityCodeConflict(t *testing.T) {
	d, _ := newTestDirectory(t)

	if _, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:        "first@example.com",
		Password:     "hunter2hunter2",
		ReferralCode: "WINNER99",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	resp, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:        "second@example.com",
		Password:     "hunter2hunter2",
		ReferralCode: "winner99",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if resp.Meta.Result != ResultDenied || resp.Meta.ErrorKind != ErrorDuplicateReferralCode {
		t.Fatalf("meta = %+v, want denied/duplicate_referral_code", resp.Meta)
	}
}

func TestCreateAccountReferralChainPaysLedger(t *testing.T) {
	d, ledger := newTestDirectory(t)

	referrer, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "referrer@example.com",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("create referrer: %v", err)
	}
	referred, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:          "referred@example.com",
		Password:       "hunter2hunter2",
		ReferredByCode: referrer.Account.ReferralCode,
	})
	if err != nil {
		t.Fatalf("create referred: %v", err)
	}
	if referred.Account.ReferredBy != referrer.Account.AccountID {
		t.Fatalf("referred_by = %q, want %q", referred.Account.ReferredBy, referrer.Account.AccountID)
	}

	bal, err := ledger.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta(referred.Account.AccountID, RoleUser, ""),
		AccountID: referred.Account.AccountID,
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance.AmountMilli != 5000 {
		t.Fatalf("signup grant = %d, want 5000", bal.Balance.AmountMilli)
	}
	refBal, err := ledger.GetBalance(context.Background(), &GetBalanceRequest{
		Meta:      testMeta(referrer.Account.AccountID, RoleUser, ""),
		AccountID: referrer.Account.AccountID,
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if refBal.BonusBalance.AmountMilli != 10000 {
		t.Fatalf("referrer bonus = %d, want 10000", refBal.BonusBalance.AmountMilli)
	}
}

func TestCreateAccountUnknownReferrerCodeIgnored(t *testing.T) {
	d, ledger := newTestDirectory(t)

	resp, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:          "player@example.com",
		Password:       "hunter2hunter2",
		ReferredByCode: "NOSUCH99",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	if resp.Account.ReferredBy != "" {
		t.Fatalf("referred_by = %q, want empty", resp.Account.ReferredBy)
	}
	if got := ledger.earnings.snapshot().ReferralEarningsMilli; got != 0 {
		t.Fatalf("referral earnings = %d, want 0", got)
	}
}

func TestAuthenticateIssuesToken(t *testing.T) {
	d, _ := newTestDirectory(t)

	created, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	resp, err := d.Authenticate(context.Background(), &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if resp.Account.AccountID != created.Account.AccountID {
		t.Fatalf("account = %q, want %q", resp.Account.AccountID, created.Account.AccountID)
	}

	actor, err := d.Tokens.ParseActor(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.ID != created.Account.AccountID || actor.Role != "user" {
		t.Fatalf("claims = %+v", actor)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	d, _ := newTestDirectory(t)

	if _, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	resp, err := d.Authenticate(context.Background(), &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "wrong-password",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if resp.Meta.Result != ResultDenied {
		t.Fatalf("result = %v, want denied", resp.Meta.Result)
	}
	if resp.AccessToken != "" {
		t.Fatal("no token on failed login")
	}
}

func TestAuthenticateLockoutAfterRepeatedFailures(t *testing.T) {
	d, _ := newTestDirectory(t)
	d.SetLoginLockoutPolicy(3, time.Minute)

	if _, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := d.Authenticate(context.Background(), &AuthenticateRequest{
			Email:    "player@example.com",
			Password: "wrong-password",
		}); err != nil {
			t.Fatalf("authenticate %d: %v", i, err)
		}
	}

	// Even the correct password is refused during the lockout window.
	resp, err := d.Authenticate(context.Background(), &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if resp.Meta.Result != ResultDenied {
		t.Fatalf("result = %v, want denied during lockout", resp.Meta.Result)
	}
}

func TestGetAccountSelfOnly(t *testing.T) {
	d, _ := newTestDirectory(t)

	created, err := d.CreateAccount(context.Background(), &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	id := created.Account.AccountID

	own, err := d.GetAccount(context.Background(), &GetAccountRequest{
		Meta:      testMeta(id, RoleUser, ""),
		AccountID: id,
	})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if own.Meta.Result != ResultOK {
		t.Fatalf("own lookup meta = %+v", own.Meta)
	}

	other, err := d.GetAccount(context.Background(), &GetAccountRequest{
		Meta:      testMeta("acct-other", RoleUser, ""),
		AccountID: id,
	})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if other.Meta.Result != ResultDenied {
		t.Fatalf("cross lookup result = %v, want denied", other.Meta.Result)
	}
}

func TestProvisionAdminRequiresPrivilege(t *testing.T) {
	d, _ := newTestDirectory(t)

	denied, err := d.ProvisionAdmin(context.Background(), &ProvisionAdminRequest{
		Meta:     testMeta("acct-1", RoleUser, ""),
		Email:    "ops@example.com",
		Password: "a-long-admin-password",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if denied.Meta.Result != ResultDenied {
		t.Fatalf("user provision result = %v, want denied", denied.Meta.Result)
	}

	created, err := d.ProvisionAdmin(context.Background(), &ProvisionAdminRequest{
		Meta:     testMeta("bootstrap", RoleService, ""),
		Email:    "ops@example.com",
		Password: "a-long-admin-password",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if created.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", created.Meta)
	}
	if created.Account.Role != RoleAdmin {
		t.Fatalf("role = %v, want admin", created.Account.Role)
	}
}

func TestProvisionAdminShortPassword(t *testing.T) {
	d, _ := newTestDirectory(t)

	resp, err := d.ProvisionAdmin(context.Background(), &ProvisionAdminRequest{
		Meta:     testMeta("bootstrap", RoleService, ""),
		Email:    "ops@example.com",
		Password: "tooshort",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if resp.Meta.Result != ResultInvalid {
		t.Fatalf("result = %v, want invalid", resp.Meta.Result)
	}
}
