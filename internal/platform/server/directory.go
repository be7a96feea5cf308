package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cryptowin/cryptowin-go/internal/platform/auth"
	"github.com/cryptowin/cryptowin-go/internal/platform/clock"
)

const bcryptCost = 12

type directoryAccount struct {
	id           string
	email        string
	passwordHash string
	role         Role
	country      string
	currency     string
	referralCode string
	referredBy   string
	createdAt    time.Time
}

// DirectoryService owns identity: account records, credentials, referral
// codes, and session tokens. Money never moves here; signup bonuses are
// delegated to the ledger.
type DirectoryService struct {
	Clock  clock.Clock
	Tokens *auth.TokenProvider

	mu sync.Mutex

	byID           map[string]*directoryAccount
	byEmail        map[string]*directoryAccount
	byReferralCode map[string]*directoryAccount

	ledger  *LedgerService
	metrics *Metrics

	loginFailures    map[string]int
	loginLockedUntil map[string]time.Time
	maxLoginFailures int
	loginLockoutTTL  time.Duration

	db *sql.DB
}

func NewDirectoryService(clk clock.Clock, tokens *auth.TokenProvider, ledger *LedgerService, db ...*sql.DB) *DirectoryService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &DirectoryService{
		Clock:  clk,
		Tokens: tokens,

		byID:           make(map[string]*directoryAccount),
		byEmail:        make(map[string]*directoryAccount),
		byReferralCode: make(map[string]*directoryAccount),

		ledger: ledger,

		loginFailures:    make(map[string]int),
		loginLockedUntil: make(map[string]time.Time),
		maxLoginFailures: 5,
		loginLockoutTTL:  15 * time.Minute,

		db: handle,
	}
}

func (d *DirectoryService) SetMetrics(m *Metrics) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

func (d *DirectoryService) SetLoginLockoutPolicy(maxFailures int, ttl time.Duration) {
	if d == nil {
		return
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxLoginFailures = maxFailures
	d.loginLockoutTTL = ttl
}

func (d *DirectoryService) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now().UTC()
}

func (d *DirectoryService) responseMeta(meta *RequestMeta, code ResultCode, kind ErrorKind, denial string) *ResponseMeta {
	return &ResponseMeta{
		RequestID:    requestID(meta),
		Result:       code,
		ErrorKind:    kind,
		DenialReason: denial,
		ServerTime:   d.now().Format(time.RFC3339Nano),
	}
}

const referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newReferralCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	for i := range b {
		b[i] = referralCodeAlphabet[int(b[i])%len(referralCodeAlphabet)]
	}
	return string(b)
}

type AccountProfile struct {
	AccountID    string `json:"account_id"`
	Email        string `json:"email"`
	Role         Role   `json:"role"`
	Country      string `json:"country,omitempty"`
	Currency     string `json:"currency"`
	ReferralCode string `json:"referral_code"`
	ReferredBy   string `json:"referred_by,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type CreateAccountRequest struct {
	Meta           *RequestMeta `json:"meta,omitempty"`
	Email          string       `json:"email"`
	Password       string       `json:"password"`
	Country        string       `json:"country,omitempty"`
	Currency       string       `json:"currency,omitempty"`
	ReferredByCode string       `json:"referred_by_code,omitempty"`
	ReferralCode   string       `json:"referral_code,omitempty"`
}

type CreateAccountResponse struct {
	Meta    *ResponseMeta   `json:"meta"`
	Account *AccountProfile `json:"account,omitempty"`
}

// CreateAccount registers a player. A valid referrer code triggers the
// referral payout chain on the ledger; an unknown code is ignored rather
// than blocking the signup. A requested vanity referral code must be unused.
func (d *DirectoryService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*CreateAccountResponse, error) {
	if req == nil || req.Email == "" || req.Password == "" {
		return &CreateAccountResponse{Meta: d.responseMeta(nil, ResultInvalid, ErrorKindNone, "email and password are required")}, nil
	}
	if len(req.Password) < 8 {
		return &CreateAccountResponse{Meta: d.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "password must be at least 8 characters")}, nil
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return &CreateAccountResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorKindNone, "credential hashing failed")}, nil
	}

	d.mu.Lock()
	if _, exists := d.byEmail[email]; exists {
		d.mu.Unlock()
		return &CreateAccountResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "email already registered")}, nil
	}

	code := strings.ToUpper(strings.TrimSpace(req.ReferralCode))
	if code != "" {
		if _, taken := d.byReferralCode[code]; taken {
			d.mu.Unlock()
			return &CreateAccountResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorDuplicateReferralCode, "referral code already in use")}, nil
		}
	} else {
		code = newReferralCode()
		for {
			if _, taken := d.byReferralCode[code]; !taken {
				break
			}
			code = newReferralCode()
		}
	}

	var referrer *directoryAccount
	if req.ReferredByCode != "" {
		referrer = d.byReferralCode[strings.ToUpper(strings.TrimSpace(req.ReferredByCode))]
	}

	acct := &directoryAccount{
		id:           "acct-" + uuid.NewString(),
		email:        email,
		passwordHash: string(hash),
		role:         RoleUser,
		country:      strings.ToUpper(req.Country),
		currency:     currency,
		referralCode: code,
		createdAt:    d.now(),
	}
	if referrer != nil {
		acct.referredBy = referrer.id
	}
	d.byID[acct.id] = acct
	d.byEmail[email] = acct
	d.byReferralCode[code] = acct
	d.mu.Unlock()

	if err := d.persistAccount(ctx, acct); err != nil {
		d.mu.Lock()
		delete(d.byID, acct.id)
		delete(d.byEmail, email)
		delete(d.byReferralCode, code)
		d.mu.Unlock()
		return &CreateAccountResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	if referrer != nil && d.ledger != nil {
		_, _ = d.ledger.ApplyReferralSignup(ctx, &ApplyReferralSignupRequest{
			Meta: &RequestMeta{
				RequestID:      requestID(req.Meta),
				IdempotencyKey: "signup-" + acct.id,
				Actor:          &Actor{ID: "directory", Role: RoleService},
			},
			ReferrerAccountID: referrer.id,
			NewAccountID:      acct.id,
			Currency:          currency,
		})
	}

	return &CreateAccountResponse{
		Meta:    d.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Account: d.profile(acct),
	}, nil
}

type AuthenticateRequest struct {
	Meta     *RequestMeta `json:"meta,omitempty"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
}

type AuthenticateResponse struct {
	Meta        *ResponseMeta   `json:"meta"`
	Account     *AccountProfile `json:"account,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	ExpiresAt   string          `json:"expires_at,omitempty"`
}

// Authenticate verifies credentials and issues a session token. Repeated
// failures lock the email out for a fixed window.
func (d *DirectoryService) Authenticate(ctx context.Context, req *AuthenticateRequest) (*AuthenticateResponse, error) {
	if req == nil || req.Email == "" || req.Password == "" {
		return &AuthenticateResponse{Meta: d.responseMeta(nil, ResultInvalid, ErrorKindNone, "email and password are required")}, nil
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	d.mu.Lock()
	if d.loginLockedUntil[email].After(d.now()) {
		d.mu.Unlock()
		d.observeLogin(ResultDenied)
		return &AuthenticateResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "account temporarily locked")}, nil
	}
	acct := d.byEmail[email]
	d.mu.Unlock()

	if acct == nil && d.dbEnabled() {
		loaded, err := d.loadAccountByEmail(ctx, email)
		if err != nil {
			return &AuthenticateResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		acct = loaded
	}
	if acct == nil {
		d.recordLoginFailure(email)
		d.observeLogin(ResultDenied)
		return &AuthenticateResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorNotFound, "invalid credentials")}, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(req.Password)); err != nil {
		d.recordLoginFailure(email)
		d.observeLogin(ResultDenied)
		return &AuthenticateResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "invalid credentials")}, nil
	}

	token, expiresAt, err := d.Tokens.Issue(acct.id, string(acct.role))
	if err != nil {
		return &AuthenticateResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorKindNone, "token issuance failed")}, nil
	}

	d.mu.Lock()
	delete(d.loginFailures, email)
	delete(d.loginLockedUntil, email)
	d.mu.Unlock()
	d.observeLogin(ResultOK)

	return &AuthenticateResponse{
		Meta:        d.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Account:     d.profile(acct),
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339Nano),
	}, nil
}

type GetAccountRequest struct {
	Meta      *RequestMeta `json:"meta,omitempty"`
	AccountID string       `json:"account_id"`
}

type GetAccountResponse struct {
	Meta    *ResponseMeta   `json:"meta"`
	Account *AccountProfile `json:"account,omitempty"`
}

func (d *DirectoryService) GetAccount(ctx context.Context, req *GetAccountRequest) (*GetAccountResponse, error) {
	if req == nil || req.AccountID == "" {
		return &GetAccountResponse{Meta: d.responseMeta(nil, ResultInvalid, ErrorKindNone, "account_id is required")}, nil
	}
	actor, reason := resolveActor(ctx, req.Meta)
	if reason != "" {
		return &GetAccountResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if actor.Role == RoleUser && actor.ID != req.AccountID {
		return &GetAccountResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "user cannot access another account")}, nil
	}

	d.mu.Lock()
	acct := d.byID[req.AccountID]
	d.mu.Unlock()
	if acct == nil && d.dbEnabled() {
		loaded, err := d.loadAccountByID(ctx, req.AccountID)
		if err != nil {
			return &GetAccountResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		acct = loaded
	}
	if acct == nil {
		return &GetAccountResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorNotFound, "account not found")}, nil
	}
	return &GetAccountResponse{
		Meta:    d.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Account: d.profile(acct),
	}, nil
}

type ProvisionAdminRequest struct {
	Meta     *RequestMeta `json:"meta,omitempty"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
}

type ProvisionAdminResponse struct {
	Meta    *ResponseMeta   `json:"meta"`
	Account *AccountProfile `json:"account,omitempty"`
}

// ProvisionAdmin creates an operator account. Only an existing admin or the
// deployment bootstrap (service actor) may call it.
func (d *DirectoryService) ProvisionAdmin(ctx context.Context, req *ProvisionAdminRequest) (*ProvisionAdminResponse, error) {
	if req == nil || req.Email == "" || req.Password == "" {
		return &ProvisionAdminResponse{Meta: d.responseMeta(nil, ResultInvalid, ErrorKindNone, "email and password are required")}, nil
	}
	actor, reason := resolveActor(ctx, req.Meta)
	if reason != "" || (actor.Role != RoleAdmin && actor.Role != RoleService) {
		if reason == "" {
			reason = "admin or service role required"
		}
		return &ProvisionAdminResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if len(req.Password) < 12 {
		return &ProvisionAdminResponse{Meta: d.responseMeta(req.Meta, ResultInvalid, ErrorKindNone, "admin password must be at least 12 characters")}, nil
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return &ProvisionAdminResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorKindNone, "credential hashing failed")}, nil
	}

	d.mu.Lock()
	if _, exists := d.byEmail[email]; exists {
		d.mu.Unlock()
		return &ProvisionAdminResponse{Meta: d.responseMeta(req.Meta, ResultDenied, ErrorKindNone, "email already registered")}, nil
	}
	code := newReferralCode()
	for {
		if _, taken := d.byReferralCode[code]; !taken {
			break
		}
		code = newReferralCode()
	}
	acct := &directoryAccount{
		id:           "admin-" + uuid.NewString(),
		email:        email,
		passwordHash: string(hash),
		role:         RoleAdmin,
		currency:     "EUR",
		referralCode: code,
		createdAt:    d.now(),
	}
	d.byID[acct.id] = acct
	d.byEmail[email] = acct
	d.byReferralCode[code] = acct
	d.mu.Unlock()

	if err := d.persistAccount(ctx, acct); err != nil {
		d.mu.Lock()
		delete(d.byID, acct.id)
		delete(d.byEmail, email)
		delete(d.byReferralCode, code)
		d.mu.Unlock()
		return &ProvisionAdminResponse{Meta: d.responseMeta(req.Meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
	}

	return &ProvisionAdminResponse{
		Meta:    d.responseMeta(req.Meta, ResultOK, ErrorKindNone, ""),
		Account: d.profile(acct),
	}, nil
}

func (d *DirectoryService) profile(acct *directoryAccount) *AccountProfile {
	return &AccountProfile{
		AccountID:    acct.id,
		Email:        acct.email,
		Role:         acct.role,
		Country:      acct.country,
		Currency:     acct.currency,
		ReferralCode: acct.referralCode,
		ReferredBy:   acct.referredBy,
		CreatedAt:    acct.createdAt.Format(time.RFC3339Nano),
	}
}

func (d *DirectoryService) recordLoginFailure(email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loginFailures[email]++
	if d.loginFailures[email] >= d.maxLoginFailures {
		d.loginLockedUntil[email] = d.now().Add(d.loginLockoutTTL)
		m := d.metrics
		if m != nil {
			m.ObserveLockoutActivation(RoleUser)
		}
	}
}

func (d *DirectoryService) observeLogin(result ResultCode) {
	d.mu.Lock()
	m := d.metrics
	d.mu.Unlock()
	m.ObserveLogin(result)
}
