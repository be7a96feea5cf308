package server

import (
	"context"
	"database/sql"
	"time"
)

func (d *DirectoryService) dbEnabled() bool {
	return d != nil && d.db != nil
}

func (d *DirectoryService) persistAccount(ctx context.Context, acct *directoryAccount) error {
	if !d.dbEnabled() {
		return nil
	}
	const q = `
INSERT INTO directory_accounts (
  account_id, email, password_hash, role, country, currency_code,
  referral_code, referred_by, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9::timestamptz)
ON CONFLICT (account_id) DO NOTHING
`
	_, err := d.db.ExecContext(ctx, q,
		acct.id,
		acct.email,
		acct.passwordHash,
		string(acct.role),
		acct.country,
		acct.currency,
		acct.referralCode,
		acct.referredBy,
		acct.createdAt.Format(time.RFC3339Nano),
	)
	return err
}

const directoryAccountColumns = `
SELECT account_id, email, password_hash, role, country, currency_code,
       referral_code, COALESCE(referred_by, ''), created_at
FROM directory_accounts
`

func (d *DirectoryService) loadAccountByEmail(ctx context.Context, email string) (*directoryAccount, error) {
	return d.loadAccount(ctx, directoryAccountColumns+`WHERE email = $1`, email)
}

func (d *DirectoryService) loadAccountByID(ctx context.Context, accountID string) (*directoryAccount, error) {
	return d.loadAccount(ctx, directoryAccountColumns+`WHERE account_id = $1`, accountID)
}

func (d *DirectoryService) loadAccount(ctx context.Context, q string, arg string) (*directoryAccount, error) {
	if !d.dbEnabled() {
		return nil, nil
	}
	var acct directoryAccount
	var role string
	var created time.Time
	err := d.db.QueryRowContext(ctx, q, arg).Scan(
		&acct.id,
		&acct.email,
		&acct.passwordHash,
		&role,
		&acct.country,
		&acct.currency,
		&acct.referralCode,
		&acct.referredBy,
		&created,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acct.role = Role(role)
	acct.createdAt = created.UTC()

	// Cache the row so lockout counters and referral lookups see it.
	d.mu.Lock()
	if existing, ok := d.byID[acct.id]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	d.byID[acct.id] = &acct
	d.byEmail[acct.email] = &acct
	d.byReferralCode[acct.referralCode] = &acct
	d.mu.Unlock()
	return &acct, nil
}
