package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cryptowin/cryptowin-go/internal/platform/audit"
)

var (
	errIdempotencyRequestMismatch = errors.New("idempotency request hash mismatch")
	errAuditUnavailable           = errors.New("audit unavailable")
	errPersistenceUnavailable     = errors.New("persistence unavailable")
)

func (s *LedgerService) dbEnabled() bool {
	return s != nil && s.db != nil
}

func idemScope(accountID, op string) string {
	return accountID + "|" + op
}

func hashRequest(parts ...string) []byte {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return sum[:]
}

// ensureAccountTx creates the account row on first contact; the balance
// columns start at zero and are overwritten by syncAccountTx.
func ensureAccountTx(ctx context.Context, tx *sql.Tx, accountID, currency string) error {
	const q = `
INSERT INTO accounts (account_id, currency_code, balance_milli, bonus_milli, lifetime_milli)
VALUES ($1, $2, 0, 0, 0)
ON CONFLICT (account_id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q, accountID, strings.ToUpper(currency))
	return err
}

// syncAccountTx writes the in-memory balances through. The caller holds the
// account lock, so the snapshot is the authoritative post-operation state.
func syncAccountTx(ctx context.Context, tx *sql.Tx, acct *ledgerAccount) error {
	const q = `
UPDATE accounts
SET balance_milli = $2,
    bonus_milli = $3,
    lifetime_milli = $4,
    updated_at = NOW()
WHERE account_id = $1
`
	_, err := tx.ExecContext(ctx, q, acct.id, acct.balanceMilli, acct.bonusMilli, acct.lifetimeMilli)
	return err
}

func insertTransactionTx(ctx context.Context, tx *sql.Tx, rec *Transaction, idemKey string) error {
	const q = `
INSERT INTO transactions (
  transaction_id, account_id, category, amount_milli, currency_code, status,
  commission_milli, description, idempotency_key, created_at, recorded_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::timestamptz,NOW())
ON CONFLICT (transaction_id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q,
		rec.TransactionID,
		rec.AccountID,
		string(rec.Category),
		rec.AmountMilli,
		strings.ToUpper(rec.Currency),
		string(rec.Status),
		rec.CommissionMilli,
		rec.Description,
		idemKey,
		rec.CreatedAt,
	)
	return err
}

// accrueEarningsTx upserts the admin earnings row and bumps one revenue
// column plus the running total.
func (s *LedgerService) accrueEarningsTx(ctx context.Context, tx *sql.Tx, column earningsColumn, delta int64) error {
	if delta == 0 {
		return nil
	}
	const ensure = `
INSERT INTO admin_earnings (admin_id, commission_milli, referral_milli, ad_revenue_milli, game_milli, withdrawal_fees_milli, total_milli)
VALUES ($1, 0, 0, 0, 0, 0, 0)
ON CONFLICT (admin_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ensure, s.earnings.adminID); err != nil {
		return err
	}
	var q string
	switch column {
	case colCommission:
		q = `UPDATE admin_earnings SET commission_milli = commission_milli + $2, total_milli = total_milli + $2, updated_at = NOW() WHERE admin_id = $1`
	case colReferral:
		q = `UPDATE admin_earnings SET referral_milli = referral_milli + $2, total_milli = total_milli + $2, updated_at = NOW() WHERE admin_id = $1`
	case colAdRevenue:
		q = `UPDATE admin_earnings SET ad_revenue_milli = ad_revenue_milli + $2, total_milli = total_milli + $2, updated_at = NOW() WHERE admin_id = $1`
	case colGameCommission:
		q = `UPDATE admin_earnings SET game_milli = game_milli + $2, total_milli = total_milli + $2, updated_at = NOW() WHERE admin_id = $1`
	case colWithdrawalFees:
		q = `UPDATE admin_earnings SET withdrawal_fees_milli = withdrawal_fees_milli + $2, total_milli = total_milli + $2, updated_at = NOW() WHERE admin_id = $1`
	default:
		q = `UPDATE admin_earnings SET total_milli = total_milli + $2, updated_at = NOW() WHERE admin_id = $1`
	}
	_, err := tx.ExecContext(ctx, q, s.earnings.adminID, delta)
	return err
}

func (s *LedgerService) persistDeposit(ctx context.Context, acct *ledgerAccount, rec *Transaction, adminMilli int64, idemKey string, ev audit.Event) error {
	if !s.dbEnabled() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := ensureAccountTx(ctx, dbtx, acct.id, acct.currency); err != nil {
		return err
	}
	if err := syncAccountTx(ctx, dbtx, acct); err != nil {
		return err
	}
	if err := insertTransactionTx(ctx, dbtx, rec, idemKey); err != nil {
		return err
	}
	if err := s.accrueEarningsTx(ctx, dbtx, colCommission, adminMilli); err != nil {
		return err
	}
	if err := insertAuditEventTx(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *LedgerService) persistGameRound(ctx context.Context, acct *ledgerAccount, round *GameRound, rec *Transaction, idemKey string, ev audit.Event) error {
	if !s.dbEnabled() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := ensureAccountTx(ctx, dbtx, acct.id, acct.currency); err != nil {
		return err
	}
	if err := syncAccountTx(ctx, dbtx, acct); err != nil {
		return err
	}
	if err := insertTransactionTx(ctx, dbtx, rec, idemKey); err != nil {
		return err
	}

	symbols, _ := json.Marshal(round.Symbols)
	const q = `
INSERT INTO game_rounds (
  round_id, account_id, game_type, bet_milli, symbols, roll, prediction,
  win_milli, result, commission_milli, created_at
)
VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10,$11::timestamptz)
ON CONFLICT (round_id) DO NOTHING
`
	if _, err := dbtx.ExecContext(ctx, q,
		round.RoundID,
		round.AccountID,
		string(round.GameType),
		round.BetMilli,
		string(symbols),
		round.Roll,
		round.Prediction,
		round.WinMilli,
		string(round.Result),
		round.CommissionMilli,
		round.CreatedAt,
	); err != nil {
		return err
	}
	if err := s.accrueEarningsTx(ctx, dbtx, colGameCommission, round.CommissionMilli); err != nil {
		return err
	}
	if err := insertAuditEventTx(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *LedgerService) persistAdView(ctx context.Context, acct *ledgerAccount, view *AdView, rec *Transaction, idemKey string, ev audit.Event) error {
	if !s.dbEnabled() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := ensureAccountTx(ctx, dbtx, acct.id, acct.currency); err != nil {
		return err
	}
	if err := syncAccountTx(ctx, dbtx, acct); err != nil {
		return err
	}
	if err := insertTransactionTx(ctx, dbtx, rec, idemKey); err != nil {
		return err
	}

	const q = `
INSERT INTO ad_views (view_id, account_id, ad_type, reward_milli, commission_milli, created_at)
VALUES ($1,$2,$3,$4,$5,$6::timestamptz)
ON CONFLICT (view_id) DO NOTHING
`
	if _, err := dbtx.ExecContext(ctx, q,
		view.ViewID,
		view.AccountID,
		view.AdType,
		view.RewardMilli,
		view.CommissionMilli,
		view.CreatedAt,
	); err != nil {
		return err
	}
	if err := s.accrueEarningsTx(ctx, dbtx, colAdRevenue, view.CommissionMilli); err != nil {
		return err
	}
	if err := insertAuditEventTx(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

func insertWithdrawalTx(ctx context.Context, tx *sql.Tx, wd *Withdrawal) error {
	destination, _ := json.Marshal(wd.Destination)
	const q = `
INSERT INTO withdrawals (
  withdrawal_id, transaction_id, account_id, gross_milli, fee_milli, net_milli,
  currency_code, method, destination, status, provider_reference, estimated_arrival,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12,$13::timestamptz,$14::timestamptz)
ON CONFLICT (withdrawal_id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q,
		wd.WithdrawalID,
		wd.TransactionID,
		wd.AccountID,
		wd.GrossMilli,
		wd.FeeMilli,
		wd.NetMilli,
		strings.ToUpper(wd.Currency),
		wd.Method,
		string(destination),
		string(wd.Status),
		wd.ProviderReference,
		wd.EstimatedArrival,
		wd.CreatedAt,
		wd.UpdatedAt,
	)
	return err
}

func (s *LedgerService) persistWithdrawal(ctx context.Context, acct *ledgerAccount, wd *Withdrawal, rec *Transaction, column earningsColumn, feeMilli int64, idemKey string, ev audit.Event) error {
	if !s.dbEnabled() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := ensureAccountTx(ctx, dbtx, acct.id, acct.currency); err != nil {
		return err
	}
	if err := syncAccountTx(ctx, dbtx, acct); err != nil {
		return err
	}
	if err := insertTransactionTx(ctx, dbtx, rec, idemKey); err != nil {
		return err
	}
	if err := insertWithdrawalTx(ctx, dbtx, wd); err != nil {
		return err
	}
	if err := s.accrueEarningsTx(ctx, dbtx, column, feeMilli); err != nil {
		return err
	}
	if err := insertAuditEventTx(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *LedgerService) persistWithdrawalSettlement(ctx context.Context, acct *ledgerAccount, wd *Withdrawal, ev audit.Event) error {
	if !s.dbEnabled() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := syncAccountTx(ctx, dbtx, acct); err != nil {
		return err
	}
	const updWd = `
UPDATE withdrawals
SET status = $2, updated_at = $3::timestamptz
WHERE withdrawal_id = $1
`
	if _, err := dbtx.ExecContext(ctx, updWd, wd.WithdrawalID, string(wd.Status), wd.UpdatedAt); err != nil {
		return err
	}
	const updTx = `
UPDATE transactions
SET status = $2
WHERE transaction_id = $1
`
	if _, err := dbtx.ExecContext(ctx, updTx, wd.TransactionID, string(wd.Status)); err != nil {
		return err
	}
	if err := insertAuditEventTx(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *LedgerService) persistReferral(ctx context.Context, referrer, newAcct *ledgerAccount, refTx, grantTx *Transaction, accrualMilli int64, idemKey string, ev audit.Event) error {
	if !s.dbEnabled() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	for _, acct := range []*ledgerAccount{referrer, newAcct} {
		if err := ensureAccountTx(ctx, dbtx, acct.id, acct.currency); err != nil {
			return err
		}
		if err := syncAccountTx(ctx, dbtx, acct); err != nil {
			return err
		}
	}
	if err := insertTransactionTx(ctx, dbtx, refTx, idemKey); err != nil {
		return err
	}
	if err := insertTransactionTx(ctx, dbtx, grantTx, idemKey); err != nil {
		return err
	}
	if err := s.accrueEarningsTx(ctx, dbtx, colReferral, accrualMilli); err != nil {
		return err
	}
	if err := insertAuditEventTx(ctx, dbtx, ev); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *LedgerService) getBalanceFromDB(ctx context.Context, accountID string) (balance, bonus, lifetime int64, currency string, ok bool, err error) {
	if !s.dbEnabled() {
		return 0, 0, 0, "", false, nil
	}
	const q = `
SELECT balance_milli, bonus_milli, lifetime_milli, currency_code
FROM accounts
WHERE account_id = $1
`
	err = s.db.QueryRowContext(ctx, q, accountID).Scan(&balance, &bonus, &lifetime, &currency)
	if err == sql.ErrNoRows {
		return 0, 0, 0, "", false, nil
	}
	if err != nil {
		return 0, 0, 0, "", false, err
	}
	return balance, bonus, lifetime, currency, true, nil
}

func (s *LedgerService) listTransactionsFromDB(ctx context.Context, accountID string, category Category, limit, offset int) ([]*Transaction, error) {
	if !s.dbEnabled() {
		return nil, nil
	}
	const q = `
SELECT transaction_id, account_id, category, amount_milli, currency_code, status, commission_milli, description, created_at
FROM transactions
WHERE account_id = $1 AND ($2 = '' OR category = $2)
ORDER BY recorded_at DESC
LIMIT $3 OFFSET $4
`
	rows, err := s.db.QueryContext(ctx, q, accountID, string(category), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Transaction, 0)
	for rows.Next() {
		var rec Transaction
		var category, status string
		var created time.Time
		if err := rows.Scan(&rec.TransactionID, &rec.AccountID, &category, &rec.AmountMilli, &rec.Currency, &status, &rec.CommissionMilli, &rec.Description, &created); err != nil {
			return nil, err
		}
		rec.Category = Category(category)
		rec.Status = TxStatus(status)
		rec.CreatedAt = created.UTC().Format(time.RFC3339Nano)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *LedgerService) listGameRoundsFromDB(ctx context.Context, accountID string, limit, offset int) ([]*GameRound, error) {
	if !s.dbEnabled() {
		return nil, nil
	}
	const q = `
SELECT round_id, account_id, game_type, bet_milli, symbols, roll, prediction, win_milli, result, commission_milli, created_at
FROM game_rounds
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`
	rows, err := s.db.QueryContext(ctx, q, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*GameRound, 0)
	for rows.Next() {
		var round GameRound
		var gameType, result string
		var symbols []byte
		var created time.Time
		if err := rows.Scan(&round.RoundID, &round.AccountID, &gameType, &round.BetMilli, &symbols, &round.Roll, &round.Prediction, &round.WinMilli, &result, &round.CommissionMilli, &created); err != nil {
			return nil, err
		}
		round.GameType = GameType(gameType)
		round.Result = GameResult(result)
		round.CreatedAt = created.UTC().Format(time.RFC3339Nano)
		_ = json.Unmarshal(symbols, &round.Symbols)
		out = append(out, &round)
	}
	return out, rows.Err()
}

func (s *LedgerService) listAdViewsFromDB(ctx context.Context, accountID string, limit, offset int) ([]*AdView, error) {
	if !s.dbEnabled() {
		return nil, nil
	}
	const q = `
SELECT view_id, account_id, ad_type, reward_milli, commission_milli, created_at
FROM ad_views
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`
	rows, err := s.db.QueryContext(ctx, q, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*AdView, 0)
	for rows.Next() {
		var view AdView
		var created time.Time
		if err := rows.Scan(&view.ViewID, &view.AccountID, &view.AdType, &view.RewardMilli, &view.CommissionMilli, &created); err != nil {
			return nil, err
		}
		view.CreatedAt = created.UTC().Format(time.RFC3339Nano)
		out = append(out, &view)
	}
	return out, rows.Err()
}

func (s *LedgerService) listWithdrawalsFromDB(ctx context.Context, accountID string, limit, offset int) ([]*Withdrawal, error) {
	if !s.dbEnabled() {
		return nil, nil
	}
	const q = `
SELECT withdrawal_id, transaction_id, account_id, gross_milli, fee_milli, net_milli,
       currency_code, method, destination, status, provider_reference, estimated_arrival,
       created_at, updated_at
FROM withdrawals
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`
	rows, err := s.db.QueryContext(ctx, q, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Withdrawal, 0)
	for rows.Next() {
		var wd Withdrawal
		var status string
		var destination []byte
		var created, updated time.Time
		if err := rows.Scan(&wd.WithdrawalID, &wd.TransactionID, &wd.AccountID, &wd.GrossMilli, &wd.FeeMilli, &wd.NetMilli, &wd.Currency, &wd.Method, &destination, &status, &wd.ProviderReference, &wd.EstimatedArrival, &created, &updated); err != nil {
			return nil, err
		}
		wd.Status = TxStatus(status)
		wd.CreatedAt = created.UTC().Format(time.RFC3339Nano)
		wd.UpdatedAt = updated.UTC().Format(time.RFC3339Nano)
		_ = json.Unmarshal(destination, &wd.Destination)
		out = append(out, &wd)
	}
	return out, rows.Err()
}

func (s *LedgerService) getEarningsFromDB(ctx context.Context) (*AdminEarnings, bool, error) {
	if !s.dbEnabled() {
		return nil, false, nil
	}
	const q = `
SELECT admin_id, commission_milli, referral_milli, ad_revenue_milli, game_milli, withdrawal_fees_milli, total_milli, updated_at
FROM admin_earnings
WHERE admin_id = $1
`
	var earnings AdminEarnings
	var updated time.Time
	err := s.db.QueryRowContext(ctx, q, s.earnings.adminID).Scan(
		&earnings.AdminID,
		&earnings.TotalCommissionMilli,
		&earnings.ReferralEarningsMilli,
		&earnings.AdRevenueMilli,
		&earnings.GameCommissionMilli,
		&earnings.WithdrawalFeesMilli,
		&earnings.TotalEarningsMilli,
		&updated,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	earnings.LastUpdated = updated.UTC().Format(time.RFC3339Nano)
	return &earnings, true, nil
}

func (s *LedgerService) getDailyReportFromDB(ctx context.Context, day string) ([]*DailyCategoryReport, error) {
	if !s.dbEnabled() {
		return nil, nil
	}
	const q = `
SELECT category, COUNT(*), COALESCE(SUM(ABS(amount_milli)), 0), COALESCE(SUM(commission_milli), 0)
FROM transactions
WHERE created_at >= $1::date AND created_at < $1::date + INTERVAL '1 day'
GROUP BY category
ORDER BY category
`
	rows, err := s.db.QueryContext(ctx, q, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*DailyCategoryReport, 0)
	for rows.Next() {
		var entry DailyCategoryReport
		var category string
		if err := rows.Scan(&category, &entry.Transactions, &entry.VolumeMilli, &entry.CommissionMilli); err != nil {
			return nil, err
		}
		entry.Category = Category(category)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *LedgerService) loadIdempotencyResponse(ctx context.Context, scope, idemKey string, requestHash []byte, out any) (bool, error) {
	if !s.dbEnabled() {
		return false, nil
	}
	const q = `
SELECT request_hash, response_payload
FROM ledger_idempotency_keys
WHERE scope = $1 AND idempotency_key = $2
`
	var storedHash []byte
	var payload []byte
	err := s.db.QueryRowContext(ctx, q, scope, idemKey).Scan(&storedHash, &payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(storedHash, requestHash) {
		return false, errIdempotencyRequestMismatch
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LedgerService) persistIdempotencyResponse(ctx context.Context, scope, idemKey string, requestHash []byte, result ResultCode, resp any) error {
	if !s.dbEnabled() || resp == nil {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO ledger_idempotency_keys (
  scope, idempotency_key, request_hash, response_payload, result_code, expires_at
) VALUES (
  $1, $2, $3, $4::jsonb, $5, $6::timestamptz
)
ON CONFLICT (scope, idempotency_key) DO NOTHING
`
	expiresAt := time.Now().UTC().Add(s.getIdempotencyTTL())
	_, err = s.db.ExecContext(ctx, q, scope, idemKey, requestHash, string(payload), string(result), expiresAt.Format(time.RFC3339Nano))
	return err
}

func (s *LedgerService) CleanupExpiredIdempotencyKeys(ctx context.Context, batchSize int) (int64, error) {
	if !s.dbEnabled() {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	const q = `
WITH doomed AS (
  SELECT ctid
  FROM ledger_idempotency_keys
  WHERE expires_at <= NOW()
  ORDER BY expires_at ASC
  LIMIT $1
)
DELETE FROM ledger_idempotency_keys
WHERE ctid IN (SELECT ctid FROM doomed)
`
	res, err := s.db.ExecContext(ctx, q, batchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LedgerService) StartIdempotencyCleanupWorker(
	ctx context.Context,
	interval time.Duration,
	batchSize int,
	logger func(string, ...any),
	observer func(deleted int64, err error),
) {
	if !s.dbEnabled() || interval <= 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					deleted, err := s.CleanupExpiredIdempotencyKeys(ctx, batchSize)
					if err != nil {
						if observer != nil {
							observer(0, err)
						}
						if logger != nil {
							logger("idempotency cleanup failed: %v", err)
						}
						break
					}
					if observer != nil {
						observer(deleted, nil)
					}
					if deleted == 0 {
						break
					}
					if logger != nil {
						logger("idempotency cleanup removed %d expired keys", deleted)
					}
					if deleted < int64(batchSize) {
						break
					}
				}
			}
		}
	}()
}
