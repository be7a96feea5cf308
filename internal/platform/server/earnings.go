package server

import (
	"context"
	"strings"
	"time"
)

type GetEarningsRequest struct {
	Meta *RequestMeta `json:"meta,omitempty"`
}

type GetEarningsResponse struct {
	Meta     *ResponseMeta  `json:"meta"`
	Earnings *AdminEarnings `json:"earnings,omitempty"`
}

// GetEarnings returns the platform revenue aggregate. Admin only.
func (s *LedgerService) GetEarnings(ctx context.Context, req *GetEarningsRequest) (*GetEarningsResponse, error) {
	var meta *RequestMeta
	if req != nil {
		meta = req.Meta
	}
	if ok, reason := s.authorizeAdmin(ctx, meta); !ok {
		s.auditDenied(meta, "admin_earnings", s.earnings.adminID, "get_earnings", reason)
		return &GetEarningsResponse{Meta: s.responseMeta(meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	if s.dbEnabled() {
		earnings, ok, err := s.getEarningsFromDB(ctx)
		if err != nil {
			return &GetEarningsResponse{Meta: s.responseMeta(meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if ok {
			return &GetEarningsResponse{
				Meta:     s.responseMeta(meta, ResultOK, ErrorKindNone, ""),
				Earnings: earnings,
			}, nil
		}
	}

	snap := s.earnings.snapshot()
	return &GetEarningsResponse{
		Meta:     s.responseMeta(meta, ResultOK, ErrorKindNone, ""),
		Earnings: &snap,
	}, nil
}

type GetDashboardRequest struct {
	Meta *RequestMeta `json:"meta,omitempty"`
}

type GetDashboardResponse struct {
	Meta                   *ResponseMeta  `json:"meta"`
	Earnings               *AdminEarnings `json:"earnings,omitempty"`
	AccountCount           int            `json:"account_count"`
	TotalBalancesMilli     int64          `json:"total_balances_milli"`
	PendingWithdrawals     int            `json:"pending_withdrawals"`
	PendingWithdrawalMilli int64          `json:"pending_withdrawal_milli"`
}

// GetDashboard summarizes the books for the operator console: the revenue
// aggregate, player liability, and the pending withdrawal queue.
func (s *LedgerService) GetDashboard(ctx context.Context, req *GetDashboardRequest) (*GetDashboardResponse, error) {
	var meta *RequestMeta
	if req != nil {
		meta = req.Meta
	}
	if ok, reason := s.authorizeAdmin(ctx, meta); !ok {
		s.auditDenied(meta, "admin_earnings", s.earnings.adminID, "get_dashboard", reason)
		return &GetDashboardResponse{Meta: s.responseMeta(meta, ResultDenied, ErrorKindNone, reason)}, nil
	}

	s.mu.Lock()
	accounts := make([]*ledgerAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		accounts = append(accounts, acct)
	}
	s.mu.Unlock()

	var totalBalances, pendingAmount int64
	var pendingCount int
	for _, acct := range accounts {
		acct.mu.Lock()
		totalBalances += acct.balanceMilli
		for _, wd := range acct.withdrawals {
			if wd.Status == StatusPending {
				pendingCount++
				pendingAmount += wd.GrossMilli
			}
		}
		acct.mu.Unlock()
	}

	snap := s.earnings.snapshot()
	return &GetDashboardResponse{
		Meta:                   s.responseMeta(meta, ResultOK, ErrorKindNone, ""),
		Earnings:               &snap,
		AccountCount:           len(accounts),
		TotalBalancesMilli:     totalBalances,
		PendingWithdrawals:     pendingCount,
		PendingWithdrawalMilli: pendingAmount,
	}, nil
}

type GetDailyReportRequest struct {
	Meta *RequestMeta `json:"meta,omitempty"`
	Day  string       `json:"day"`
}

type DailyCategoryReport struct {
	Category        Category `json:"category"`
	Transactions    int      `json:"transactions"`
	VolumeMilli     int64    `json:"volume_milli"`
	CommissionMilli int64    `json:"commission_milli"`
}

type GetDailyReportResponse struct {
	Meta       *ResponseMeta          `json:"meta"`
	Day        string                 `json:"day,omitempty"`
	Categories []*DailyCategoryReport `json:"categories,omitempty"`
}

// GetDailyReport aggregates one calendar day of ledger activity by revenue
// category. Day is a UTC date in 2006-01-02 form; empty means today.
func (s *LedgerService) GetDailyReport(ctx context.Context, req *GetDailyReportRequest) (*GetDailyReportResponse, error) {
	var meta *RequestMeta
	day := ""
	if req != nil {
		meta = req.Meta
		day = req.Day
	}
	if ok, reason := s.authorizeAdmin(ctx, meta); !ok {
		s.auditDenied(meta, "admin_earnings", s.earnings.adminID, "get_daily_report", reason)
		return &GetDailyReportResponse{Meta: s.responseMeta(meta, ResultDenied, ErrorKindNone, reason)}, nil
	}
	if day == "" {
		day = s.now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return &GetDailyReportResponse{Meta: s.responseMeta(meta, ResultInvalid, ErrorKindNone, "day must be in 2006-01-02 form")}, nil
	}

	if s.dbEnabled() {
		categories, err := s.getDailyReportFromDB(ctx, day)
		if err != nil {
			return &GetDailyReportResponse{Meta: s.responseMeta(meta, ResultError, ErrorPersistenceFailure, "persistence unavailable")}, nil
		}
		if categories != nil {
			return &GetDailyReportResponse{
				Meta:       s.responseMeta(meta, ResultOK, ErrorKindNone, ""),
				Day:        day,
				Categories: categories,
			}, nil
		}
	}

	s.mu.Lock()
	accounts := make([]*ledgerAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		accounts = append(accounts, acct)
	}
	s.mu.Unlock()

	byCategory := make(map[Category]*DailyCategoryReport)
	for _, acct := range accounts {
		acct.mu.Lock()
		for _, tx := range acct.transactions {
			if !strings.HasPrefix(tx.CreatedAt, day) {
				continue
			}
			entry, ok := byCategory[tx.Category]
			if !ok {
				entry = &DailyCategoryReport{Category: tx.Category}
				byCategory[tx.Category] = entry
			}
			entry.Transactions++
			vol := tx.AmountMilli
			if vol < 0 {
				vol = -vol
			}
			entry.VolumeMilli += vol
			entry.CommissionMilli += tx.CommissionMilli
		}
		acct.mu.Unlock()
	}

	categories := make([]*DailyCategoryReport, 0, len(byCategory))
	for _, cat := range []Category{CategoryDeposit, CategoryWithdrawal, CategoryGame, CategoryAd, CategoryReferral} {
		if entry, ok := byCategory[cat]; ok {
			categories = append(categories, entry)
		}
	}
	return &GetDailyReportResponse{
		Meta:       s.responseMeta(meta, ResultOK, ErrorKindNone, ""),
		Day:        day,
		Categories: categories,
	}, nil
}
