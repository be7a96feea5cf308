package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptowin/cryptowin-go/internal/platform/auth"
)

// publicPaths are reachable without a bearer token.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/status",
	"/v1/accounts",
	"/v1/auth/login",
}

// NewRouter wires the JSON API. All money operations read the actor from
// the verified token; the Idempotency-Key header carries the retry key.
func NewRouter(ledger *LedgerService, directory *DirectoryService, tokens *auth.TokenProvider, db *sql.DB) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if db != nil {
			if err := db.PingContext(req.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "serving"})
	})

	r.Post("/v1/accounts", func(w http.ResponseWriter, req *http.Request) {
		var body CreateAccountRequest
		if !decodeBody(w, req, &body) {
			return
		}
		body.Meta = metaFromRequest(req, body.Meta)
		resp, _ := directory.CreateAccount(req.Context(), &body)
		writeJSON(w, statusFor(resp.Meta), resp)
	})
	r.Post("/v1/auth/login", func(w http.ResponseWriter, req *http.Request) {
		var body AuthenticateRequest
		if !decodeBody(w, req, &body) {
			return
		}
		body.Meta = metaFromRequest(req, body.Meta)
		resp, _ := directory.Authenticate(req.Context(), &body)
		writeJSON(w, statusFor(resp.Meta), resp)
	})

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return auth.HTTPBearerMiddlewareWithSkips(tokens, next, publicPaths)
		})

		r.Get("/v1/accounts/{accountID}", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := directory.GetAccount(req.Context(), &GetAccountRequest{
				Meta:      metaFromRequest(req, nil),
				AccountID: chi.URLParam(req, "accountID"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Post("/v1/admin/provision", func(w http.ResponseWriter, req *http.Request) {
			var body ProvisionAdminRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := directory.ProvisionAdmin(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})

		r.Get("/v1/accounts/{accountID}/balance", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.GetBalance(req.Context(), &GetBalanceRequest{
				Meta:      metaFromRequest(req, nil),
				AccountID: chi.URLParam(req, "accountID"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/accounts/{accountID}/transactions", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.ListTransactions(req.Context(), &ListTransactionsRequest{
				Meta:      metaFromRequest(req, nil),
				AccountID: chi.URLParam(req, "accountID"),
				PageToken: req.URL.Query().Get("page_token"),
				PageSize:  queryInt(req, "page_size"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/accounts/{accountID}/withdrawals", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.ListWithdrawals(req.Context(), &ListWithdrawalsRequest{
				Meta:      metaFromRequest(req, nil),
				AccountID: chi.URLParam(req, "accountID"),
				PageToken: req.URL.Query().Get("page_token"),
				PageSize:  queryInt(req, "page_size"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/accounts/{accountID}/game-rounds", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.ListGameRounds(req.Context(), &ListGameRoundsRequest{
				Meta:      metaFromRequest(req, nil),
				AccountID: chi.URLParam(req, "accountID"),
				PageToken: req.URL.Query().Get("page_token"),
				PageSize:  queryInt(req, "page_size"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/accounts/{accountID}/ad-views", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.ListAdViews(req.Context(), &ListAdViewsRequest{
				Meta:      metaFromRequest(req, nil),
				AccountID: chi.URLParam(req, "accountID"),
				PageToken: req.URL.Query().Get("page_token"),
				PageSize:  queryInt(req, "page_size"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})

		r.Post("/v1/deposits", func(w http.ResponseWriter, req *http.Request) {
			var body DepositRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := ledger.Deposit(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Post("/v1/withdrawals/request", func(w http.ResponseWriter, req *http.Request) {
			var body RequestWithdrawalRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := ledger.RequestWithdrawal(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Post("/v1/withdrawals/{withdrawalID}/settle", func(w http.ResponseWriter, req *http.Request) {
			var body SettleRequestedWithdrawalRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			body.WithdrawalID = chi.URLParam(req, "withdrawalID")
			resp, _ := ledger.SettleRequestedWithdrawal(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Post("/v1/withdrawals/process", func(w http.ResponseWriter, req *http.Request) {
			var body ProcessWithdrawalRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := ledger.ProcessWithdrawal(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/withdrawals/methods", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.GetWithdrawalMethods(req.Context(), &GetWithdrawalMethodsRequest{
				Meta:        metaFromRequest(req, nil),
				CountryCode: req.URL.Query().Get("country"),
				Amount:      queryMoney(req),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})

		r.Post("/v1/games/slots", func(w http.ResponseWriter, req *http.Request) {
			var body PlaySlotsRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := ledger.PlaySlots(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Post("/v1/games/dice", func(w http.ResponseWriter, req *http.Request) {
			var body PlayDiceRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := ledger.PlayDice(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Post("/v1/ads/view", func(w http.ResponseWriter, req *http.Request) {
			var body WatchAdRequest
			if !decodeBody(w, req, &body) {
				return
			}
			body.Meta = metaFromRequest(req, body.Meta)
			resp, _ := ledger.WatchAd(req.Context(), &body)
			writeJSON(w, statusFor(resp.Meta), resp)
		})

		r.Get("/v1/admin/earnings", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.GetEarnings(req.Context(), &GetEarningsRequest{Meta: metaFromRequest(req, nil)})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/admin/dashboard", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.GetDashboard(req.Context(), &GetDashboardRequest{Meta: metaFromRequest(req, nil)})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
		r.Get("/v1/admin/reports/daily", func(w http.ResponseWriter, req *http.Request) {
			resp, _ := ledger.GetDailyReport(req.Context(), &GetDailyReportRequest{
				Meta: metaFromRequest(req, nil),
				Day:  req.URL.Query().Get("day"),
			})
			writeJSON(w, statusFor(resp.Meta), resp)
		})
	})

	return r
}

// metaFromRequest merges transport headers into the request metadata and
// stamps the verified token actor over whatever the body claimed.
func metaFromRequest(req *http.Request, meta *RequestMeta) *RequestMeta {
	if meta == nil {
		meta = &RequestMeta{}
	}
	if v := req.Header.Get("X-Request-Id"); v != "" {
		meta.RequestID = v
	} else if meta.RequestID == "" {
		meta.RequestID = middleware.GetReqID(req.Context())
	}
	if v := req.Header.Get("Idempotency-Key"); v != "" {
		meta.IdempotencyKey = v
	}
	if actor, ok := auth.ActorFromContext(req.Context()); ok {
		meta.Actor = &Actor{ID: actor.ID, Role: Role(actor.Role)}
	}
	return meta
}

func decodeBody(w http.ResponseWriter, req *http.Request, out any) bool {
	defer func() {
		_ = req.Body.Close()
	}()
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(meta *ResponseMeta) int {
	if meta == nil {
		return http.StatusInternalServerError
	}
	switch meta.Result {
	case ResultOK:
		return http.StatusOK
	case ResultInvalid:
		return http.StatusBadRequest
	case ResultDenied:
		if meta.ErrorKind == ErrorNotFound {
			return http.StatusNotFound
		}
		return http.StatusForbidden
	default:
		if meta.ErrorKind == ErrorPayoutProviderFailure {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func queryInt(req *http.Request, name string) int {
	v := req.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func queryMoney(req *http.Request) *Money {
	amount := req.URL.Query().Get("amount_milli")
	if amount == "" {
		return nil
	}
	var n int64
	for _, c := range amount {
		if c < '0' || c > '9' {
			return nil
		}
		n = n*10 + int64(c-'0')
	}
	currency := req.URL.Query().Get("currency")
	if currency == "" {
		currency = "EUR"
	}
	return &Money{AmountMilli: n, Currency: currency}
}
