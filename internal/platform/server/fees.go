package server

import "errors"

var (
	ErrUnsupportedMethod = errors.New("unsupported withdrawal method")
	ErrBelowMethodMin    = errors.New("amount below method minimum")
)

// MethodFees prices one withdrawal method: a percentage in basis points, a
// fixed charge, and the smallest gross amount the method accepts.
type MethodFees struct {
	PercentBps     int64
	FixedMilli     int64
	MinAmountMilli int64
}

// FeeQuote is the resolved cost of a withdrawal before it is executed.
type FeeQuote struct {
	GrossMilli     int64
	FeeMilli       int64
	NetMilli       int64
	PercentBps     int64
	FixedMilli     int64
	MinAmountMilli int64
}

// FeeSchedule maps withdrawal methods to their pricing and countries to the
// methods available there. Floors keep degenerate quotes out of the books:
// no fee or net amount ever resolves below 0.1 units.
type FeeSchedule struct {
	Methods          map[string]MethodFees
	MethodsByCountry map[string][]string
	FallbackMethods  []string
	FeeFloorMilli    int64
	NetFloorMilli    int64
}

func DefaultFeeSchedule() *FeeSchedule {
	mobileMoney := MethodFees{PercentBps: 200, FixedMilli: 0, MinAmountMilli: 5000}
	return &FeeSchedule{
		Methods: map[string]MethodFees{
			"orange_money":   mobileMoney,
			"mtn_money":      mobileMoney,
			"airtel_money":   mobileMoney,
			"mpesa":          mobileMoney,
			"africell_money": mobileMoney,
			"orange_cd":      mobileMoney,
			"airtel_cd":      mobileMoney,

			"paypal":        {PercentBps: 300, FixedMilli: 300, MinAmountMilli: 10000},
			"bank_card":     {PercentBps: 250, FixedMilli: 500, MinAmountMilli: 10000},
			"bank_transfer": {PercentBps: 100, FixedMilli: 2000, MinAmountMilli: 20000},

			"usdt":    {PercentBps: 100, FixedMilli: 1000, MinAmountMilli: 10000},
			"bitcoin": {PercentBps: 150, FixedMilli: 2000, MinAmountMilli: 20000},
		},
		MethodsByCountry: map[string][]string{
			"CD": {"orange_cd", "airtel_cd", "mpesa", "africell_money", "paypal", "bank_card", "usdt"},
			"CI": {"orange_money", "mtn_money", "paypal", "bank_card"},
			"SN": {"orange_money", "paypal", "bank_card"},
			"CM": {"orange_money", "mtn_money", "paypal", "bank_card"},
			"BF": {"orange_money", "paypal", "bank_card"},
			"KE": {"mpesa", "airtel_money", "paypal", "bank_card"},
			"TZ": {"mpesa", "airtel_money", "paypal", "bank_card"},
			"UG": {"mtn_money", "airtel_money", "paypal", "bank_card"},
			"GH": {"mtn_money", "paypal", "bank_card"},
			"RW": {"mtn_money", "airtel_money", "paypal", "bank_card"},
			"ZM": {"mtn_money", "airtel_money", "paypal", "bank_card"},
			"MG": {"orange_money", "airtel_money", "paypal", "bank_card"},
			"GA": {"orange_money", "paypal", "bank_card"},
			"BJ": {"orange_money", "mtn_money", "paypal", "bank_card"},
			"TG": {"orange_money", "mtn_money", "paypal", "bank_card"},
			"ML": {"orange_money", "paypal", "bank_card"},
			"NE": {"orange_money", "paypal", "bank_card"},
			"GN": {"orange_money", "mtn_money", "paypal", "bank_card"},
		},
		FallbackMethods: []string{"paypal", "bank_card", "bank_transfer", "usdt", "bitcoin"},
		FeeFloorMilli:   100,
		NetFloorMilli:   100,
	}
}

// Resolve prices a gross withdrawal on the given method. The quote is
// deterministic: the same method and amount always price the same.
func (f *FeeSchedule) Resolve(method string, grossMilli int64) (FeeQuote, error) {
	fees, ok := f.Methods[method]
	if !ok {
		return FeeQuote{}, ErrUnsupportedMethod
	}
	if grossMilli < fees.MinAmountMilli {
		return FeeQuote{MinAmountMilli: fees.MinAmountMilli}, ErrBelowMethodMin
	}

	fee := (grossMilli*fees.PercentBps+5000)/10000 + fees.FixedMilli
	if fee < f.FeeFloorMilli {
		fee = f.FeeFloorMilli
	}
	net := grossMilli - fee
	if net < f.NetFloorMilli {
		net = f.NetFloorMilli
	}
	return FeeQuote{
		GrossMilli:     grossMilli,
		FeeMilli:       fee,
		NetMilli:       net,
		PercentBps:     fees.PercentBps,
		FixedMilli:     fees.FixedMilli,
		MinAmountMilli: fees.MinAmountMilli,
	}, nil
}

// AvailableMethods lists withdrawal methods for a country code, falling back
// to the international set for countries without a local mobile money lineup.
func (f *FeeSchedule) AvailableMethods(countryCode string) []string {
	methods, ok := f.MethodsByCountry[countryCode]
	if !ok {
		methods = f.FallbackMethods
	}
	out := make([]string, len(methods))
	copy(out, methods)
	return out
}
