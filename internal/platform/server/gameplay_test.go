package server

import (
	"context"
	"testing"
)

func fundedLedger(t *testing.T, accountID string, balanceMilli int64) *LedgerService {
	t.Helper()
	s := newTestLedger()
	// Deposit enough gross that the 90% credit lands on the target balance.
	gross := balanceMilli * 10 / 9
	resp := mustDeposit(t, s, accountID, gross, "seed")
	if resp.Balance.AmountMilli != balanceMilli {
		t.Fatalf("seed balance = %d, want %d", resp.Balance.AmountMilli, balanceMilli)
	}
	return s
}

func TestPlaySlotsTripleCreditsPayoutWithoutStake(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{reels: [][3]int{{0, 0, 0}}})

	resp, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(10000, "EUR"),
	})
	if err != nil {
		t.Fatalf("play slots: %v", err)
	}
	if resp.Meta.Result != ResultOK {
		t.Fatalf("meta = %+v", resp.Meta)
	}
	if resp.Round.Result != GameWin {
		t.Fatalf("result = %v, want win", resp.Round.Result)
	}
	// Triple pays 10x. The stake stays on the balance; only the net payout
	// is credited.
	if resp.Win.AmountMilli != 85000 {
		t.Fatalf("win = %d, want 85000", resp.Win.AmountMilli)
	}
	if resp.Balance.AmountMilli != 175000 {
		t.Fatalf("balance = %d, want 175000", resp.Balance.AmountMilli)
	}
	if resp.Round.CommissionMilli != 15000 {
		t.Fatalf("commission = %d, want 15000", resp.Round.CommissionMilli)
	}
	if got := s.earnings.snapshot().GameCommissionMilli; got != 15000 {
		t.Fatalf("game earnings = %d, want 15000", got)
	}
}

func TestPlaySlotsAdjacentPairPaysDouble(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{reels: [][3]int{{2, 2, 4}}})

	resp, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(10000, "EUR"),
	})
	if err != nil {
		t.Fatalf("play slots: %v", err)
	}
	// Pair pays 2x: payout 20000, net of the 15% cut is 17000.
	if resp.Win.AmountMilli != 17000 {
		t.Fatalf("win = %d, want 17000", resp.Win.AmountMilli)
	}
	if resp.Balance.AmountMilli != 107000 {
		t.Fatalf("balance = %d, want 107000", resp.Balance.AmountMilli)
	}
}

func TestPlaySlotsLossDebitsStake(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{reels: [][3]int{{0, 1, 2}}})

	resp, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(10000, "EUR"),
	})
	if err != nil {
		t.Fatalf("play slots: %v", err)
	}
	if resp.Round.Result != GameLoss {
		t.Fatalf("result = %v, want loss", resp.Round.Result)
	}
	if resp.Win.AmountMilli != 0 {
		t.Fatalf("win = %d, want 0", resp.Win.AmountMilli)
	}
	if resp.Balance.AmountMilli != 80000 {
		t.Fatalf("balance = %d, want 80000", resp.Balance.AmountMilli)
	}
	// A fifth of the lost stake is booked as platform commission.
	if resp.Round.CommissionMilli != 2000 {
		t.Fatalf("commission = %d, want 2000", resp.Round.CommissionMilli)
	}
	if got := s.earnings.snapshot().GameCommissionMilli; got != 2000 {
		t.Fatalf("game earnings = %d, want 2000", got)
	}
}

func TestPlaySlotsInsufficientBalance(t *testing.T) {
	s := newTestLedger()

	resp, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(10000, "EUR"),
	})
	if err != nil {
		t.Fatalf("play slots: %v", err)
	}
	if resp.Meta.Result != ResultDenied || resp.Meta.ErrorKind != ErrorInsufficientBalance {
		t.Fatalf("meta = %+v, want denied/insufficient_balance", resp.Meta)
	}
}

func TestPlaySlotsIdempotentReplay(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{reels: [][3]int{{0, 1, 2}, {0, 0, 0}}})

	first, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(10000, "EUR"),
	})
	if err != nil {
		t.Fatalf("play slots: %v", err)
	}
	second, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(10000, "EUR"),
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Round.RoundID != first.Round.RoundID {
		t.Fatal("replay should return the original round, not spin again")
	}
	if second.Balance.AmountMilli != 80000 {
		t.Fatalf("balance = %d, want 80000 after a single spin", second.Balance.AmountMilli)
	}
}

func TestPlayDiceExactMatchPaysFive(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{rolls: []int{4}})

	resp, err := s.PlayDice(context.Background(), &PlayDiceRequest{
		Meta:       testMeta("acct-1", RoleUser, "roll-1"),
		AccountID:  "acct-1",
		Bet:        money(10000, "EUR"),
		Prediction: 4,
	})
	if err != nil {
		t.Fatalf("play dice: %v", err)
	}
	if resp.Roll != 4 || resp.Round.Result != GameWin {
		t.Fatalf("roll = %d result = %v, want winning 4", resp.Roll, resp.Round.Result)
	}
	// 5x payout of 50000, net of the 15% cut.
	if resp.Win.AmountMilli != 42500 {
		t.Fatalf("win = %d, want 42500", resp.Win.AmountMilli)
	}
	if resp.Balance.AmountMilli != 132500 {
		t.Fatalf("balance = %d, want 132500", resp.Balance.AmountMilli)
	}
}

func TestPlayDiceMissLosesStake(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{rolls: []int{2}})

	resp, err := s.PlayDice(context.Background(), &PlayDiceRequest{
		Meta:       testMeta("acct-1", RoleUser, "roll-1"),
		AccountID:  "acct-1",
		Bet:        money(10000, "EUR"),
		Prediction: 5,
	})
	if err != nil {
		t.Fatalf("play dice: %v", err)
	}
	if resp.Round.Result != GameLoss {
		t.Fatalf("result = %v, want loss", resp.Round.Result)
	}
	if resp.Balance.AmountMilli != 80000 {
		t.Fatalf("balance = %d, want 80000", resp.Balance.AmountMilli)
	}
}

func TestPlayDiceRejectsBadPrediction(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)

	for _, prediction := range []int{0, 7, -1} {
		resp, err := s.PlayDice(context.Background(), &PlayDiceRequest{
			Meta:       testMeta("acct-1", RoleUser, "roll-1"),
			AccountID:  "acct-1",
			Bet:        money(10000, "EUR"),
			Prediction: prediction,
		})
		if err != nil {
			t.Fatalf("play dice: %v", err)
		}
		if resp.Meta.Result != ResultInvalid {
			t.Fatalf("prediction %d: result = %v, want invalid", prediction, resp.Meta.Result)
		}
	}
}

func TestListGameRoundsReturnsHistory(t *testing.T) {
	s := fundedLedger(t, "acct-1", 90000)
	s.SetOutcomeSource(&scriptedOutcomes{reels: [][3]int{{0, 1, 2}}, rolls: []int{3}})

	if _, err := s.PlaySlots(context.Background(), &PlaySlotsRequest{
		Meta:      testMeta("acct-1", RoleUser, "spin-1"),
		AccountID: "acct-1",
		Bet:       money(5000, "EUR"),
	}); err != nil {
		t.Fatalf("play slots: %v", err)
	}
	if _, err := s.PlayDice(context.Background(), &PlayDiceRequest{
		Meta:       testMeta("acct-1", RoleUser, "roll-1"),
		AccountID:  "acct-1",
		Bet:        money(5000, "EUR"),
		Prediction: 3,
	}); err != nil {
		t.Fatalf("play dice: %v", err)
	}

	resp, err := s.ListGameRounds(context.Background(), &ListGameRoundsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("list rounds: %v", err)
	}
	if len(resp.Rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(resp.Rounds))
	}
	if resp.Rounds[0].GameType != GameSlots || resp.Rounds[1].GameType != GameDice {
		t.Fatalf("round types = %v/%v", resp.Rounds[0].GameType, resp.Rounds[1].GameType)
	}
}

func TestListAdViewsReturnsHistory(t *testing.T) {
	s := newTestLedger()

	for _, key := range []string{"ad-1", "ad-2"} {
		if _, err := s.WatchAd(context.Background(), &WatchAdRequest{
			Meta:      testMeta("acct-1", RoleUser, key),
			AccountID: "acct-1",
			AdType:    "short_video",
		}); err != nil {
			t.Fatalf("watch ad: %v", err)
		}
	}

	resp, err := s.ListAdViews(context.Background(), &ListAdViewsRequest{
		Meta:      testMeta("acct-1", RoleUser, ""),
		AccountID: "acct-1",
	})
	if err != nil {
		t.Fatalf("list views: %v", err)
	}
	if len(resp.Views) != 2 {
		t.Fatalf("views = %d, want 2", len(resp.Views))
	}
}
