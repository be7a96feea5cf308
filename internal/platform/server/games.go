package server

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// OutcomeSource produces game outcomes. Injected so round settlement is
// deterministic under test and the production source stays a CSPRNG.
type OutcomeSource interface {
	// SlotReels returns three reel positions in [0, len(slotSymbols)).
	SlotReels() [3]int
	// DiceRoll returns a roll in [1, 6].
	DiceRoll() int
}

var slotSymbols = []string{"cherry", "lemon", "orange", "grape", "bell", "diamond"}

const (
	slotsJackpotMultiplier = 10
	slotsPairMultiplier    = 2
	diceWinMultiplier      = 5
)

type uniformOutcomeSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewUniformOutcomeSource returns an outcome source backed by a ChaCha8
// generator seeded from the operating system entropy pool.
func NewUniformOutcomeSource() OutcomeSource {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		// Degraded seed from the runtime fallback generator.
		binary.LittleEndian.PutUint64(seed[:8], rand.Uint64())
		binary.LittleEndian.PutUint64(seed[8:16], rand.Uint64())
		binary.LittleEndian.PutUint64(seed[16:24], rand.Uint64())
		binary.LittleEndian.PutUint64(seed[24:], rand.Uint64())
	}
	return &uniformOutcomeSource{rng: rand.New(rand.NewChaCha8(seed))}
}

func (u *uniformOutcomeSource) SlotReels() [3]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return [3]int{
		u.rng.IntN(len(slotSymbols)),
		u.rng.IntN(len(slotSymbols)),
		u.rng.IntN(len(slotSymbols)),
	}
}

func (u *uniformOutcomeSource) DiceRoll() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rng.IntN(6) + 1
}

// evaluateSlots prices a spin. Three matching symbols pay 10x the bet, a pair
// on adjacent reels pays 2x, anything else pays nothing. The reels are
// evaluated left to right so a pair on reels one and three does not pay.
func evaluateSlots(reels [3]int, betMilli int64) (symbols []string, payoutMilli int64) {
	symbols = []string{slotSymbols[reels[0]], slotSymbols[reels[1]], slotSymbols[reels[2]]}
	switch {
	case reels[0] == reels[1] && reels[1] == reels[2]:
		payoutMilli = betMilli * slotsJackpotMultiplier
	case reels[0] == reels[1] || reels[1] == reels[2]:
		payoutMilli = betMilli * slotsPairMultiplier
	}
	return symbols, payoutMilli
}

// evaluateDice pays 5x the bet when the roll matches the prediction exactly.
func evaluateDice(roll, prediction int, betMilli int64) int64 {
	if roll == prediction {
		return betMilli * diceWinMultiplier
	}
	return 0
}

func validDicePrediction(prediction int) bool {
	return prediction >= 1 && prediction <= 6
}
