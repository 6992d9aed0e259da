package config

// ChainConfig holds the consensus-critical parameters the ledger core needs
// to apply and validate blocks. All nodes must agree on these values; unlike
// Config (runtime, per-node), this is effectively part of genesis.
type ChainConfig struct {
	// MaxSlotCount is the number of election slots computed each epoch.
	MaxSlotCount uint32 `conf:"chain.max_slot_count"`

	// MinStakeAmount is the minimum mature stake required to become a
	// validator, in base units.
	MinStakeAmount uint64 `conf:"chain.min_stake_amount"`

	// StakeEpochs is the maturity delay (in epochs) before a new stake can
	// be unstaked.
	StakeEpochs uint64 `conf:"chain.stake_epochs"`

	// MicroBlocksInEpoch is the number of micro-blocks produced before a
	// macro-block closes the epoch.
	MicroBlocksInEpoch uint32 `conf:"chain.micro_blocks_in_epoch"`

	// AwardsDifficulty is the bit-difficulty threshold for the service-award
	// winner draw.
	AwardsDifficulty uint32 `conf:"chain.awards_difficulty"`

	// BlockReward is the reward paid to the block producer per micro-block,
	// in base units.
	BlockReward int64 `conf:"chain.block_reward"`

	// ServiceAwardPerEpoch is the pool paid out to the epoch's service-award
	// winner, in base units.
	ServiceAwardPerEpoch uint64 `conf:"chain.service_award_per_epoch"`
}

// DefaultChainConfig returns production-reasonable ledger parameters.
func DefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		MaxSlotCount:         21,
		MinStakeAmount:       2000 * Coin,
		StakeEpochs:          2,
		MicroBlocksInEpoch:   100,
		AwardsDifficulty:     20,
		BlockReward:          20 * MilliCoin,
		ServiceAwardPerEpoch: 5 * Coin,
	}
}
