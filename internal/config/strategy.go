package config

import "strings"

// StrategyName enumerates forge rate-limit pacing strategies.
type StrategyName string

const (
	StrategyConservative StrategyName = "conservative"
	StrategyAggressive   StrategyName = "aggressive"
	StrategyAdaptive     StrategyName = "adaptive"
)

// NormalizeStrategy converts arbitrary user input into a typed strategy, returning empty string for unknown.
func NormalizeStrategy(raw string) StrategyName {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StrategyConservative):
		return StrategyConservative
	case string(StrategyAggressive):
		return StrategyAggressive
	case string(StrategyAdaptive):
		return StrategyAdaptive
	default:
		return ""
	}
}

// NormalizeStoreDriver converts arbitrary user input into a typed driver, returning empty string for unknown.
func NormalizeStoreDriver(raw string) StoreDriver {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreSQLite):
		return StoreSQLite
	case string(StorePostgres):
		return StorePostgres
	default:
		return ""
	}
}
