package state

import (
	"fmt"
)

// migration upgrades a decoded document from version v to v+1 in place.
type migration func(doc map[string]any) error

// migrations is keyed by the version being upgraded from. Files without a
// schema_version field are version 0.
var migrations = map[int]migration{
	0: migrateV0,
	1: migrateV1,
	2: migrateV2,
}

// Migrate walks doc forward to CurrentSchemaVersion and returns the version it
// started at.
func Migrate(doc map[string]any) (int, error) {
	from, err := docVersion(doc)
	if err != nil {
		return 0, err
	}
	if from > CurrentSchemaVersion {
		return from, fmt.Errorf("schema_version %d is newer than supported %d", from, CurrentSchemaVersion)
	}
	for v := from; v < CurrentSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return from, fmt.Errorf("no migration from schema_version %d", v)
		}
		if err := step(doc); err != nil {
			return from, fmt.Errorf("migrate v%d: %w", v, err)
		}
		doc["schema_version"] = v + 1
	}
	if g, ok := doc["global"].(map[string]any); ok {
		g["schema_version"] = CurrentSchemaVersion
	}
	return from, nil
}

func docVersion(doc map[string]any) (int, error) {
	raw, ok := doc["schema_version"]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("schema_version: %w", err)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("schema_version has type %T", raw)
	}
}

// migrateV0 moves the flat hedge fields of the legacy layout into hedge_state.
func migrateV0(doc map[string]any) error {
	symbols, _ := doc["symbols"].(map[string]any)
	for sym, raw := range symbols {
		pair, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("symbol %s: not an object", sym)
		}
		for _, side := range []string{"long", "short"} {
			pos, ok := pair[side].(map[string]any)
			if !ok {
				continue
			}
			hedge, _ := pos["hedge_state"].(map[string]any)
			if hedge == nil {
				hedge = map[string]any{}
			}
			for _, key := range []string{"hedge_locked", "hedge_stop", "locked_profit", "hedge_locked_on_full", "cooldown_until"} {
				if v, ok := pos[key]; ok {
					hedge[key] = v
					delete(pos, key)
				}
			}
			pos["hedge_state"] = hedge
		}
	}
	return nil
}

// migrateV1 turns the account-wide backfill flags into per-symbol flags and
// fills in last_qty from the add history.
func migrateV1(doc map[string]any) error {
	symbols, _ := doc["symbols"].(map[string]any)
	global, _ := doc["global"].(map[string]any)
	if global == nil {
		global = map[string]any{}
		doc["global"] = global
	}

	perSymbol := map[string]any{}
	if flags, ok := global["backfill_done"].(map[string]any); ok {
		_, hasLong := flags["long"]
		_, hasShort := flags["short"]
		if hasLong || hasShort {
			for sym := range symbols {
				perSymbol[sym] = map[string]any{"long": flags["long"], "short": flags["short"]}
			}
		} else {
			perSymbol = flags
		}
	}
	global["backfill_done"] = perSymbol

	for _, raw := range symbols {
		pair, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, side := range []string{"long", "short"} {
			pos, ok := pair[side].(map[string]any)
			if !ok {
				continue
			}
			if _, ok := pos["last_qty"]; ok {
				continue
			}
			pos["last_qty"] = lastHistoryQty(pos)
		}
	}
	return nil
}

// migrateV2 parks the per-symbol pairs as unclaimed: the file does not say
// which platform holds them. Their backfill flags are dropped so the
// claiming platform reconciles the pair again.
func migrateV2(doc map[string]any) error {
	symbols, _ := doc["symbols"].(map[string]any)
	if len(symbols) > 0 {
		doc["unclaimed"] = symbols
	}
	delete(doc, "symbols")
	if _, ok := doc["pairs"].(map[string]any); !ok {
		doc["pairs"] = map[string]any{}
	}
	if global, ok := doc["global"].(map[string]any); ok {
		global["backfill_done"] = map[string]any{}
	}
	return nil
}

func lastHistoryQty(pos map[string]any) any {
	history, _ := pos["add_history"].([]any)
	for i := len(history) - 1; i >= 0; i-- {
		entry, ok := history[i].(map[string]any)
		if !ok {
			continue
		}
		if q, ok := entry["qty"]; ok {
			return q
		}
	}
	if q, ok := pos["qty"]; ok {
		return q
	}
	return "0"
}
