package service

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"mining-engine/internal/config"
	"mining-engine/internal/model"
)

// KindRule is the base rate and duration granted by one free contract kind.
type KindRule struct {
	BaseRate decimal.Decimal
	Duration time.Duration
}

// Product is a store product that grants a paid contract.
type Product struct {
	ID       string
	Kind     model.ContractKind
	BaseRate decimal.Decimal
	Duration time.Duration
}

type levelStep struct {
	level      int
	multiplier decimal.Decimal
}

// RateTable is an immutable snapshot of every rate input that comes from
// configuration. Build one with NewRateTable and publish it through a RateBook.
type RateTable struct {
	levels           []levelStep
	countries        map[string]decimal.Decimal
	defaultCountry   decimal.Decimal
	dailyBonus       decimal.Decimal
	dailyBonusWindow time.Duration
	kinds            map[model.ContractKind]KindRule
	products         map[string]Product
}

func parsePositive(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s %s: %w", name, raw, ErrInvalidMultiplier)
	}
	return d, nil
}

// NewRateTable parses the mining and product configuration.
func NewRateTable(mining config.MiningConfig, products []config.ProductConfig) (*RateTable, error) {
	t := &RateTable{
		countries:        make(map[string]decimal.Decimal, len(mining.Countries)),
		dailyBonusWindow: mining.DailyBonusWindow,
		kinds:            make(map[model.ContractKind]KindRule, 4),
		products:         make(map[string]Product, len(products)),
	}

	var err error
	if t.dailyBonus, err = parsePositive("daily bonus multiplier", mining.DailyBonusMultiplier); err != nil {
		return nil, err
	}
	if t.defaultCountry, err = parsePositive("default country multiplier", mining.DefaultCountryMultiplier); err != nil {
		return nil, err
	}

	for _, l := range mining.Levels {
		m, err := parsePositive(fmt.Sprintf("level %d multiplier", l.Level), l.Multiplier)
		if err != nil {
			return nil, err
		}
		t.levels = append(t.levels, levelStep{level: l.Level, multiplier: m})
	}
	if len(t.levels) == 0 {
		return nil, fmt.Errorf("level table is empty: %w", ErrInvalidMultiplier)
	}
	sort.Slice(t.levels, func(i, j int) bool { return t.levels[i].level < t.levels[j].level })

	for code, raw := range mining.Countries {
		m, err := parsePositive("country "+code+" multiplier", raw)
		if err != nil {
			return nil, err
		}
		t.countries[strings.ToLower(code)] = m
	}

	for kind, kc := range map[model.ContractKind]config.KindConfig{
		model.KindAd:          mining.Ad,
		model.KindCheckIn:     mining.CheckIn,
		model.KindInvite:      mining.Invite,
		model.KindRefereeBind: mining.RefereeBind,
	} {
		rate, err := parsePositive(string(kind)+" base rate", kc.BaseRate)
		if err != nil {
			return nil, err
		}
		t.kinds[kind] = KindRule{BaseRate: rate, Duration: kc.Duration}
	}

	for _, p := range products {
		rate, err := parsePositive("product "+p.ID+" base rate", p.BaseRate)
		if err != nil {
			return nil, err
		}
		kind := model.KindPaidOneTime
		if p.Type == config.ProductSubscription {
			kind = model.KindPaidSubscription
		}
		t.products[p.ID] = Product{ID: p.ID, Kind: kind, BaseRate: rate, Duration: p.Duration}
	}

	return t, nil
}

// LevelMultiplier returns the multiplier of the highest configured level not
// above level. Levels below the table start get the lowest entry.
func (t *RateTable) LevelMultiplier(level int) decimal.Decimal {
	m := t.levels[0].multiplier
	for _, step := range t.levels {
		if step.level > level {
			break
		}
		m = step.multiplier
	}
	return m
}

// CountryMultiplier returns the multiplier for an ISO country code.
func (t *RateTable) CountryMultiplier(code string) decimal.Decimal {
	if m, ok := t.countries[strings.ToLower(code)]; ok {
		return m
	}
	return t.defaultCountry
}

// DailyBonusMultiplier returns the CheckIn bonus factor.
func (t *RateTable) DailyBonusMultiplier() decimal.Decimal {
	return t.dailyBonus
}

// DailyBonusWindow returns how long a check-in keeps the bonus active.
func (t *RateTable) DailyBonusWindow() time.Duration {
	return t.dailyBonusWindow
}

// Kind returns the rule of a free contract kind.
func (t *RateTable) Kind(kind model.ContractKind) (KindRule, bool) {
	r, ok := t.kinds[kind]
	return r, ok
}

// Product looks up a paid product.
func (t *RateTable) Product(id string) (Product, bool) {
	p, ok := t.products[id]
	return p, ok
}

// RateBook publishes the current RateTable. Readers always see a complete
// table; Reload swaps it in one step.
type RateBook struct {
	current atomic.Pointer[RateTable]
}

// NewRateBook creates a book holding t.
func NewRateBook(t *RateTable) *RateBook {
	b := &RateBook{}
	b.current.Store(t)
	return b
}

// Table returns the current table.
func (b *RateBook) Table() *RateTable {
	return b.current.Load()
}

// Reload parses a new configuration and publishes it. On error the current
// table stays in place.
func (b *RateBook) Reload(mining config.MiningConfig, products []config.ProductConfig) error {
	t, err := NewRateTable(mining, products)
	if err != nil {
		return fmt.Errorf("failed to reload rate table: %w", err)
	}
	b.current.Store(t)
	return nil
}

// EffectiveRate composes the per-second accrual rate of a contract:
//
//	base × level × country × (dailyBonus if kind is CheckIn and the bonus is active)
//
// It performs no I/O. Any multiplier that is not positive is rejected.
func EffectiveRate(
	baseRate, levelMultiplier, countryMultiplier, dailyBonusMultiplier decimal.Decimal,
	dailyBonusActive bool,
	kind model.ContractKind,
) (decimal.Decimal, error) {
	if baseRate.IsNegative() {
		return decimal.Zero, fmt.Errorf("base rate %s: %w", baseRate, ErrInvalidMultiplier)
	}
	if !levelMultiplier.IsPositive() {
		return decimal.Zero, fmt.Errorf("level multiplier %s: %w", levelMultiplier, ErrInvalidMultiplier)
	}
	if !countryMultiplier.IsPositive() {
		return decimal.Zero, fmt.Errorf("country multiplier %s: %w", countryMultiplier, ErrInvalidMultiplier)
	}

	rate := baseRate.Mul(levelMultiplier).Mul(countryMultiplier)
	if kind == model.KindCheckIn && dailyBonusActive {
		if !dailyBonusMultiplier.IsPositive() {
			return decimal.Zero, fmt.Errorf("daily bonus multiplier %s: %w", dailyBonusMultiplier, ErrInvalidMultiplier)
		}
		rate = rate.Mul(dailyBonusMultiplier)
	}
	return rate, nil
}
