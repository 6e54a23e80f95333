// Package pricing рассчитывает количество бесплатных пропусков по сумме оплаты.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidTable возвращается при некорректной конфигурации ступеней.
var ErrInvalidTable = errors.New("invalid pricing table")

// Slab - ступень: начиная с суммы Amount покупателю положено Passes пропусков.
type Slab struct {
	Amount int64
	Passes int
}

// PolicyKind определяет поведение выше верхней ступени.
type PolicyKind int

const (
	// PolicyTop - выше верхней ступени количество пропусков не растёт.
	PolicyTop PolicyKind = iota
	// PolicyExtraPer - за каждые полные ExtraPer рублей сверх верхней ступени добавляется пропуск.
	PolicyExtraPer
)

// Policy описывает политику выше верхней ступени.
type Policy struct {
	Kind     PolicyKind
	ExtraPer int64
}

func (p Policy) String() string {
	if p.Kind == PolicyExtraPer {
		return fmt.Sprintf("EXTRA_PER=%d", p.ExtraPer)
	}
	return "TOP"
}

// Table - неизменяемая таблица ступеней.
type Table struct {
	slabs    []Slab
	belowMin int
	policy   Policy
}

// NewTable проверяет и создаёт таблицу. Ступени сортируются по сумме с сохранением порядка равных.
func NewTable(slabs []Slab, belowMin int, policy Policy) (*Table, error) {
	sorted := make([]Slab, len(slabs))
	copy(sorted, slabs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })

	if belowMin < 0 {
		return nil, fmt.Errorf("%w: below-min passes %d is negative", ErrInvalidTable, belowMin)
	}
	if policy.Kind == PolicyExtraPer && policy.ExtraPer <= 0 {
		return nil, fmt.Errorf("%w: EXTRA_PER must be positive", ErrInvalidTable)
	}

	for i, s := range sorted {
		if s.Amount < 0 || s.Passes < 0 {
			return nil, fmt.Errorf("%w: negative slab %d:%d", ErrInvalidTable, s.Amount, s.Passes)
		}
		if i > 0 && s.Passes < sorted[i-1].Passes {
			return nil, fmt.Errorf("%w: passes decrease at %d", ErrInvalidTable, s.Amount)
		}
	}
	if len(sorted) > 0 && belowMin > sorted[0].Passes {
		return nil, fmt.Errorf("%w: below-min passes exceed first slab", ErrInvalidTable)
	}

	return &Table{slabs: sorted, belowMin: belowMin, policy: policy}, nil
}

// Slabs возвращает копию ступеней.
func (t *Table) Slabs() []Slab {
	res := make([]Slab, len(t.slabs))
	copy(res, t.slabs)
	return res
}

// Policy возвращает политику выше верхней ступени.
func (t *Table) Policy() Policy {
	return t.policy
}

// Passes возвращает количество пропусков для суммы amount.
func (t *Table) Passes(amount int64) int {
	return MapAmountToPasses(amount, t.slabs, t.belowMin, t.policy)
}

// MapAmountToPasses - чистая функция расчёта пропусков. slabs должны быть упорядочены по возрастанию суммы.
func MapAmountToPasses(amount int64, slabs []Slab, belowMin int, policy Policy) int {
	if len(slabs) == 0 {
		return 0
	}
	if amount < slabs[0].Amount {
		return belowMin
	}

	passes := slabs[0].Passes
	for _, s := range slabs {
		if s.Amount > amount {
			break
		}
		passes = s.Passes
	}

	top := slabs[len(slabs)-1]
	if amount <= top.Amount || policy.Kind != PolicyExtraPer || policy.ExtraPer <= 0 {
		return passes
	}

	extra := (amount - top.Amount) / policy.ExtraPer
	if extra < 0 {
		extra = 0
	}
	return top.Passes + int(extra)
}

// ParseSlabs разбирает строку вида "5000:2,10000:5".
func ParseSlabs(s string) ([]Slab, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	res := make([]Slab, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		amountStr, passesStr, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("%w: slab %q", ErrInvalidTable, p)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(amountStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: slab amount %q", ErrInvalidTable, amountStr)
		}
		passes, err := strconv.Atoi(strings.TrimSpace(passesStr))
		if err != nil {
			return nil, fmt.Errorf("%w: slab passes %q", ErrInvalidTable, passesStr)
		}
		res = append(res, Slab{Amount: amount, Passes: passes})
	}
	return res, nil
}

// ParsePolicy разбирает "TOP" или "EXTRA_PER=<K>". Пустая строка означает TOP.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "TOP" {
		return Policy{Kind: PolicyTop}, nil
	}

	val, ok := strings.CutPrefix(s, "EXTRA_PER=")
	if !ok {
		return Policy{}, fmt.Errorf("%w: unknown policy %q", ErrInvalidTable, s)
	}
	k, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil || k <= 0 {
		return Policy{}, fmt.Errorf("%w: EXTRA_PER value %q", ErrInvalidTable, val)
	}
	return Policy{Kind: PolicyExtraPer, ExtraPer: k}, nil
}
