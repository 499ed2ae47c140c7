package rules

import (
	"math"
	"slices"

	"cuelang.org/go/cue/token"

	"github.com/roach88/reshape/internal/engine"
	"github.com/roach88/reshape/internal/value"
)

// Op names a state transformation.
type Op string

const (
	OpMerge     Op = "merge"
	OpSet       Op = "set"
	OpDelete    Op = "delete"
	OpIncrement Op = "increment"
	OpCopy      Op = "copy"
	OpEmit      Op = "emit"
)

// Special values of the on field. They are keywords, never action ids: a
// rule on "settle" does not react to an action whose ID is the string
// "settle".
const (
	OnAny    = "*"
	OnSettle = "settle"
)

// Rule is one compiled handler declaration.
type Rule struct {
	Name  string
	On    []string // as declared: action ids, OnAny or OnSettle
	Op    Op
	Field string
	Value value.Value // fixed value for OpSet; nil means use the payload
	By    int64       // OpIncrement step, default 1
	Max   *int64      // OpIncrement ceiling, nil means none
	From  string      // OpCopy source field
	Emit  string      // OpEmit action id
	Pos   token.Pos

	ids      []actionKey
	onAny    bool
	onSettle bool
}

// actionKey is a typed action id. The string "5" and the integer 5 are
// different ids.
type actionKey struct {
	name    string
	num     int64
	numeric bool
}

// keyOf converts a dispatched action ID. Unsigned ids beyond int64 have no
// key and match nothing.
func keyOf(id any) (actionKey, bool) {
	switch id := id.(type) {
	case string:
		return actionKey{name: id}, true
	case int:
		return actionKey{num: int64(id), numeric: true}, true
	case int8:
		return actionKey{num: int64(id), numeric: true}, true
	case int16:
		return actionKey{num: int64(id), numeric: true}, true
	case int32:
		return actionKey{num: int64(id), numeric: true}, true
	case int64:
		return actionKey{num: id, numeric: true}, true
	case uint:
		return uintKey(uint64(id))
	case uint8:
		return uintKey(uint64(id))
	case uint16:
		return uintKey(uint64(id))
	case uint32:
		return uintKey(uint64(id))
	case uint64:
		return uintKey(id)
	default:
		return actionKey{}, false
	}
}

func uintKey(n uint64) (actionKey, bool) {
	if n > math.MaxInt64 {
		return actionKey{}, false
	}
	return actionKey{num: int64(n), numeric: true}, true
}

// setTriggers splits the parsed on keys into keywords and action ids.
func (r *Rule) setTriggers(keys []actionKey) {
	for _, k := range keys {
		switch {
		case !k.numeric && k.name == OnAny:
			r.onAny = true
		case !k.numeric && k.name == OnSettle:
			r.onSettle = true
		default:
			r.ids = append(r.ids, k)
		}
	}
}

// Matches reports whether the rule reacts to a.
func (r *Rule) Matches(a engine.Action) bool {
	if r.onAny {
		return true
	}
	if a.IsSettle() {
		return r.onSettle
	}
	k, ok := keyOf(a.ID)
	if !ok {
		return false
	}
	return slices.Contains(r.ids, k)
}

// Apply runs the rule against state. It reports a change only when the
// resulting object differs from state, so settle loops over rules converge.
func (r *Rule) Apply(state value.Object, a engine.Action, dispatch engine.Dispatcher) (value.Object, bool) {
	if !r.Matches(a) {
		return state, false
	}

	var next value.Object
	switch r.Op {
	case OpMerge:
		patch, ok := payloadObject(a)
		if !ok {
			return state, false
		}
		next = state.Merge(patch)

	case OpSet:
		v := r.Value
		if v == nil {
			p, ok := payload(a)
			if !ok {
				return state, false
			}
			v = p
		}
		next = state.With(r.Field, v)

	case OpDelete:
		next = state.Without(r.Field)

	case OpIncrement:
		n, ok := intField(state, r.Field)
		if !ok {
			return state, false
		}
		if r.Max != nil && n >= *r.Max {
			return state, false
		}
		n = saturatingAdd(n, r.By)
		if r.Max != nil && n > *r.Max {
			n = *r.Max
		}
		next = state.With(r.Field, value.Int(n))

	case OpCopy:
		src, ok := state.Get(r.From)
		if !ok {
			return state, false
		}
		next = state.With(r.Field, src)

	case OpEmit:
		// Emitting never changes state; the follow-up lands at the queue tail.
		if !a.IsSettle() {
			dispatch(engine.Action{ID: r.Emit, Payload: a.Payload})
		}
		return state, false

	default:
		return state, false
	}

	if value.Equal(state, next) {
		return state, false
	}
	return next, true
}

// Handler wraps the rule for registration with an engine.
func (r *Rule) Handler() *engine.ActionHandler[value.Object] {
	return engine.NewActionHandler(r.Name, r.Apply)
}

// Handlers converts rules to engine handlers, preserving order.
func Handlers(rs []Rule) []*engine.ActionHandler[value.Object] {
	hs := make([]*engine.ActionHandler[value.Object], len(rs))
	for i := range rs {
		hs[i] = rs[i].Handler()
	}
	return hs
}

func payload(a engine.Action) (value.Value, bool) {
	if a.Payload == nil {
		return nil, false
	}
	v, err := value.FromGo(a.Payload)
	if err != nil {
		return nil, false
	}
	return v, true
}

func payloadObject(a engine.Action) (value.Object, bool) {
	v, ok := payload(a)
	if !ok {
		return nil, false
	}
	obj, ok := v.(value.Object)
	return obj, ok
}

// intField reads an integer field; a missing field counts as 0.
func intField(state value.Object, field string) (int64, bool) {
	v, ok := state.Get(field)
	if !ok {
		return 0, true
	}
	n, ok := v.(value.Int)
	return int64(n), ok
}

// saturatingAdd clamps at the int64 bounds instead of wrapping.
func saturatingAdd(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}
