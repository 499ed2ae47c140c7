package rules

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/reshape/internal/value"
)

var knownFields = map[string]bool{
	"on": true, "op": true, "field": true, "value": true,
	"by": true, "max": true, "from": true, "emit": true,
}

// Compile extracts every handler under the top-level "handler" struct,
// in declaration order. A value without a "handler" struct yields no rules.
func Compile(v cue.Value) ([]Rule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	handlers := v.LookupPath(cue.ParsePath("handler"))
	if !handlers.Exists() {
		return nil, nil
	}

	iter, err := handlers.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rs []Rule
	for iter.Next() {
		r, err := CompileRule(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		rs = append(rs, *r)
	}
	return rs, nil
}

// CompileRule parses one handler struct.
//
//	handler: bump: { on: "*", op: "increment", field: "count", max: 3 }
func CompileRule(name string, v cue.Value) (*Rule, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	if v.Kind() != cue.StructKind {
		return nil, &CompileError{Field: name, Message: "handler must be a struct", Pos: v.Pos()}
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		if !knownFields[iter.Label()] {
			return nil, &CompileError{
				Field:   name + "." + iter.Label(),
				Message: "unknown field",
				Pos:     iter.Value().Pos(),
			}
		}
	}

	r := &Rule{Name: name, By: 1, Pos: v.Pos()}

	var keys []actionKey
	if r.On, keys, err = parseOn(name, v); err != nil {
		return nil, err
	}
	r.setTriggers(keys)

	op, err := requiredString(name, v, "op")
	if err != nil {
		return nil, err
	}
	r.Op = Op(op)

	switch r.Op {
	case OpMerge:
	case OpSet, OpDelete, OpIncrement:
		if r.Field, err = requiredString(name, v, "field"); err != nil {
			return nil, err
		}
	case OpCopy:
		if r.Field, err = requiredString(name, v, "field"); err != nil {
			return nil, err
		}
		if r.From, err = requiredString(name, v, "from"); err != nil {
			return nil, err
		}
	case OpEmit:
		if r.Emit, err = requiredString(name, v, "emit"); err != nil {
			return nil, err
		}
	default:
		return nil, &CompileError{
			Field:   name + ".op",
			Message: fmt.Sprintf("unknown op %q (want merge, set, delete, increment, copy or emit)", op),
			Pos:     v.LookupPath(cue.ParsePath("op")).Pos(),
		}
	}

	if fv := v.LookupPath(cue.ParsePath("value")); fv.Exists() {
		if r.Op != OpSet {
			return nil, &CompileError{Field: name + ".value", Message: "value is only valid with op set", Pos: fv.Pos()}
		}
		data, err := fv.MarshalJSON()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if r.Value, err = value.Parse(data); err != nil {
			return nil, &CompileError{Field: name + ".value", Message: err.Error(), Pos: fv.Pos()}
		}
	}

	if bv := v.LookupPath(cue.ParsePath("by")); bv.Exists() {
		if r.By, err = bv.Int64(); err != nil {
			return nil, &CompileError{Field: name + ".by", Message: "by must be an integer", Pos: bv.Pos()}
		}
	}

	if mv := v.LookupPath(cue.ParsePath("max")); mv.Exists() {
		m, err := mv.Int64()
		if err != nil {
			return nil, &CompileError{Field: name + ".max", Message: "max must be an integer", Pos: mv.Pos()}
		}
		r.Max = &m
	}

	return r, nil
}

// parseOn accepts a single id or a list of ids. Ids are strings or integers.
// It returns the ids as written, for display, and their typed keys.
func parseOn(name string, v cue.Value) ([]string, []actionKey, error) {
	ov := v.LookupPath(cue.ParsePath("on"))
	if !ov.Exists() {
		return nil, nil, &CompileError{Field: name + ".on", Message: "on is required", Pos: v.Pos()}
	}

	if ov.Kind() != cue.ListKind {
		label, key, err := actionID(name, ov)
		if err != nil {
			return nil, nil, err
		}
		return []string{label}, []actionKey{key}, nil
	}

	iter, err := ov.List()
	if err != nil {
		return nil, nil, formatCUEError(err)
	}
	var (
		labels []string
		keys   []actionKey
	)
	for iter.Next() {
		label, key, err := actionID(name, iter.Value())
		if err != nil {
			return nil, nil, err
		}
		labels = append(labels, label)
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil, &CompileError{Field: name + ".on", Message: "on must name at least one action", Pos: ov.Pos()}
	}
	return labels, keys, nil
}

func actionID(name string, v cue.Value) (string, actionKey, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return "", actionKey{}, formatCUEError(err)
		}
		return s, actionKey{name: s}, nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return "", actionKey{}, formatCUEError(err)
		}
		return strconv.FormatInt(n, 10), actionKey{num: n, numeric: true}, nil
	default:
		return "", actionKey{}, &CompileError{
			Field:   name + ".on",
			Message: fmt.Sprintf("action id must be a string or an integer, got %s", v.Kind()),
			Pos:     v.Pos(),
		}
	}
}

func requiredString(name string, v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: name + "." + field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{Field: name + "." + field, Message: field + " must be a string", Pos: fv.Pos()}
	}
	if s == "" {
		return "", &CompileError{Field: name + "." + field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

// CompileError is a rule compilation failure with its CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
