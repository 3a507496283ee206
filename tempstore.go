package fidget

import (
	"fmt"

	"github.com/maxgio92/fidget/ir"
)

// tempStore holds the temporaries of one lifted instruction.
type tempStore struct {
	types  ir.TypeEnv
	values map[ir.Tmp]exprID
	arena  *arena
}

func newTempStore(types ir.TypeEnv, a *arena) *tempStore {
	return &tempStore{types: types, values: make(map[ir.Tmp]exprID, len(types)), arena: a}
}

func (t *tempStore) read(tmp ir.Tmp) (exprID, error) {
	id, ok := t.values[tmp]
	if !ok {
		return 0, fmt.Errorf("%w: read of unwritten temporary t%d", ErrUsage, tmp)
	}
	return id, nil
}

// write binds tmp to id, which must have the declared type of tmp. Values
// narrower than the type are zero-extended.
func (t *tempStore) write(tmp ir.Tmp, id exprID) error {
	ty, ok := t.types.Lookup(tmp)
	if !ok {
		return fmt.Errorf("%w: write to undeclared temporary t%d", ErrUsage, tmp)
	}
	if got := t.arena.get(id).ty; got != ty {
		return fmt.Errorf("%w: writing %s value to %s temporary t%d", ErrUsage, got, ty, tmp)
	}
	if t.arena.get(id).clean.Width() < ty.Bits() {
		id = t.arena.extend(id, ty, false)
	}
	t.values[tmp] = id
	return nil
}

// setDefault binds tmp to the default value of its type, for statements
// whose result is not modelled.
func (t *tempStore) setDefault(tmp ir.Tmp) error {
	ty, ok := t.types.Lookup(tmp)
	if !ok {
		return fmt.Errorf("%w: write to undeclared temporary t%d", ErrUsage, tmp)
	}
	t.values[tmp] = t.arena.defaultValue(ty)
	return nil
}
