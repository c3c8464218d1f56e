// Package worldstate holds the object-model logic that both the bytecode VM
// and the builtins package need to agree on: inheritance-chain property
// resolution and the owner/wizard/fertile permission rules that gate
// mutating operations like chparent and recycle.
//
// Before this package existed, vm/operations.go and builtins/properties.go
// each carried their own breadth-first property search, and the two had
// drifted: the VM's honored a property's Clear flag (an object that clears
// an inherited property falls through to its own ancestors instead of
// shadowing them), the builtins' copy did not. A property cleared on a
// child and then set on the parent would read back correctly from verb code
// but return the stale cleared slot from setprop()/getprop(). FindProperty
// is now the single implementation both packages call.
package worldstate

import (
	"barn/db"
	"barn/types"
)

// FindProperty walks obj's inheritance chain breadth-first looking for name,
// skipping any property slot with Clear set so the search falls through to
// that object's own ancestors rather than returning a cleared placeholder.
func FindProperty(store *db.Store, objID types.ObjID, name string) (*db.Property, types.ErrorCode) {
	queue := []types.ObjID{objID}
	visited := make(map[types.ObjID]bool)

	for len(queue) > 0 {
		currentID := queue[0]
		queue = queue[1:]

		if visited[currentID] {
			continue
		}
		visited[currentID] = true

		current := store.Get(currentID)
		if current == nil {
			continue
		}

		if prop, ok := current.Properties[name]; ok && !prop.Clear {
			return prop, types.E_NONE
		}

		queue = append(queue, current.Parents...)
	}

	return nil, types.E_PROPNF
}

// CheckPropertyReadPerm reports whether ctx's programmer may read prop.
// Wizards and the property's owner always pass.
func CheckPropertyReadPerm(ctx *types.TaskContext, prop *db.Property) types.ErrorCode {
	if ctx == nil || ctx.IsWizard || ctx.Programmer == prop.Owner {
		return types.E_NONE
	}
	if !prop.Perms.Has(db.PropRead) {
		return types.E_PERM
	}
	return types.E_NONE
}

// CheckPropertyWritePerm reports whether ctx's programmer may write prop.
func CheckPropertyWritePerm(ctx *types.TaskContext, prop *db.Property) types.ErrorCode {
	if ctx == nil || ctx.IsWizard || ctx.Programmer == prop.Owner {
		return types.E_NONE
	}
	if !prop.Perms.Has(db.PropWrite) {
		return types.E_PERM
	}
	return types.E_NONE
}

// IsWizard reports whether objID refers to a wizard-flagged object.
func IsWizard(store *db.Store, objID types.ObjID) bool {
	obj := store.Get(objID)
	if obj == nil {
		return false
	}
	return obj.Flags.Has(db.FlagWizard)
}

// CheckOwnerPermission returns E_PERM unless ctx's programmer owns obj or is
// a wizard. Used by recycle() and as the base check for chparent/chparents.
func CheckOwnerPermission(ctx *types.TaskContext, store *db.Store, obj *db.Object) types.ErrorCode {
	if ctx.IsWizard || IsWizard(store, ctx.Player) || obj.Owner == ctx.Programmer {
		return types.E_NONE
	}
	return types.E_PERM
}

// CheckReparentPermission enforces spec §4.2's chparent rule: the caller
// must own obj (or be a wizard), and each non-$nothing new parent must be
// fertile unless the caller is a wizard.
func CheckReparentPermission(ctx *types.TaskContext, store *db.Store, obj *db.Object, newParents []types.ObjID) types.ErrorCode {
	if errCode := CheckOwnerPermission(ctx, store, obj); errCode != types.E_NONE {
		return errCode
	}
	if ctx.IsWizard || IsWizard(store, ctx.Player) {
		return types.E_NONE
	}
	for _, parentID := range newParents {
		if parentID == types.ObjNothing {
			continue
		}
		parent := store.Get(parentID)
		if parent == nil {
			continue
		}
		if !parent.Flags.Has(db.FlagFertile) {
			return types.E_PERM
		}
	}
	return types.E_NONE
}
