package testir

import (
	"encoding/json"
	"testing"
)

func buildAdd2() *Function {
	b := NewBuilder("add2")
	blk := b.Block()
	lhs := b.Arg(8)
	rhs := b.Arg(8)
	sum := b.BinOp(blk, BinAdd, lhs, rhs)
	b.Ret(blk, sum)
	return b.Func()
}

func TestBuilderValIDsAreContiguous(t *testing.T) {
	fn := buildAdd2()
	if got := len(fn.Values); got != 3 {
		t.Fatalf("want 3 values (2 args + 1 result), got %d", got)
	}
	for i, v := range fn.Values {
		if int(v.ID) != i {
			t.Errorf("value %d has ID %d, want contiguous from zero", i, v.ID)
		}
	}
}

func TestFunctionIndexIsLazyAndIdempotent(t *testing.T) {
	fn := buildAdd2()
	if fn.blockByID != nil {
		t.Fatal("Builder must not index eagerly")
	}

	fn.index()
	blk := fn.Blocks[0]
	if fn.blockByID[blk.ID] != blk {
		t.Fatal("index did not populate blockByID")
	}

	// A second call must not rebuild the maps from a since-mutated slice.
	extra := &Block{ID: 99}
	fn.Blocks = append(fn.Blocks, extra)
	fn.index()
	if _, ok := fn.blockByID[99]; ok {
		t.Fatal("index ran twice; it must be a no-op once blockByID is set")
	}
}

func TestModuleJSONRoundTrip(t *testing.T) {
	mod := &Module{IRVersion: "1.0.0", Funcs: []*Function{buildAdd2()}}

	data, err := json.Marshal(mod)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Module
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(decoded.Funcs) != 1 {
		t.Fatalf("want 1 function, got %d", len(decoded.Funcs))
	}
	fn := decoded.Funcs[0]
	if fn.Name != "add2" || len(fn.Values) != 3 || len(fn.Blocks) != 1 || len(fn.Insts) != 2 {
		t.Fatalf("decoded function mismatch: %+v", fn)
	}

	// A Function decoded from JSON never went through Builder; index must
	// still work from its exported slices alone.
	fn.index()
	if fn.blockByID[fn.Blocks[0].ID] == nil {
		t.Fatal("index failed on a JSON-decoded Function")
	}
	ad := NewAdaptor(&decoded)
	if !ad.SwitchFunc(0) {
		t.Fatal("SwitchFunc rejected a JSON-decoded function")
	}
	if got := ad.CurHighestValIdx(); got != 2 {
		t.Fatalf("CurHighestValIdx = %d, want 2", got)
	}
}
