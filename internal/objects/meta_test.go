package objects

import (
	"testing"

	"github.com/foldsync/core/internal/codec"
)

func TestBuilderAssignsDenseStableIndices(t *testing.T) {
	meta := NewBuilder("Room").
		Value("name", codec.KindString, true).
		Set("tags", codec.KindString, true).
		Map("scores", codec.KindString, codec.KindInt32, false).
		Queue("chatq", nil).
		Build()

	if len(meta.Props) != 4 {
		t.Fatalf("expected 4 props, got %d", len(meta.Props))
	}
	for i, p := range meta.Props {
		if p.Index != i {
			t.Fatalf("prop %q: expected index %d, got %d", p.Name, i, p.Index)
		}
	}
	name, ok := meta.ByName("name")
	if !ok || name.Kind != PropValue || name.VType != codec.KindString {
		t.Fatalf("unexpected name prop: %+v ok=%v", name, ok)
	}
}

func TestBuilderPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate property name")
		}
	}()
	NewBuilder("Bad").
		Value("x", codec.KindInt32, false).
		Value("x", codec.KindInt32, false).
		Build()
}

func TestTypeMetaSharedAcrossInstances(t *testing.T) {
	meta := NewBuilder("Shared").Value("v", codec.KindBool, false).Build()
	// Two "instances" both reference the same *TypeMeta pointer.
	a := meta
	b := meta
	if a != b {
		t.Fatal("expected identical *TypeMeta pointer across instances")
	}
}

func TestDefaultHooksOnlyPermitSystem(t *testing.T) {
	h := DefaultHooks{}
	if h.CanSubscribe(Auth{}) {
		t.Fatal("expected unauthenticated CanSubscribe to be false")
	}
	if !h.CanSubscribe(SystemAuth) {
		t.Fatal("expected system CanSubscribe to be true")
	}
}
