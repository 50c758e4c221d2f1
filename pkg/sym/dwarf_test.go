package sym

import (
	"debug/dwarf"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTree is an in-memory dieTree.
type fakeTree struct {
	top     []*dwarf.Entry
	entries map[dwarf.Offset]*dwarf.Entry
	kids    map[dwarf.Offset][]*dwarf.Entry
	err     error
}

func newFakeTree() *fakeTree {
	return &fakeTree{
		entries: make(map[dwarf.Offset]*dwarf.Entry),
		kids:    make(map[dwarf.Offset][]*dwarf.Entry),
	}
}

func (t *fakeTree) topLevel() ([]*dwarf.Entry, error) {
	return t.top, t.err
}

func (t *fakeTree) children(e *dwarf.Entry) ([]*dwarf.Entry, error) {
	return t.kids[e.Offset], nil
}

func (t *fakeTree) entry(off dwarf.Offset) (*dwarf.Entry, error) {
	e, ok := t.entries[off]
	if !ok {
		return nil, fmt.Errorf("no entry at %#x", off)
	}
	return e, nil
}

func (t *fakeTree) add(e *dwarf.Entry, top bool) *dwarf.Entry {
	t.entries[e.Offset] = e
	if top {
		t.top = append(t.top, e)
	}
	return e
}

func (t *fakeTree) addChildren(parent *dwarf.Entry, kids ...*dwarf.Entry) {
	parent.Children = true
	for _, k := range kids {
		t.entries[k.Offset] = k
	}
	t.kids[parent.Offset] = append(t.kids[parent.Offset], kids...)
}

func die(off dwarf.Offset, tag dwarf.Tag, fields ...dwarf.Field) *dwarf.Entry {
	return &dwarf.Entry{Offset: off, Tag: tag, Field: fields}
}

func name(s string) dwarf.Field {
	return dwarf.Field{Attr: dwarf.AttrName, Val: s, Class: dwarf.ClassString}
}

func byteSize(n int64) dwarf.Field {
	return dwarf.Field{Attr: dwarf.AttrByteSize, Val: n, Class: dwarf.ClassConstant}
}

func typeRef(off dwarf.Offset) dwarf.Field {
	return dwarf.Field{Attr: dwarf.AttrType, Val: off, Class: dwarf.ClassReference}
}

func loc(v interface{}) dwarf.Field {
	class := dwarf.ClassConstant
	if _, ok := v.([]byte); ok {
		class = dwarf.ClassExprLoc
	}
	return dwarf.Field{Attr: dwarf.AttrDataMemberLoc, Val: v, Class: class}
}

func declaration() dwarf.Field {
	return dwarf.Field{Attr: dwarf.AttrDeclaration, Val: true, Class: dwarf.ClassFlag}
}

// testStructTree models:
//
//	struct task {            // 0x100, size 64
//		int pid;             // 0
//		long state;          // plus_uconst 8
//		union {              // 16
//			int flags;       // no location
//			struct {         // typedef'd anonymous struct
//				int tgid;    // 4
//			};
//		};
//		int bad;             // -4
//		int multi;           // plus_uconst 4; plus_uconst 4
//		int odd;             // DW_OP_constu 4
//	};
//	typedef struct task task_t;
//	typedef const task_t ctask_t;
func testStructTree() *fakeTree {
	t := newFakeTree()

	t.add(die(0x10, dwarf.TagBaseType, name("int"), byteSize(4)), true)
	// A forward declaration precedes the definition.
	t.add(die(0x20, dwarf.TagStructType, name("task"), declaration()), true)
	t.add(die(0x30, dwarf.TagTypedef, name("fwd_task_t"), typeRef(0x20)), true)

	task := t.add(die(0x100, dwarf.TagStructType, name("task"), byteSize(64)), true)
	union := t.add(die(0x200, dwarf.TagUnionType, byteSize(8)), false)
	inner := t.add(die(0x300, dwarf.TagStructType, byteSize(8)), false)
	t.add(die(0x310, dwarf.TagTypedef, name("inner_t"), typeRef(0x300)), false)

	t.addChildren(task,
		die(0x101, dwarf.TagMember, name("pid"), typeRef(0x10), loc(int64(0))),
		die(0x102, dwarf.TagMember, name("state"), typeRef(0x10), loc([]byte{0x23, 0x08})),
		die(0x103, dwarf.TagMember, typeRef(0x200), loc(int64(16))),
		die(0x104, dwarf.TagMember, name("bad"), typeRef(0x10), loc(int64(-4))),
		die(0x105, dwarf.TagMember, name("multi"), typeRef(0x10), loc([]byte{0x23, 0x04, 0x23, 0x04})),
		die(0x106, dwarf.TagMember, name("odd"), typeRef(0x10), loc([]byte{0x10, 0x04})),
	)
	t.addChildren(union,
		die(0x201, dwarf.TagMember, name("flags"), typeRef(0x10)),
		die(0x202, dwarf.TagMember, typeRef(0x310)),
	)
	t.addChildren(inner,
		die(0x301, dwarf.TagMember, name("tgid"), typeRef(0x10), loc(uint64(4))),
	)

	t.add(die(0x400, dwarf.TagTypedef, name("task_t"), typeRef(0x100)), true)
	t.add(die(0x410, dwarf.TagConstType, typeRef(0x400)), false)
	t.add(die(0x420, dwarf.TagTypedef, name("ctask_t"), typeRef(0x410)), true)
	t.add(die(0x430, dwarf.TagTypedef, name("int_t"), typeRef(0x10)), true)
	return t
}

func newTestDWARFModule(t *testing.T, tree dieTree) *dwarfModule {
	t.Helper()
	m, err := newDWARFModule(zerolog.Nop(), Span{}, tree, newIndexBuilder(0, Span{}).build())
	require.NoError(t, err)
	return m
}

func TestDWARFStructSize(t *testing.T) {
	m := newTestDWARFModule(t, testStructTree())

	tests := []struct {
		name string
		size uint64
		ok   bool
	}{
		{"task", 64, true},
		{"task_t", 64, true},
		{"ctask_t", 64, true},
		{"fwd_task_t", 64, true},
		{"int", 0, false},
		{"int_t", 0, false},
		{"inner_t", 0, false},
		{"no_such_struct", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, ok := m.StructSize(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.size, size)
		})
	}
}

func TestDWARFStructOffset(t *testing.T) {
	m := newTestDWARFModule(t, testStructTree())

	tests := []struct {
		member string
		off    uint64
		ok     bool
	}{
		{"pid", 0, true},
		{"state", 8, true},
		{"flags", 0, true},
		{"tgid", 4, true},
		{"bad", 0, false},
		{"multi", 0, false},
		{"odd", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			off, ok := m.StructOffset("task", tt.member)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.off, off)

			viaTypedef, ok := m.StructOffset("task_t", tt.member)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, off, viaTypedef)
		})
	}

	_, ok := m.StructOffset("no_such_struct", "pid")
	assert.False(t, ok)
}

func TestDWARFStructOffsetIndependentOfMemberOrder(t *testing.T) {
	forward := newFakeTree()
	reversed := newFakeTree()
	members := func() []*dwarf.Entry {
		return []*dwarf.Entry{
			die(0x11, dwarf.TagMember, name("a"), loc(int64(0))),
			die(0x12, dwarf.TagMember, name("b"), loc(int64(8))),
			die(0x13, dwarf.TagMember, name("c"), loc([]byte{0x23, 0x10})),
		}
	}
	forward.addChildren(forward.add(die(0x10, dwarf.TagStructType, name("s"), byteSize(24)), true), members()...)
	kids := members()
	for i, j := 0, len(kids)-1; i < j; i, j = i+1, j-1 {
		kids[i], kids[j] = kids[j], kids[i]
	}
	reversed.addChildren(reversed.add(die(0x10, dwarf.TagStructType, name("s"), byteSize(24)), true), kids...)

	a := newTestDWARFModule(t, forward)
	b := newTestDWARFModule(t, reversed)
	for _, member := range []string{"a", "b", "c"} {
		offA, okA := a.StructOffset("s", member)
		offB, okB := b.StructOffset("s", member)
		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, offA, offB, member)
	}
}

func TestDWARFDirectMemberShadowsAnonymous(t *testing.T) {
	tree := newFakeTree()
	outer := tree.add(die(0x10, dwarf.TagStructType, name("outer"), byteSize(16)), true)
	anon := tree.add(die(0x20, dwarf.TagStructType, byteSize(8)), false)
	tree.addChildren(outer,
		die(0x11, dwarf.TagMember, typeRef(0x20), loc(int64(0))),
		die(0x12, dwarf.TagMember, name("x"), loc(int64(8))),
	)
	tree.addChildren(anon, die(0x21, dwarf.TagMember, name("x"), loc(int64(4))))

	m := newTestDWARFModule(t, tree)
	off, ok := m.StructOffset("outer", "x")
	require.True(t, ok)
	assert.Equal(t, uint64(8), off)
}

func TestDWARFAnonymousDepthLimit(t *testing.T) {
	tree := newFakeTree()
	loop := tree.add(die(0x10, dwarf.TagStructType, name("loop"), byteSize(8)), true)
	tree.addChildren(loop, die(0x11, dwarf.TagMember, typeRef(0x10), loc(int64(0))))

	m := newTestDWARFModule(t, tree)
	_, ok := m.StructOffset("loop", "x")
	assert.False(t, ok)
}

func TestDWARFUnreadableAnonymousBranchIsSkipped(t *testing.T) {
	tests := []struct {
		name   string
		broken dwarf.Offset
	}{
		{"cyclic", 0x10},
		{"dangling", 0x999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newFakeTree()
			outer := tree.add(die(0x10, dwarf.TagStructType, name("outer"), byteSize(16)), true)
			anon := tree.add(die(0x20, dwarf.TagStructType, byteSize(8)), false)
			tree.addChildren(outer,
				die(0x11, dwarf.TagMember, typeRef(tt.broken), loc(int64(0))),
				die(0x12, dwarf.TagMember, typeRef(0x20), loc(int64(8))),
			)
			tree.addChildren(anon, die(0x21, dwarf.TagMember, name("x"), loc(int64(4))))

			m := newTestDWARFModule(t, tree)
			off, ok := m.StructOffset("outer", "x")
			require.True(t, ok)
			assert.Equal(t, uint64(4), off)

			_, ok = m.StructOffset("outer", "y")
			assert.False(t, ok)
		})
	}
}

func TestDWARFFirstDefinitionWins(t *testing.T) {
	tree := newFakeTree()
	tree.add(die(0x10, dwarf.TagStructType, name("dup"), byteSize(8)), true)
	tree.add(die(0x20, dwarf.TagStructType, name("dup"), byteSize(16)), true)

	m := newTestDWARFModule(t, tree)
	size, ok := m.StructSize("dup")
	require.True(t, ok)
	assert.Equal(t, uint64(8), size)
}

func TestDWARFNoStructures(t *testing.T) {
	tree := newFakeTree()
	tree.add(die(0x10, dwarf.TagBaseType, name("int"), byteSize(4)), true)

	_, err := newDWARFModule(zerolog.Nop(), Span{}, tree, newIndexBuilder(0, Span{}).build())
	assert.ErrorIs(t, err, ErrNoStructures)

	failing := newFakeTree()
	failing.err = errors.New("corrupt unit")
	_, err = newDWARFModule(zerolog.Nop(), Span{}, failing, newIndexBuilder(0, Span{}).build())
	assert.EqualError(t, err, "corrupt unit")
}

func TestDWARFConcurrentQueries(t *testing.T) {
	m := newTestDWARFModule(t, testStructTree())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				off, ok := m.StructOffset("task_t", "tgid")
				assert.True(t, ok)
				assert.Equal(t, uint64(4), off)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
