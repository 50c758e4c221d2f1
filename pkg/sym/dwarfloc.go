package sym

import (
	"bytes"
	"debug/dwarf"

	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-delve/delve/pkg/dwarf/util"
	"github.com/pkg/errors"
)

var (
	errNoMemberLocation   = errors.New("member has no DW_AT_data_member_location")
	errNegativeOffset     = errors.New("negative member offset")
	errUnsupportedLocExpr = errors.New("unsupported member location expression")
)

// memberOffset decodes DW_AT_data_member_location. Constant forms of any
// width are accepted when non-negative; expressions must be a single
// DW_OP_plus_uconst.
func memberOffset(e *dwarf.Entry) (uint64, error) {
	f := e.AttrField(dwarf.AttrDataMemberLoc)
	if f == nil {
		return 0, errNoMemberLocation
	}
	switch v := f.Val.(type) {
	case int64:
		if v < 0 {
			return 0, errors.Wrapf(errNegativeOffset, "%d", v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case []byte:
		return plusUconst(v)
	}
	return 0, errors.Wrapf(errUnsupportedLocExpr, "class %v", f.Class)
}

// plusUconst decodes an expression consisting of exactly one
// DW_OP_plus_uconst and its ULEB128 operand.
func plusUconst(expr []byte) (uint64, error) {
	if len(expr) < 2 || op.Opcode(expr[0]) != op.DW_OP_plus_uconst {
		return 0, errors.Wrapf(errUnsupportedLocExpr, "% x", expr)
	}
	buf := bytes.NewBuffer(expr[1:])
	v, n := util.DecodeULEB128(buf)
	if n == 0 || buf.Len() != 0 {
		return 0, errors.Wrapf(errUnsupportedLocExpr, "% x", expr)
	}
	return v, nil
}

// staticAddress decodes a variable location made of a single DW_OP_addr.
func staticAddress(e *dwarf.Entry, addrSize int) (uint64, bool) {
	expr, ok := e.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(expr) != 1+addrSize || op.Opcode(expr[0]) != op.DW_OP_addr {
		return 0, false
	}
	var addr uint64
	for i := addrSize; i >= 1; i-- {
		addr = addr<<8 | uint64(expr[i])
	}
	return addr, true
}
