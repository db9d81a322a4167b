// SPDX-License-Identifier: MIT

package luaengine

import (
	"encoding/binary"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// gopher-lua has no binary chunk format of its own, so the compile command
// serializes the FunctionProto directly. The format is a private contract
// between the engine and whatever the host does with dump output; it only
// needs to be deterministic for a given chunk.

var dumpMagic = []byte("\x1bLuatt\x01")

const (
	constNil    = 0
	constFalse  = 1
	constTrue   = 2
	constNumber = 3
	constString = 4
)

// dumpProto serializes a compiled function prototype, including its nested
// prototypes, depth first.
func dumpProto(proto *lua.FunctionProto) []byte {
	d := append([]byte(nil), dumpMagic...)
	return dumpOne(d, proto)
}

func dumpOne(d []byte, p *lua.FunctionProto) []byte {
	d = dumpString(d, p.SourceName)
	d = dumpUvarint(d, uint64(p.LineDefined))
	d = dumpUvarint(d, uint64(p.LastLineDefined))
	d = append(d, p.NumUpvalues, p.NumParameters, p.IsVarArg, p.NumUsedRegisters)

	d = dumpUvarint(d, uint64(len(p.Code)))
	for _, ins := range p.Code {
		d = binary.LittleEndian.AppendUint32(d, ins)
	}

	d = dumpUvarint(d, uint64(len(p.Constants)))
	for _, k := range p.Constants {
		switch v := k.(type) {
		case lua.LBool:
			if v {
				d = append(d, constTrue)
			} else {
				d = append(d, constFalse)
			}
		case lua.LNumber:
			d = append(d, constNumber)
			d = binary.LittleEndian.AppendUint64(d, math.Float64bits(float64(v)))
		case lua.LString:
			d = append(d, constString)
			d = dumpString(d, string(v))
		default:
			d = append(d, constNil)
		}
	}

	d = dumpUvarint(d, uint64(len(p.FunctionPrototypes)))
	for _, sub := range p.FunctionPrototypes {
		d = dumpOne(d, sub)
	}
	return d
}

func dumpString(d []byte, s string) []byte {
	d = dumpUvarint(d, uint64(len(s)))
	return append(d, s...)
}

func dumpUvarint(d []byte, v uint64) []byte {
	return binary.AppendUvarint(d, v)
}
