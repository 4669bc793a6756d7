// This file is part of backtrace.
//
// backtrace is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// backtrace is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with backtrace.  If not, see <https://www.gnu.org/licenses/>.

package dwarf

// Tag identifies the kind of a Debugging Information Entry.
type Tag uint64

// The subset of DWARF tags the lookup façade needs: unit headers and the
// three DIEs that carry PC ranges and names (spec §4.11).
const (
	TagEntryPoint        Tag = 0x03
	TagInlinedSubroutine Tag = 0x1d
	TagCompileUnit       Tag = 0x11
	TagSubprogram        Tag = 0x2e
	TagSkeletonUnit      Tag = 0x4a
)

// Attribute identifies an attribute name.
type Attribute uint64

// DWARF2-5 attributes referenced by the PC-range collector, line-program
// header, and function/inline collector.
const (
	AttrSibling       Attribute = 0x01
	AttrLocation      Attribute = 0x02
	AttrName          Attribute = 0x03
	AttrStmtList      Attribute = 0x10
	AttrLowpc         Attribute = 0x11
	AttrHighpc        Attribute = 0x12
	AttrLanguage      Attribute = 0x13
	AttrCompDir       Attribute = 0x1b
	AttrConstValue    Attribute = 0x1c
	AttrAbstractOrig  Attribute = 0x31
	AttrSpecification Attribute = 0x47
	AttrRanges        Attribute = 0x55
	AttrCallFile      Attribute = 0x58
	AttrCallLine      Attribute = 0x59
	AttrLinkageName   Attribute = 0x6e
	AttrStrOffsetBase Attribute = 0x72
	AttrAddrBase      Attribute = 0x73
	AttrRnglistsBase  Attribute = 0x74
	AttrMIPSLinkName  Attribute = 0x2007 // DW_AT_MIPS_linkage_name (GNU extension)
)

// Form identifies the byte-level encoding of an attribute value.
type Form uint64

// All DWARF2-5 forms plus the GNU extensions spec §4.7 requires.
const (
	FormAddr         Form = 0x01
	FormBlock2       Form = 0x03
	FormBlock4       Form = 0x04
	FormData2        Form = 0x05
	FormData4        Form = 0x06
	FormData8        Form = 0x07
	FormString       Form = 0x08
	FormBlock        Form = 0x09
	FormBlock1       Form = 0x0a
	FormData1        Form = 0x0b
	FormFlag         Form = 0x0c
	FormSdata        Form = 0x0d
	FormStrp         Form = 0x0e
	FormUdata        Form = 0x0f
	FormRefAddr      Form = 0x10
	FormRef1         Form = 0x11
	FormRef2         Form = 0x12
	FormRef4         Form = 0x13
	FormRef8         Form = 0x14
	FormRefUdata     Form = 0x15
	FormIndirect     Form = 0x16
	FormSecOffset    Form = 0x17
	FormExprloc      Form = 0x18
	FormFlagPresent  Form = 0x19
	FormStrx         Form = 0x1a
	FormAddrx        Form = 0x1b
	FormRefSup4      Form = 0x1c
	FormStrpSup      Form = 0x1d
	FormData16       Form = 0x1e
	FormLineStrp     Form = 0x1f
	FormRefSig8      Form = 0x20
	FormImplicitConst Form = 0x21
	FormLoclistx     Form = 0x22
	FormRnglistx     Form = 0x23
	FormRefSup8      Form = 0x24
	FormStrx1        Form = 0x25
	FormStrx2        Form = 0x26
	FormStrx3        Form = 0x27
	FormStrx4        Form = 0x28
	FormAddrx1       Form = 0x29
	FormAddrx2       Form = 0x2a
	FormAddrx3       Form = 0x2b
	FormAddrx4       Form = 0x2c

	// GNU extensions predating DWARF5 standardisation, still emitted by
	// older toolchains building against a .gnu_debugaltlink file (spec
	// §4.7).
	FormGNURefAlt  Form = 0x1f20
	FormGNUStrpAlt Form = 0x1f21
)
