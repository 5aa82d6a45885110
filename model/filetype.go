// Package model holds the in-memory representation of a change and its revisions.
// It is pure data: no I/O, no Perforce command execution (spec §2, ChangeModel).
package model

import "strings"

// FileType is a Perforce base filetype, trimmed to the attributes ContentComparator
// and TargetReplayer actually branch on (spec §4.3, §4.5). The numeric layout
// mirrors the storage/client-type bit layout Perforce itself uses, which is why the
// constants look like bit flags rather than a plain enum.
type FileType int

const (
	UnknownType FileType = 0
	Text        FileType = 0x0001 // text
	KText       FileType = 0x0011 // text+k / text+ko (RCS keyword expansion on)
	Binary      FileType = 0x0101 // binary
	Symlink     FileType = 0x0401 // symlink
	UText       FileType = 0x0801 // unicode
	UTF16       FileType = 0x1801 // utf16
)

const (
	modKeyword   = 0x0010
	modExclusive = 0x2000
)

// IsText reports whether the base type is line-oriented text of any kind.
func (t FileType) IsText() bool {
	switch t.base() {
	case Text, KText, UText, UTF16:
		return true
	}
	return false
}

// IsUTF16 reports whether the type is (or carries) utf16 storage.
func (t FileType) IsUTF16() bool {
	return t.base() == UTF16
}

// KeywordExpansion reports whether RCS keywords ($Id$ etc) are expanded on sync.
func (t FileType) KeywordExpansion() bool {
	return t&modKeyword != 0 || t.base() == KText
}

// WithoutKeyword strips RCS keyword expansion, demoting text+k/ktext to
// plain text (or unicode+k to unicode) while leaving other modifiers and
// non-keyword-expanding types alone.
func (t FileType) WithoutKeyword() FileType {
	return t &^ modKeyword
}

// Exclusive reports whether the type carries the +l (exclusive lock) modifier,
// which spec §4.5's filetype-reconciliation step calls out as requiring a
// revert-keep + reopen sequence rather than a plain reopen.
func (t FileType) Exclusive() bool {
	return t&modExclusive != 0
}

func (t FileType) base() FileType {
	return t &^ (modKeyword | modExclusive)
}

// String renders the Perforce filetype syntax, e.g. "text+k", "binary+l".
func (t FileType) String() string {
	var base string
	switch t.base() {
	case Text:
		base = "text"
	case KText:
		base = "text"
	case Binary:
		base = "binary"
	case Symlink:
		base = "symlink"
	case UText:
		base = "unicode"
	case UTF16:
		base = "utf16"
	default:
		base = "text"
	}
	var mods strings.Builder
	if t.KeywordExpansion() && t.base() != KText {
		mods.WriteString("k")
	} else if t.base() == KText {
		mods.WriteString("k")
	}
	if t.Exclusive() {
		mods.WriteString("l")
	}
	if mods.Len() == 0 {
		return base
	}
	return base + "+" + mods.String()
}

// ParseFileType parses Perforce filetype syntax ("text", "text+k", "binary+l", ...).
func ParseFileType(s string) FileType {
	parts := strings.SplitN(s, "+", 2)
	var t FileType
	switch parts[0] {
	case "text", "ctext":
		t = Text
	case "binary", "cbinary", "ubinary":
		t = Binary
	case "symlink":
		t = Symlink
	case "unicode":
		t = UText
	case "utf16":
		t = UTF16
	default:
		t = Text
	}
	if len(parts) == 2 {
		mods := parts[1]
		if strings.ContainsAny(mods, "kmo") {
			if t == Text {
				t = KText
			} else {
				t |= modKeyword
			}
		}
		if strings.Contains(mods, "l") {
			t |= modExclusive
		}
	}
	return t
}
