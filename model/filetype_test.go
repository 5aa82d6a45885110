package model

import "testing"

func TestWithoutKeywordDemotesKTextToText(t *testing.T) {
	if got := KText.WithoutKeyword(); got != Text {
		t.Fatalf("KText.WithoutKeyword() = %v, want %v", got, Text)
	}
	if KText.WithoutKeyword().KeywordExpansion() {
		t.Fatal("WithoutKeyword() result still reports KeywordExpansion()")
	}
}

func TestWithoutKeywordPreservesExclusiveModifier(t *testing.T) {
	got := (KText | FileType(modExclusive)).WithoutKeyword()
	if !got.Exclusive() {
		t.Fatal("WithoutKeyword() dropped the exclusive-lock modifier")
	}
	if got.KeywordExpansion() {
		t.Fatal("WithoutKeyword() left keyword expansion on")
	}
}

func TestWithoutKeywordNoopOnPlainTypes(t *testing.T) {
	for _, ft := range []FileType{Text, Binary, Symlink, UText, UTF16} {
		if got := ft.WithoutKeyword(); got != ft {
			t.Fatalf("WithoutKeyword() on %v changed it to %v", ft, got)
		}
	}
}
