package geminiweb

import (
	"path/filepath"
	"testing"
)

func TestConvStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv", "store.bolt")

	data := map[string][]string{
		AccountMetaKey("acct1", "gemini-2.5-flash"): {"cid", "rid", "rcid"},
		AccountMetaKey("acct1", "gemini-2.5-pro"):   {"cid2", "rid2", ""},
	}
	if err := SaveConvStore(path, data); err != nil {
		t.Fatalf("SaveConvStore: %v", err)
	}

	loaded, err := LoadConvStore(path)
	if err != nil {
		t.Fatalf("LoadConvStore: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d entries, want 2", len(loaded))
	}
	got := loaded[AccountMetaKey("acct1", "gemini-2.5-flash")]
	if len(got) != 3 || got[0] != "cid" || got[2] != "rcid" {
		t.Errorf("unexpected metadata: %v", got)
	}
}

func TestSaveConvStoreReplacesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bolt")

	if err := SaveConvStore(path, map[string][]string{"old": {"a"}}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := SaveConvStore(path, map[string][]string{"new": {"b"}}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := LoadConvStore(path)
	if err != nil {
		t.Fatalf("LoadConvStore: %v", err)
	}
	if _, ok := loaded["old"]; ok {
		t.Error("previous snapshot should be gone")
	}
	if got := loaded["new"]; len(got) != 1 || got[0] != "b" {
		t.Errorf("unexpected entry: %v", got)
	}
}

func TestLoadConvStoreEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.bolt")
	loaded, err := LoadConvStore(path)
	if err != nil {
		t.Fatalf("LoadConvStore: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("fresh store should be empty, got %v", loaded)
	}
}

func TestAccountMetaKeyDistinct(t *testing.T) {
	a := AccountMetaKey("acct", "model-a")
	b := AccountMetaKey("acct", "model-b")
	c := AccountMetaKey("other", "model-a")
	if a == b || a == c {
		t.Errorf("keys should be distinct: %q %q %q", a, b, c)
	}
}

func TestSha256HexStable(t *testing.T) {
	if Sha256Hex("x") != Sha256Hex("x") {
		t.Error("hash should be deterministic")
	}
	if len(Sha256Hex("x")) != 64 {
		t.Errorf("got length %d, want 64", len(Sha256Hex("x")))
	}
}

func TestConvStorePathDerivedFromTokenFile(t *testing.T) {
	p := ConvStorePath("/some/dir/gemini-web.json")
	if filepath.Base(p) != "gemini-web.bolt" {
		t.Errorf("got %q", p)
	}
	if filepath.Base(filepath.Dir(p)) != "conv" {
		t.Errorf("store should live under conv/: %q", p)
	}
}
