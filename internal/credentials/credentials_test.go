package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticSource(t *testing.T) {
	s := NewStaticSource("psid-value", "ts-value")
	c, err := s.Cookies(context.Background())
	if err != nil {
		t.Fatalf("Cookies: %v", err)
	}
	if c.Secure1PSID != "psid-value" || c.Secure1PSIDTS != "ts-value" {
		t.Errorf("unexpected cookies: %+v", c)
	}
}

func TestStaticSourceEmpty(t *testing.T) {
	s := NewStaticSource("", "")
	if _, err := s.Cookies(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("got %v, want ErrNoCredentials", err)
	}
}

func TestStaticSourcePersistKeepsRotatedTS(t *testing.T) {
	s := NewStaticSource("psid", "old-ts")
	if err := s.Persist(Cookies{Secure1PSID: "psid", Secure1PSIDTS: "new-ts"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	c, _ := s.Cookies(context.Background())
	if c.Secure1PSIDTS != "new-ts" {
		t.Errorf("rotated TS not kept: %+v", c)
	}
}

func TestFileSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "gemini-web.json")
	s := NewFileSource(path)

	if _, err := s.Cookies(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("missing file: got %v, want ErrNoCredentials", err)
	}

	want := Cookies{Secure1PSID: "psid", Secure1PSIDTS: "ts"}
	if err := s.Persist(want); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got, err := s.Cookies(context.Background())
	if err != nil {
		t.Fatalf("Cookies: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFileSourceRejectsEmptyPersist(t *testing.T) {
	s := NewFileSource(filepath.Join(t.TempDir(), "t.json"))
	if err := s.Persist(Cookies{}); err == nil {
		t.Error("persisting empty credentials should fail")
	}
}

func TestFileSourceMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSource(path).Cookies(context.Background()); err == nil {
		t.Error("malformed token file should fail")
	}
}

func TestChainPrefersFirstSource(t *testing.T) {
	chain := NewChain(
		NewStaticSource("from-config", ""),
		NewFileSource(filepath.Join(t.TempDir(), "unused.json")),
	)
	c, err := chain.Cookies(context.Background())
	if err != nil {
		t.Fatalf("Cookies: %v", err)
	}
	if c.Secure1PSID != "from-config" {
		t.Errorf("got %q", c.Secure1PSID)
	}
}

func TestChainFallsBackAndPersistsToActiveSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json")
	file := NewFileSource(path)
	if err := file.Persist(Cookies{Secure1PSID: "from-file", Secure1PSIDTS: "ts"}); err != nil {
		t.Fatal(err)
	}

	chain := NewChain(NewStaticSource("", ""), file)
	c, err := chain.Cookies(context.Background())
	if err != nil {
		t.Fatalf("Cookies: %v", err)
	}
	if c.Secure1PSID != "from-file" {
		t.Errorf("got %q", c.Secure1PSID)
	}

	// Rotation writes back to the source that answered.
	if err = chain.Persist(Cookies{Secure1PSID: "from-file", Secure1PSIDTS: "rotated"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got, _ := file.Cookies(context.Background())
	if got.Secure1PSIDTS != "rotated" {
		t.Errorf("file not updated: %+v", got)
	}
}

func TestChainAllEmpty(t *testing.T) {
	chain := NewChain(NewStaticSource("", ""), NewFileSource(filepath.Join(t.TempDir(), "nope.json")))
	if _, err := chain.Cookies(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("got %v, want ErrNoCredentials", err)
	}
	// Persist with no active source is a no-op, not a failure.
	if err := chain.Persist(Cookies{Secure1PSID: "x"}); err != nil {
		t.Errorf("Persist: %v", err)
	}
}
