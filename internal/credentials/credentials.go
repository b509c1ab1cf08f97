// Package credentials supplies the Google session cookies used to open the
// Gemini web chat. The session layer only ever sees the Source interface, so
// where cookies come from (config literals, a token file, a browser export)
// stays out of the request path.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Cookies carries the two Google session cookies the web chat requires.
type Cookies struct {
	Secure1PSID   string `json:"secure_1psid"`
	Secure1PSIDTS string `json:"secure_1psidts"`
}

// Valid reports whether the mandatory cookie is present.
func (c Cookies) Valid() bool { return c.Secure1PSID != "" }

// Source yields session cookies and accepts refreshed values for
// persistence. Persist is best-effort: the upstream rotates __Secure-1PSIDTS
// periodically and losing a snapshot only costs a re-login later.
type Source interface {
	Cookies(ctx context.Context) (Cookies, error)
	Persist(c Cookies) error
}

// ErrNoCredentials is returned when a source has nothing to offer.
var ErrNoCredentials = errors.New("no gemini web credentials configured")

// StaticSource serves fixed cookie values from configuration.
type StaticSource struct {
	cookies Cookies
}

func NewStaticSource(secure1psid, secure1psidts string) *StaticSource {
	return &StaticSource{cookies: Cookies{Secure1PSID: secure1psid, Secure1PSIDTS: secure1psidts}}
}

func (s *StaticSource) Cookies(_ context.Context) (Cookies, error) {
	if !s.cookies.Valid() {
		return Cookies{}, ErrNoCredentials
	}
	return s.cookies, nil
}

// Persist keeps the rotated TS in memory only; config literals are not
// rewritten.
func (s *StaticSource) Persist(c Cookies) error {
	if c.Secure1PSIDTS != "" {
		s.cookies.Secure1PSIDTS = c.Secure1PSIDTS
	}
	return nil
}

// tokenFile is the on-disk shape of a stored credential.
type tokenFile struct {
	Secure1PSID   string `json:"secure_1psid"`
	Secure1PSIDTS string `json:"secure_1psidts"`
	Type          string `json:"type"`
}

// FileSource reads and writes cookies from a JSON token file, updating the
// file when the upstream rotates the TS cookie.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Cookies(_ context.Context) (Cookies, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Cookies{}, ErrNoCredentials
		}
		return Cookies{}, fmt.Errorf("read token file: %w", err)
	}
	var tf tokenFile
	if err = json.Unmarshal(data, &tf); err != nil {
		return Cookies{}, fmt.Errorf("parse token file: %w", err)
	}
	c := Cookies{Secure1PSID: tf.Secure1PSID, Secure1PSIDTS: tf.Secure1PSIDTS}
	if !c.Valid() {
		return Cookies{}, ErrNoCredentials
	}
	return c, nil
}

func (s *FileSource) Persist(c Cookies) error {
	if !c.Valid() {
		return errors.New("refusing to persist empty credentials")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := f.Close(); errClose != nil {
			log.Errorf("failed to close token file: %v", errClose)
		}
	}()
	return json.NewEncoder(f).Encode(tokenFile{
		Secure1PSID:   c.Secure1PSID,
		Secure1PSIDTS: c.Secure1PSIDTS,
		Type:          "gemini-web",
	})
}

// Chain tries sources in order, remembering which one answered so Persist
// writes back to the same place.
type Chain struct {
	sources []Source
	active  Source
}

func NewChain(sources ...Source) *Chain { return &Chain{sources: sources} }

func (s *Chain) Cookies(ctx context.Context) (Cookies, error) {
	var lastErr error
	for _, src := range s.sources {
		c, err := src.Cookies(ctx)
		if err == nil {
			s.active = src
			return c, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNoCredentials) {
			return Cookies{}, err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoCredentials
	}
	return Cookies{}, lastErr
}

func (s *Chain) Persist(c Cookies) error {
	if s.active == nil {
		return nil
	}
	return s.active.Persist(c)
}
