package session

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/townhall-labs/townhall/core"
)

// EncryptedStore persists sessions as age-encrypted JSON files in a
// directory, one file per session. Transcripts are readable only with the
// store's X25519 identity, which makes this backend suitable for resident
// conversations that may contain names, addresses, or incident details.
//
// Sessions are decrypted on first access and cached; every mutation is
// written through to disk. The ciphertext on disk is base64-encoded armor
// over the serialized sessionRecord.
type EncryptedStore struct {
	dir      string
	identity *age.X25519Identity

	mu    sync.Mutex
	cache map[string]*core.Session
}

// GenerateIdentity creates a new age X25519 identity. The returned private
// key string (AGE-SECRET-KEY-1...) must be stored securely; the recipient
// string (age1...) is safe to publish.
func GenerateIdentity() (private string, recipient string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

// NewEncryptedStore opens (or creates) an encrypted session directory using
// the given age private key.
func NewEncryptedStore(dir, privateKey string) (*EncryptedStore, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing age private key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &EncryptedStore{
		dir:      dir,
		identity: identity,
		cache:    make(map[string]*core.Session),
	}, nil
}

// Get returns an existing session or creates one lazily.
func (s *EncryptedStore) Get(sessionID string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = core.NewSession(sessionID)
		if err := s.persistLocked(sess); err != nil {
			return nil, err
		}
		s.cache[sessionID] = sess
	}
	return sess.Clone(), nil
}

// Create forces the creation (or overwriting) of a session with the given id.
func (s *EncryptedStore) Create(sessionID string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := core.NewSession(sessionID)
	if err := s.persistLocked(sess); err != nil {
		return nil, err
	}
	s.cache[sessionID] = sess
	return sess.Clone(), nil
}

// List returns the ids of all stored sessions.
func (s *EncryptedStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".age") {
			continue
		}
		id, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, ".age"))
		if err != nil {
			continue
		}
		ids = append(ids, string(id))
	}
	return ids, nil
}

// Delete removes a session file. Deleting an unknown id is a no-op.
func (s *EncryptedStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, sessionID)
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session file: %w", err)
	}
	return nil
}

// AppendEvent adds an event to the session and rewrites the encrypted file.
func (s *EncryptedStore) AppendEvent(sessionID string, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadOrCreateLocked(sessionID)
	if err != nil {
		return err
	}
	sess.AddEvent(ev)
	return s.persistLocked(sess)
}

// ApplyDelta merges a key/value delta into the session state and rewrites
// the encrypted file.
func (s *EncryptedStore) ApplyDelta(sessionID string, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadOrCreateLocked(sessionID)
	if err != nil {
		return err
	}
	sess.ApplyStateDelta(delta)
	return s.persistLocked(sess)
}

func (s *EncryptedStore) loadOrCreateLocked(sessionID string) (*core.Session, error) {
	sess, err := s.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = core.NewSession(sessionID)
		s.cache[sessionID] = sess
	}
	return sess, nil
}

// loadLocked returns the cached session, decrypting from disk on a cache
// miss. Returns (nil, nil) when no file exists.
func (s *EncryptedStore) loadLocked(sessionID string) (*core.Session, error) {
	if sess, ok := s.cache[sessionID]; ok {
		return sess, nil
	}

	ciphertext, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	plaintext, err := s.decrypt(string(ciphertext))
	if err != nil {
		return nil, err
	}

	sess, err := UnmarshalSession(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	s.cache[sessionID] = sess
	return sess, nil
}

func (s *EncryptedStore) persistLocked(sess *core.Session) error {
	plaintext, err := MarshalSession(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}

	// Write via a temp file so a crash mid-write never truncates a session.
	path := s.path(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(ciphertext), 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

func (s *EncryptedStore) encrypt(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *EncryptedStore) decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting session: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted session: %w", err)
	}
	return plaintext, nil
}

// path maps a session id to its file. The id is base64-encoded so arbitrary
// ids cannot escape the directory.
func (s *EncryptedStore) path(sessionID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(sessionID))
	return filepath.Join(s.dir, name+".age")
}

var _ core.SessionStore = (*EncryptedStore)(nil)
