package apikey

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/gbp/internal/fsutil"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// ErrNotFound is returned when no key with the given name exists.
var ErrNotFound = errors.New("api key not found")

// ErrExists is returned when creating a key whose name is taken.
var ErrExists = errors.New("api key already exists")

// storedKey is the on-disk form: the key material encrypted, base64 encoded.
type storedKey struct {
	Name     string     `json:"name"`
	Key      string     `json:"key"`
	Created  time.Time  `json:"created"`
	LastUsed *time.Time `json:"last_used,omitempty"`
}

// Store persists API keys to a JSON file, key material encrypted with
// secretbox. All methods are safe for concurrent use within one process.
type Store struct {
	path string
	key  []byte

	mu sync.Mutex
}

// NewStore returns a store backed by the file at path, encrypting with the
// 32-byte key.
func NewStore(path string, key []byte) (*Store, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Store{path: path, key: key}, nil
}

// Create generates, stores and returns a new named key. The cleartext key is
// only ever returned here.
func (s *Store) Create(name string, length int) (types.ApiKey, error) {
	if err := CheckName(name); err != nil {
		return types.ApiKey{}, err
	}
	name = Normalize(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load()
	if err != nil {
		return types.ApiKey{}, err
	}
	if _, ok := keys[name]; ok {
		return types.ApiKey{}, fmt.Errorf("%s: %w", name, ErrExists)
	}

	secret, err := Generate(length)
	if err != nil {
		return types.ApiKey{}, err
	}
	sealed, err := Encrypt(s.key, secret)
	if err != nil {
		return types.ApiKey{}, err
	}

	created := time.Now().UTC()
	keys[name] = storedKey{
		Name:    name,
		Key:     base64.StdEncoding.EncodeToString(sealed),
		Created: created,
	}
	if err := s.save(keys); err != nil {
		return types.ApiKey{}, err
	}
	return types.ApiKey{Name: name, Key: secret, Created: created}, nil
}

// List returns all keys sorted by name, key material omitted.
func (s *Store) List() ([]types.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]types.ApiKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.ApiKey{Name: k.Name, Created: k.Created, LastUsed: k.LastUsed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the named key.
func (s *Store) Delete(name string) error {
	name = Normalize(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := keys[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	delete(keys, name)
	return s.save(keys)
}

// Authenticate checks name and cleartext key, bumping last_used on success.
// Every failure returns ErrUnauthorized.
func (s *Store) Authenticate(name, secret string) error {
	name = Normalize(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load()
	if err != nil {
		return ErrUnauthorized
	}
	stored, ok := keys[name]
	if !ok {
		return ErrUnauthorized
	}
	sealed, err := base64.StdEncoding.DecodeString(stored.Key)
	if err != nil {
		return ErrUnauthorized
	}
	want, err := Decrypt(s.key, sealed)
	if err != nil {
		return ErrUnauthorized
	}
	if subtleCompare(want, secret) {
		now := time.Now().UTC()
		stored.LastUsed = &now
		keys[name] = stored
		if err := s.save(keys); err != nil {
			return ErrUnauthorized
		}
		return nil
	}
	return ErrUnauthorized
}

func (s *Store) load() (map[string]storedKey, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]storedKey{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read api keys: %w", err)
	}
	var list []storedKey
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse api keys: %w", err)
	}
	keys := make(map[string]storedKey, len(list))
	for _, k := range list {
		keys[k.Name] = k
	}
	return keys, nil
}

func (s *Store) save(keys map[string]storedKey) error {
	list := make([]storedKey, 0, len(keys))
	for _, k := range keys {
		list = append(list, k)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	if err := fsutil.Save(bytes.NewReader(data), s.path); err != nil {
		return fmt.Errorf("write api keys: %w", err)
	}
	return nil
}
