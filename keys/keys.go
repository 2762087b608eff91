package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"nnas/logging"
	"nnas/token"
	"os"
	"path/filepath"
	"strings"

	"github.com/logrusorgru/aurora/v3"
	"github.com/sasha-s/go-deadlock"
)

type Kind string

const (
	KindNEX     Kind = "nex"
	KindService Kind = "service"
)

const (
	accessDir      = "access"
	accessKeyFile  = "aes.key"
	privateKeyFile = "private.pem"
	secretFile     = "secret.key"
)

var (
	ErrNotFound    = errors.New("keys: key material not found")
	ErrInvalidName = errors.New("keys: invalid key set name")
	ErrInvalidKey  = errors.New("keys: invalid key material")
)

// Store reads token key material from a directory tree and caches it for the
// life of the process.
type Store struct {
	root string

	mutex     deadlock.RWMutex
	accessKey []byte
	servers   map[string]token.Keys
}

func NewStore(root string) *Store {
	return &Store{
		root:    root,
		servers: map[string]token.Keys{},
	}
}

func (s *Store) Root() string {
	return s.root
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func readHex(path string, wantLen int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}

	decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", ErrInvalidKey, path)
	}

	if wantLen != 0 && len(decoded) != wantLen {
		return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrInvalidKey, path, len(decoded), wantLen)
	}

	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidKey, path)
	}

	return decoded, nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s holds no PEM block", ErrInvalidKey, path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is neither PKCS#1 nor PKCS#8", ErrInvalidKey, path)
	}

	key, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds a %T, not an RSA key", ErrInvalidKey, path, parsedKey)
	}

	return key, nil
}

// AccessTokenKey returns the AES-128 key for OAuth access and refresh tokens.
func (s *Store) AccessTokenKey() ([]byte, error) {
	s.mutex.RLock()
	key := s.accessKey
	s.mutex.RUnlock()
	if key != nil {
		return key, nil
	}

	key, err := readHex(filepath.Join(s.root, accessDir, accessKeyFile), 16)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.accessKey = key
	s.mutex.Unlock()

	logging.Info("KEYS", "Loaded access token key")
	return key, nil
}

// ServerKeys returns the RSA pair and HMAC secret of a NEX game server or an
// NNAS service client.
func (s *Store) ServerKeys(kind Kind, name string) (token.Keys, error) {
	if err := checkName(name); err != nil {
		return token.Keys{}, err
	}

	cacheKey := string(kind) + "/" + name

	s.mutex.RLock()
	keys, ok := s.servers[cacheKey]
	s.mutex.RUnlock()
	if ok {
		return keys, nil
	}

	dir := filepath.Join(s.root, string(kind), name)
	privateKey, err := readPrivateKey(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return token.Keys{}, err
	}

	secret, err := readHex(filepath.Join(dir, secretFile), 0)
	if err != nil {
		return token.Keys{}, err
	}

	keys = token.Keys{
		PublicKey:  &privateKey.PublicKey,
		PrivateKey: privateKey,
		HMACSecret: secret,
	}

	s.mutex.Lock()
	s.servers[cacheKey] = keys
	s.mutex.Unlock()

	logging.Info("KEYS", "Loaded", aurora.Cyan(kind), "keys for", aurora.Cyan(name))
	return keys, nil
}

// TokenKeys resolves the key material for a token type. name is the NEX
// server or service client and is ignored for OAuth tokens.
func (s *Store) TokenKeys(tokenType token.Type, name string) (token.Keys, error) {
	switch tokenType {
	case token.OAuthAccess, token.OAuthRefresh:
		key, err := s.AccessTokenKey()
		if err != nil {
			return token.Keys{}, err
		}
		return token.Keys{AESKey: key}, nil

	case token.NEX:
		return s.ServerKeys(KindNEX, name)

	case token.Service:
		return s.ServerKeys(KindService, name)
	}

	return token.Keys{}, fmt.Errorf("keys: no key material for %s", tokenType)
}

// GenerateAccessKey writes a fresh access token key, failing if one exists.
func (s *Store) GenerateAccessKey(random io.Reader) error {
	key := make([]byte, 16)
	if _, err := io.ReadFull(random, key); err != nil {
		return err
	}

	return writeNew(filepath.Join(s.root, accessDir), accessKeyFile, []byte(hex.EncodeToString(key)+"\n"))
}

// GenerateServerKeys writes a fresh RSA-2048 key and HMAC secret for a NEX
// server or service client, failing if the key set exists.
func (s *Store) GenerateServerKeys(random io.Reader, kind Kind, name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	privateKey, err := rsa.GenerateKey(random, 2048)
	if err != nil {
		return err
	}

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return err
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return err
	}

	dir := filepath.Join(s.root, string(kind), name)
	err = writeNew(dir, privateKeyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	if err != nil {
		return err
	}

	return writeNew(dir, secretFile, []byte(hex.EncodeToString(secret)+"\n"))
}

func writeNew(dir string, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}
