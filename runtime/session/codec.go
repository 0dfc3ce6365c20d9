package session

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

type (
	// Codec converts sessions to and from stored documents. Decode returns
	// *CorruptError for documents it cannot read.
	Codec interface {
		Encode(s *Session) ([]byte, error)
		Decode(id string, doc []byte) (*Session, error)
	}

	// JSONCodec stores sessions as plain JSON.
	JSONCodec struct{}

	// AESCodec stores sessions as AES-256-GCM encrypted envelopes. Each
	// document uses a fresh salt and nonce; the key is derived from the
	// secret with HKDF-SHA256. The session id is bound as additional data so
	// a document cannot be replayed under another id.
	AESCodec struct {
		secret *memguard.Enclave
	}

	envelope struct {
		Version    int    `json:"v"`
		Algorithm  string `json:"alg"`
		Salt       []byte `json:"salt"`
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}
)

const (
	envelopeVersion   = 1
	envelopeAlgorithm = "A256GCM"
	saltSize          = 16
)

var hkdfInfo = []byte("conductor session document v1")

// Encode implements Codec.
func (JSONCodec) Encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

// Decode implements Codec.
func (JSONCodec) Decode(id string, doc []byte) (*Session, error) {
	return decodePlain(id, doc)
}

// NewAESCodec returns a codec keyed by secret. The secret is moved into a
// memguard enclave and the caller's slice is wiped.
func NewAESCodec(secret []byte) (*AESCodec, error) {
	if len(secret) < 16 {
		return nil, errors.New("session: encryption secret must be at least 16 bytes")
	}
	return &AESCodec{secret: memguard.NewEnclave(secret)}, nil
}

// Encode implements Codec.
func (c *AESCodec) Encode(s *Session) ([]byte, error) {
	cp := *s
	cp.Encrypted = true
	plain, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Version:    envelopeVersion,
		Algorithm:  envelopeAlgorithm,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, []byte(s.ID)),
	})
}

// Decode implements Codec. Plain JSON documents written before encryption
// was enabled are still readable.
func (c *AESCodec) Decode(id string, doc []byte) (*Session, error) {
	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, &CorruptError{ID: id, Cause: err}
	}
	if env.Algorithm == "" {
		return decodePlain(id, doc)
	}
	if env.Version != envelopeVersion || env.Algorithm != envelopeAlgorithm {
		return nil, &CorruptError{ID: id, Cause: fmt.Errorf("unsupported envelope %d/%s", env.Version, env.Algorithm)}
	}
	aead, err := c.aead(env.Salt)
	if err != nil {
		return nil, &CorruptError{ID: id, Cause: err}
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, &CorruptError{ID: id, Cause: errors.New("invalid nonce")}
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(id))
	if err != nil {
		return nil, &CorruptError{ID: id, Cause: fmt.Errorf("decrypt: %w", err)}
	}
	return decodePlain(id, plain)
}

func (c *AESCodec) aead(salt []byte) (cipher.AEAD, error) {
	buf, err := c.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	defer buf.Destroy()
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, buf.Bytes(), salt, hkdfInfo), key); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func decodePlain(id string, doc []byte) (*Session, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	var s Session
	if err := dec.Decode(&s); err != nil {
		return nil, &CorruptError{ID: id, Cause: err}
	}
	if s.ID != id {
		return nil, &CorruptError{ID: id, Cause: fmt.Errorf("document id %q does not match", s.ID)}
	}
	if s.Context == nil {
		s.Context = map[string]json.RawMessage{}
	}
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	return &s, nil
}
