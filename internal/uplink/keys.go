// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package uplink

import (
	"crypto/rand"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"grimm.is/ltsagent/internal/errors"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// PublicKey is a Curve25519 public key.
type PublicKey [KeySize]byte

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Public  PublicKey
	Private [KeySize]byte
}

// GenerateKeyPair creates a key pair from r, or crypto/rand when r is nil.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.KindInternal, "generate key pair")
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

var ErrNoServerKey = errors.New(errors.KindProtocol, "no server public key")

// Keys holds the node's key pair and the collector key learned from the
// most recent handshake.
type Keys struct {
	mu        sync.RWMutex
	client    KeyPair
	server    PublicKey
	hasServer bool
}

// NewKeys generates a fresh node key pair.
func NewKeys() (*Keys, error) {
	kp, err := GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	return &Keys{client: kp}, nil
}

// PublicKey returns the node's public key.
func (k *Keys) PublicKey() PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.client.Public
}

// SetServerKey stores the collector's key.
func (k *Keys) SetServerKey(pub PublicKey) {
	k.mu.Lock()
	k.server = pub
	k.hasServer = true
	k.mu.Unlock()
}

// ServerKey returns the stored collector key, if any.
func (k *Keys) ServerKey() (PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.server, k.hasServer
}

// Seal encrypts msg for the collector under a random nonce.
func (k *Keys) Seal(msg []byte) (Submission, error) {
	var sub Submission
	if _, err := io.ReadFull(rand.Reader, sub.Nonce[:]); err != nil {
		return Submission{}, errors.Wrap(err, errors.KindInternal, "generate nonce")
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.hasServer {
		return Submission{}, ErrNoServerKey
	}
	sub.Sealed = box.Seal(nil, msg, &sub.Nonce, (*[KeySize]byte)(&k.server), &k.client.Private)
	return sub, nil
}

// Open decrypts a submission sent by the holder of peer's private key.
func (kp KeyPair) Open(sub Submission, peer PublicKey) ([]byte, error) {
	out, ok := box.Open(nil, sub.Sealed, &sub.Nonce, (*[KeySize]byte)(&peer), &kp.Private)
	if !ok {
		return nil, errors.New(errors.KindProtocol, "submission failed authentication")
	}
	return out, nil
}
