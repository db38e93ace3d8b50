package gpg

import (
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// Sentinel errors for signature verification.
var (
	ErrEmptyKey       = errors.New("armored key data cannot be empty")
	ErrNoKeys         = errors.New("no keys in keyring")
	ErrVerifyFailed   = errors.New("signature verification failed")
	ErrFileTooLarge   = errors.New("file exceeds maximum allowed size")
	ErrEmptySignature = errors.New("signature cannot be empty")
	ErrEmptyMessage   = errors.New("message cannot be empty")
)

// maxFileSize bounds how much data is read into memory for verification.
const maxFileSize = 1024 * 1024 * 1024 // 1GB

// KeyRing holds PGP public keys and verifies detached signatures against them.
type KeyRing struct {
	keyRing *crypto.KeyRing
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{}
}

// AddArmoredKey parses an ASCII-armored public key and adds it to the keyring.
func (kr *KeyRing) AddArmoredKey(armored string) error {
	if armored == "" {
		return ErrEmptyKey
	}

	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return fmt.Errorf("failed to parse PGP key: %w", err)
	}

	if kr.keyRing == nil {
		kr.keyRing, err = crypto.NewKeyRing(key)
		if err != nil {
			return fmt.Errorf("failed to create keyring: %w", err)
		}
		return nil
	}

	if err := kr.keyRing.AddKey(key); err != nil {
		return fmt.Errorf("failed to add key to keyring: %w", err)
	}
	return nil
}

// VerifyDetached verifies a detached signature over message using the keys in
// the keyring. The signature may be ASCII-armored or binary.
func (kr *KeyRing) VerifyDetached(message []byte, signature []byte) error {
	if kr.keyRing == nil {
		return ErrNoKeys
	}
	if len(message) == 0 {
		return ErrEmptyMessage
	}
	if len(signature) == 0 {
		return ErrEmptySignature
	}

	plainMessage := crypto.NewPlainMessage(message)

	pgpSignature, err := crypto.NewPGPSignatureFromArmored(string(signature))
	if err != nil {
		// Fall back to binary signature format.
		pgpSignature = crypto.NewPGPSignature(signature)
	}

	if err := kr.keyRing.VerifyDetached(plainMessage, pgpSignature, crypto.GetUnixTime()); err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	return nil
}

// Verifier verifies detached signatures on downloaded files. It satisfies the
// coordinator's SignatureVerifier contract.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyDetachedFile verifies the detached signature at signaturePath over the
// file at targetPath, trusting the armored public key at publicKeyPath.
func (v *Verifier) VerifyDetachedFile(targetPath, signaturePath, publicKeyPath string) error {
	keyData, err := readBounded(publicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}

	keyRing := NewKeyRing()
	if err := keyRing.AddArmoredKey(string(keyData)); err != nil {
		return err
	}

	message, err := readBounded(targetPath)
	if err != nil {
		return fmt.Errorf("failed to read target file: %w", err)
	}

	signature, err := readBounded(signaturePath)
	if err != nil {
		return fmt.Errorf("failed to read signature file: %w", err)
	}

	return keyRing.VerifyDetached(message, signature)
}

func readBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, info.Size())
	}
	return os.ReadFile(path)
}
