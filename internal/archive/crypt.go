package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// The file format matches `openssl enc -aes-256-cbc -salt -pbkdf2 -md sha256`:
// "Salted__", an 8-byte salt, then PKCS#7-padded CBC ciphertext. Key and IV
// are the first 32 and next 16 bytes of PBKDF2-SHA256(passphrase, salt).
const (
	saltMagic        = "Salted__"
	saltSize         = 8
	pbkdf2Iterations = 10000
	chunkSize        = 64 * 1024
)

var (
	// ErrNoKey is returned when encryption is requested without a passphrase.
	ErrNoKey = errors.New("encryption key is empty")

	// ErrBadCiphertext is returned for truncated input or a wrong passphrase.
	ErrBadCiphertext = errors.New("ciphertext is malformed or the key is wrong")
)

// EncryptFile encrypts src into dst. A partial dst is removed on failure.
func EncryptFile(src, dst, passphrase string) (err error) {
	if passphrase == "" {
		return ErrNoKey
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	mode, err := newMode(passphrase, salt, true)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
		}
	}()

	if _, err = out.Write(append([]byte(saltMagic), salt...)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		if readErr == nil {
			mode.CryptBlocks(buf[:n], buf[:n])
			if _, err = out.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write ciphertext: %w", err)
			}
			continue
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			last := pkcs7Pad(buf[:n])
			mode.CryptBlocks(last, last)
			if _, err = out.Write(last); err != nil {
				return fmt.Errorf("failed to write ciphertext: %w", err)
			}
			break
		}
		err = fmt.Errorf("failed to read %s: %w", src, readErr)
		return err
	}

	if err = out.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

// DecryptFile reverses EncryptFile. A partial dst is removed on failure.
func DecryptFile(src, dst, passphrase string) (err error) {
	if passphrase == "" {
		return ErrNoKey
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	header := make([]byte, len(saltMagic)+saltSize)
	if _, err := io.ReadFull(in, header); err != nil {
		return ErrBadCiphertext
	}
	if !bytes.Equal(header[:len(saltMagic)], []byte(saltMagic)) {
		return ErrBadCiphertext
	}
	mode, err := newMode(passphrase, header[len(saltMagic):], false)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
		}
	}()

	// the last block carries the padding, so one decrypted chunk is held back
	var held []byte
	buf := make([]byte, chunkSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				err = ErrBadCiphertext
				return err
			}
			if held != nil {
				if _, err = out.Write(held); err != nil {
					return fmt.Errorf("failed to write plaintext: %w", err)
				}
			}
			held = make([]byte, n)
			mode.CryptBlocks(held, buf[:n])
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		err = fmt.Errorf("failed to read %s: %w", src, readErr)
		return err
	}

	if held == nil {
		err = ErrBadCiphertext
		return err
	}
	plain, err := pkcs7Unpad(held)
	if err != nil {
		return err
	}
	if _, err = out.Write(plain); err != nil {
		return fmt.Errorf("failed to write plaintext: %w", err)
	}
	return out.Close()
}

func newMode(passphrase string, salt []byte, encrypt bool) (cipher.BlockMode, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32+aes.BlockSize, sha256.New)
	block, err := aes.NewCipher(derived[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := derived[32:]
	if encrypt {
		return cipher.NewCBCEncrypter(block, iv), nil
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

func pkcs7Pad(b []byte) []byte {
	pad := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, ErrBadCiphertext
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, ErrBadCiphertext
		}
	}
	return b[:len(b)-pad], nil
}
