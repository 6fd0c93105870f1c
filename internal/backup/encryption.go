package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"vwbackup/internal/config"
)

// PGPEncryptor seals artifacts as passphrase-encrypted OpenPGP messages.
// The output is a standard symmetric PGP message: any stock gpg binary can
// recover it with `gpg -d` and the backup passphrase, so restores never
// depend on this tool being available.
type PGPEncryptor struct {
	cipher packet.CipherFunction
}

// NewPGPEncryptor returns an encryptor using AES-256.
func NewPGPEncryptor() *PGPEncryptor {
	return &PGPEncryptor{cipher: packet.CipherAES256}
}

// Extension returns the suffix appended to encrypted artifacts.
func (pe *PGPEncryptor) Extension() string { return EncryptionExtension }

// packetConfig disables inner PGP compression: artifacts are already
// compressed before they reach the encryptor.
func (pe *PGPEncryptor) packetConfig() *packet.Config {
	return &packet.Config{
		DefaultCipher:          pe.cipher,
		DefaultCompressionAlgo: packet.CompressionNone,
	}
}

// Encrypt writes an encrypted copy of src next to it with the .gpg suffix
// and returns its path. The plaintext source is left in place; the caller
// owns intermediate cleanup.
func (pe *PGPEncryptor) Encrypt(src string, secret config.Secret) (string, error) {
	if secret.Empty() {
		return "", NewConfigError("encryption passphrase is empty", nil)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", NewArtifactError("failed to open file for encryption", err).WithContext("source", src)
	}
	defer in.Close()

	dst := src + "." + pe.Extension()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", NewArtifactError("failed to create encrypted file", err).WithContext("target", dst)
	}

	hints := &openpgp.FileHints{FileName: filepath.Base(src)}
	plaintext, err := openpgp.SymmetricallyEncrypt(out, secret.Bytes(), hints, pe.packetConfig())
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", NewArtifactError("failed to start pgp encryption", err).WithContext("target", dst)
	}

	if _, err := io.Copy(plaintext, in); err != nil {
		plaintext.Close()
		out.Close()
		os.Remove(dst)
		return "", NewArtifactError("failed to encrypt file", err).WithContext("source", src)
	}
	if err := plaintext.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", NewArtifactError("failed to finalize pgp message", err).WithContext("target", dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", NewArtifactError("failed to flush encrypted file", err).WithContext("target", dst)
	}

	return dst, nil
}

// Decrypt recovers the plaintext of src into dstDir (the artifact's own
// directory when empty) and returns the plaintext path. The decrypted
// stream is read to the end so the integrity trailer is always checked.
func (pe *PGPEncryptor) Decrypt(src string, secret config.Secret, dstDir string) (string, error) {
	if secret.Empty() {
		return "", NewConfigError("encryption passphrase is empty", nil)
	}

	base := filepath.Base(src)
	inner := strings.TrimSuffix(base, "."+pe.Extension())
	if inner == base {
		return "", NewArtifactError(
			fmt.Sprintf("file %s does not carry the expected .%s suffix", base, pe.Extension()), nil)
	}
	if dstDir == "" {
		dstDir = filepath.Dir(src)
	}
	dst := filepath.Join(dstDir, inner)

	in, err := os.Open(src)
	if err != nil {
		return "", NewArtifactError("failed to open encrypted file", err).WithContext("source", src)
	}
	defer in.Close()

	// The prompt is invoked again after a failed attempt; returning an
	// error the second time stops the retry loop.
	attempted := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if attempted {
			return nil, fmt.Errorf("passphrase rejected")
		}
		attempted = true
		return secret.Bytes(), nil
	}

	md, err := openpgp.ReadMessage(in, nil, prompt, pe.packetConfig())
	if err != nil {
		return "", NewVerificationError("failed to decrypt artifact", err).WithContext("artifact", base)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", NewArtifactError("failed to create decrypted file", err).WithContext("target", dst)
	}

	if _, err := io.Copy(out, md.UnverifiedBody); err != nil {
		out.Close()
		os.Remove(dst)
		return "", NewVerificationError("decrypted stream failed integrity check", err).WithContext("artifact", base)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", NewArtifactError("failed to flush decrypted file", err).WithContext("target", dst)
	}

	return dst, nil
}
