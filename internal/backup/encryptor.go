package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"filippo.io/age"

	"github.com/tis24dev/snapship/internal/logging"
)

// EncryptedSuffix is appended to the archive name when encryption is on.
const EncryptedSuffix = ".age"

// MaxWorkFactor bounds the scrypt work factor accepted when decrypting.
const MaxWorkFactor = 30

// ErrEmptyPassphrase is returned when encryption is requested without a passphrase.
var ErrEmptyPassphrase = errors.New("encryption passphrase is empty")

// Encryptor writes age-encrypted copies of files using a scrypt passphrase
// recipient (ChaCha20-Poly1305 payload).
type Encryptor struct {
	logger     *logging.Logger
	passphrase string
	workFactor int
}

// NewEncryptor creates an encryptor. A workFactor <= 0 keeps age's default.
func NewEncryptor(logger *logging.Logger, passphrase string, workFactor int) *Encryptor {
	return &Encryptor{logger: logger, passphrase: passphrase, workFactor: workFactor}
}

// EncryptFile encrypts src into dst. dst must not exist and is removed on failure.
func (e *Encryptor) EncryptFile(ctx context.Context, src, dst string) (err error) {
	if e.passphrase == "" {
		return &EncryptionError{Op: "encryption", Err: ErrEmptyPassphrase}
	}
	recipient, err := age.NewScryptRecipient(e.passphrase)
	if err != nil {
		return &EncryptionError{Op: "encryption", Err: err}
	}
	if e.workFactor > 0 {
		if e.workFactor > MaxWorkFactor {
			return &EncryptionError{Op: "encryption", Err: fmt.Errorf("work factor %d exceeds %d", e.workFactor, MaxWorkFactor)}
		}
		recipient.SetWorkFactor(e.workFactor)
	}

	in, err := os.Open(src)
	if err != nil {
		return &EncryptionError{Op: "encryption", Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return &StagingError{Path: dst, Err: err}
	}
	defer func() {
		if err != nil {
			out.Close()
			if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				e.logger.Warning("Failed to remove partial encrypted file %s: %v", dst, rmErr)
			}
		}
	}()

	done := logging.DebugStart(e.logger, "encrypt", "%s", src)
	defer func() { done(err) }()

	w, err := age.Encrypt(out, recipient)
	if err != nil {
		return &EncryptionError{Op: "encryption", Err: err}
	}
	if _, err = io.Copy(w, &ctxReader{ctx: ctx, r: in}); err != nil {
		return &EncryptionError{Op: "encryption", Err: err}
	}
	if err = w.Close(); err != nil {
		return &EncryptionError{Op: "encryption", Err: err}
	}
	if err = out.Sync(); err != nil {
		return &StagingError{Path: dst, Err: err}
	}
	if err = out.Close(); err != nil {
		return &StagingError{Path: dst, Err: err}
	}
	return nil
}

// DecryptFile decrypts an age file produced by EncryptFile. A wrong
// passphrase yields an *EncryptionError and no output file.
func DecryptFile(ctx context.Context, src, dst, passphrase string) (err error) {
	if passphrase == "" {
		return &EncryptionError{Op: "decryption", Err: ErrEmptyPassphrase}
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return &EncryptionError{Op: "decryption", Err: err}
	}
	identity.SetMaxWorkFactor(MaxWorkFactor)

	in, err := os.Open(src)
	if err != nil {
		return &EncryptionError{Op: "decryption", Err: err}
	}
	defer in.Close()

	r, err := age.Decrypt(in, identity)
	if err != nil {
		return &EncryptionError{Op: "decryption", Err: err}
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, &ctxReader{ctx: ctx, r: r}); err != nil {
		return &EncryptionError{Op: "decryption", Err: err}
	}
	return out.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
