package media

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EncryptionContext holds the per-job AES-128 artifacts. The key, IV and
// key-info descriptor are written under the job's target directory and are
// uploaded with the rest of the output so the playback proxy can serve the
// key under token control.
type EncryptionContext struct {
	KeyPath     string
	IVPath      string
	KeyInfoPath string
	IVHex       string
}

// SetupEncryption generates a random 16-byte key and IV and writes the three
// artifact files the encoder consumes: key_{jobId}.key, iv_{jobId}.txt and
// keyinfo_{jobId}.txt (key URI, local key path, IV, one per line).
func SetupEncryption(targetDir, jobID, keyURIPrefix string) (*EncryptionContext, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ctx := &EncryptionContext{
		KeyPath:     filepath.Join(targetDir, fmt.Sprintf("key_%s.key", jobID)),
		IVPath:      filepath.Join(targetDir, fmt.Sprintf("iv_%s.txt", jobID)),
		KeyInfoPath: filepath.Join(targetDir, fmt.Sprintf("keyinfo_%s.txt", jobID)),
		IVHex:       hex.EncodeToString(iv),
	}

	if err := os.WriteFile(ctx.KeyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.WriteFile(ctx.IVPath, []byte(ctx.IVHex), 0600); err != nil {
		return nil, fmt.Errorf("failed to write IV file: %w", err)
	}

	keyURI := strings.TrimSuffix(keyURIPrefix, "/") + "/" + jobID
	keyInfo := fmt.Sprintf("%s\n%s\n%s\n", keyURI, ctx.KeyPath, ctx.IVHex)
	if err := os.WriteFile(ctx.KeyInfoPath, []byte(keyInfo), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key-info file: %w", err)
	}

	return ctx, nil
}
