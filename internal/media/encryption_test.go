package media

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupEncryption(t *testing.T) {
	dir := t.TempDir()

	ctx, err := SetupEncryption(dir, "job-42", "https://cdn.example.com/keys/")
	if err != nil {
		t.Fatal(err)
	}

	key, err := os.ReadFile(ctx.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 16 {
		t.Errorf("key length = %d, want 16", len(key))
	}
	if filepath.Base(ctx.KeyPath) != "key_job-42.key" {
		t.Errorf("unexpected key file name %q", ctx.KeyPath)
	}

	ivRaw, err := os.ReadFile(ctx.IVPath)
	if err != nil {
		t.Fatal(err)
	}
	iv, err := hex.DecodeString(string(ivRaw))
	if err != nil || len(iv) != 16 {
		t.Errorf("IV file must hold 32 hex chars, got %q", ivRaw)
	}
	if string(ivRaw) != ctx.IVHex {
		t.Error("IV file content disagrees with context")
	}

	info, err := os.ReadFile(ctx.KeyInfoPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(info), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("key-info must have 3 lines, got %d: %q", len(lines), info)
	}
	if lines[0] != "https://cdn.example.com/keys/job-42" {
		t.Errorf("key URI = %q", lines[0])
	}
	if lines[1] != ctx.KeyPath {
		t.Errorf("key path line = %q, want %q", lines[1], ctx.KeyPath)
	}
	if lines[2] != ctx.IVHex {
		t.Errorf("IV line = %q, want %q", lines[2], ctx.IVHex)
	}
}

func TestSetupEncryptionDistinctKeys(t *testing.T) {
	dir := t.TempDir()

	a, err := SetupEncryption(dir, "a", "https://cdn.example.com/keys")
	if err != nil {
		t.Fatal(err)
	}
	b, err := SetupEncryption(dir, "b", "https://cdn.example.com/keys")
	if err != nil {
		t.Fatal(err)
	}

	keyA, _ := os.ReadFile(a.KeyPath)
	keyB, _ := os.ReadFile(b.KeyPath)
	if string(keyA) == string(keyB) {
		t.Error("two jobs received the same key")
	}
	if a.IVHex == b.IVHex {
		t.Error("two jobs received the same IV")
	}
}
