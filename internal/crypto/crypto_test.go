package crypto

import "testing"

func TestEncryptDecryptTextRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := DeriveKey("p@ss", "ROOM-C")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	for _, text := range []string{"hello 你好", "", "a", "the quick brown fox jumps over the lazy dog"} {
		ct, iv, err := EncryptText(key, text)
		if err != nil {
			t.Fatalf("encrypt %q: %v", text, err)
		}
		got, err := DecryptText(key, ct, iv)
		if err != nil {
			t.Fatalf("decrypt %q: %v", text, err)
		}
		if got != text {
			t.Errorf("round trip: got %q, want %q", got, text)
		}
	}
}

func TestEncryptDecryptBytesRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := DeriveKey("hunter2", "ALPHA-1")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	buf := make([]byte, 64*1024+1)
	for i := range buf {
		buf[i] = byte(i)
	}

	ct, iv, err := EncryptBytes(key, buf)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptBytes(key, ct, iv)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(got) != len(buf) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(buf))
	}
	for i := range buf {
		if got[i] != buf[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], buf[i])
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	t.Parallel()

	key, _ := DeriveKey("pw", "ROOM")
	_, iv1, _ := EncryptText(key, "same message")
	_, iv2, _ := EncryptText(key, "same message")
	if iv1 == iv2 {
		t.Fatal("expected distinct nonces across calls")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Parallel()

	keyA, _ := DeriveKey("hunter2", "ROOM")
	keyB, _ := DeriveKey("wrongpass", "ROOM")

	ct, iv, err := EncryptText(keyA, "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptText(keyB, ct, iv); err == nil {
		t.Fatal("expected authentication failure under mismatched key")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	t.Parallel()

	key, _ := DeriveKey("hunter2", "ROOM")
	ct, iv, err := EncryptBytes(key, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF
	if _, err := DecryptBytes(key, tampered, iv); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	t.Parallel()

	a := Fingerprint("hunter2")
	b := Fingerprint("hunter2")
	c := Fingerprint("other")
	if a != b {
		t.Fatal("fingerprint should be deterministic for the same passphrase")
	}
	if a == c {
		t.Fatal("fingerprint should differ for different passphrases")
	}
}

func TestDeriveKeyDifferentRoomsDifferentKeys(t *testing.T) {
	t.Parallel()

	k1, _ := DeriveKey("hunter2", "ROOM-A")
	k2, _ := DeriveKey("hunter2", "ROOM-B")
	ct, iv, err := EncryptText(k1, "hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptText(k2, ct, iv); err == nil {
		t.Fatal("expected different rooms to derive different keys")
	}
}
