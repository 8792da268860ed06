package crypto

import (
	"bytes"
	"errors"
	"testing"
)

var testKey = []byte("01234567890123456789012345678901")

func TestNewEncryptor_KeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewEncryptor(make([]byte, n)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key length %d: err = %v", n, err)
		}
	}
	if _, err := NewEncryptor(testKey); err != nil {
		t.Fatalf("valid key: %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	enc, _ := NewEncryptor(testKey)
	plaintext := []byte("ghp_example_token")

	a, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := enc.Encrypt(plaintext)
	if bytes.Equal(a, b) {
		t.Error("nonces must differ between calls")
	}

	got, err := enc.Decrypt(a)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
}

func TestDecrypt_Failures(t *testing.T) {
	enc, _ := NewEncryptor(testKey)
	other, _ := NewEncryptor([]byte("abcdefghijabcdefghijabcdefghijab"))

	sealed, _ := enc.Encrypt([]byte("secret"))
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key: err = %v", err)
	}
	if _, err := enc.Decrypt([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short input: err = %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := enc.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered: err = %v", err)
	}
}

func TestEncryptJSON(t *testing.T) {
	enc, _ := NewEncryptor(testKey)
	type token struct {
		AccessToken string `json:"access_token"`
	}
	sealed, err := enc.EncryptJSON(token{AccessToken: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	var out token
	if err := enc.DecryptJSON(sealed, &out); err != nil || out.AccessToken != "abc" {
		t.Fatalf("DecryptJSON = %+v, %v", out, err)
	}
}
