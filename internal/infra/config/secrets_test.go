package config

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("the-token", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if enc == "the-token" {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if dec != "the-token" {
		t.Errorf("round trip = %q, want the-token", dec)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("secret", "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Fatal("wrong passphrase must fail")
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	for _, bad := range []string{"", "no-separator", "zz:zz", "abcd:ff"} {
		if _, err := DecryptValue(bad, "p"); err == nil {
			t.Errorf("DecryptValue(%q) must fail", bad)
		}
	}
}

func TestEncryptValueSaltedNonces(t *testing.T) {
	a, err := EncryptValue("same", "p")
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptValue("same", "p")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two encryptions of the same value must differ")
	}
}
