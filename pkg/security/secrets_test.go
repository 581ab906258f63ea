package security

import (
	"bytes"
	"testing"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && m == nil {
				t.Error("NewManager() returned nil without error")
			}
		})
	}
}

func TestNewManagerFromPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{name: "valid passphrase", passphrase: "my-shared-secret", wantErr: false},
		{name: "empty passphrase", passphrase: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManagerFromPassphrase(tt.passphrase)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManagerFromPassphrase() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && m == nil {
				t.Error("NewManagerFromPassphrase() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	m, err := NewManager(key)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "json data", plaintext: []byte(`{"username":"admin","password":"secret123"}`)},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := m.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			decrypted, err := m.Decrypt(encoded)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}

			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("Decrypted data does not match original.\nGot:  %v\nWant: %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptErrors(t *testing.T) {
	key := make([]byte, 32)
	m, _ := NewManager(key)

	tests := []struct {
		name      string
		plaintext []byte
		wantErr   bool
	}{
		{name: "empty data", plaintext: []byte{}, wantErr: true},
		{name: "nil data", plaintext: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Encrypt(tt.plaintext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encrypt() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecryptErrors(t *testing.T) {
	key := make([]byte, 32)
	m, _ := NewManager(key)

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "empty string", encoded: "", wantErr: true},
		{name: "invalid base64", encoded: "not-valid-base64!!!", wantErr: true},
		{name: "too short", encoded: "AQI=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Decrypt(tt.encoded)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decrypt() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))
	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	m1, _ := NewManager(key1)
	m2, _ := NewManager(key2)

	encoded, err := m1.Encrypt([]byte("secret data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := m2.Decrypt(encoded); err == nil {
		t.Error("Decrypt() should fail with wrong key")
	}
}

func TestEncryptEnvDecryptEnvRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	m, _ := NewManager(key)

	env := map[string]string{
		"PATH":             "/usr/bin",
		"secret:DB_PASSWD": "hunter2",
	}

	if err := m.EncryptEnv(env); err != nil {
		t.Fatalf("EncryptEnv() error = %v", err)
	}
	if env["PATH"] != "/usr/bin" {
		t.Errorf("non-secret key was mutated: %v", env["PATH"])
	}
	if env["secret:DB_PASSWD"] == "hunter2" {
		t.Error("secret value was not encrypted")
	}

	decrypted, err := m.DecryptEnv(env)
	if err != nil {
		t.Fatalf("DecryptEnv() error = %v", err)
	}
	if decrypted["secret:DB_PASSWD"] != "hunter2" {
		t.Errorf("DecryptEnv() = %v, want hunter2", decrypted["secret:DB_PASSWD"])
	}
	if decrypted["PATH"] != "/usr/bin" {
		t.Errorf("DecryptEnv() mutated non-secret key: %v", decrypted["PATH"])
	}
}
