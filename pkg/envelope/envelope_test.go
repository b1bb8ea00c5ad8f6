package envelope

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

var (
	testKey = []byte(DemoKey)
	testIV  = []byte(DemoIV)
)

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte(`{"id":"0x123","name":"EngineData","signals":{"EngineSpeed":3000}}`)

	e, err := Seal(plaintext, testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}
	if e.IV != hex.EncodeToString(testIV) {
		t.Errorf("IV = %s, want %s", e.IV, hex.EncodeToString(testIV))
	}

	encoded, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	opened, err := Open(encoded, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %s, want %s", opened, plaintext)
	}
}

func TestSealRandomIV(t *testing.T) {
	plaintext := []byte("payload")
	a, err := Seal(plaintext, testKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Seal(plaintext, testKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.IV == b.IV {
		t.Error("two random-IV seals produced the same iv")
	}
	for _, e := range []*Envelope{a, b} {
		opened, err := e.Open(testKey)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("Open() = %q, want %q", opened, plaintext)
		}
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	e, err := Seal([]byte("frame"), testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}

	// Flip one ciphertext byte; the hash no longer matches.
	raw, err := e.Ciphertext()
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xFF
	e.Data = hex.EncodeToString(raw)

	if _, err := e.Open(testKey); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Open() error = %v, want ErrIntegrity", err)
	}
}

func TestOpenWrongKey(t *testing.T) {
	e, err := Seal([]byte("frame"), testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Open([]byte("0000000000000000"))
	if !errors.Is(err, ErrPadding) {
		t.Errorf("Open() with wrong key = %v, want ErrPadding", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{`},
		{"missing hash", `{"data":"00","iv":"00"}`},
		{"missing data", `{"hash":"00","iv":"00"}`},
		{"missing iv", `{"data":"00","hash":"00"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestOpenMalformedFields(t *testing.T) {
	good, err := Seal([]byte("frame"), testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("bad data hex", func(t *testing.T) {
		e := *good
		e.Data = "zz"
		if _, err := e.Open(testKey); err == nil {
			t.Error("want error")
		}
	})
	t.Run("truncated ciphertext", func(t *testing.T) {
		e := *good
		e.Data = good.Data[:len(good.Data)-2]
		if _, err := e.Open(testKey); err == nil {
			t.Error("want error")
		}
	})
	t.Run("short iv", func(t *testing.T) {
		e := *good
		e.IV = "abcd"
		if _, err := e.Open(testKey); err == nil {
			t.Error("want error")
		}
	})
	t.Run("bad key size", func(t *testing.T) {
		if _, err := good.Open([]byte("short")); err == nil {
			t.Error("want error")
		}
	})
}

func TestDetect(t *testing.T) {
	e, err := Seal([]byte("frame"), testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}
	encoded, _ := e.Encode()

	tests := []struct {
		name string
		raw  []byte
		want bool
	}{
		{"envelope", encoded, true},
		{"plain frame", []byte(`{"id":"0x123","name":"EngineData","signals":{"Speed":10}}`), false},
		{"not json", []byte("hello"), false},
		{"partial fields", []byte(`{"data":"00","hash":"00"}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.raw); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnpadValidation(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not block multiple", make([]byte, 7)},
		{"zero pad byte", append(bytes.Repeat([]byte{1}, 15), 0)},
		{"pad byte too large", append(bytes.Repeat([]byte{1}, 15), 17)},
		{"inconsistent padding", append(bytes.Repeat([]byte{1}, 14), 9, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := unpad(tt.in, 16); !errors.Is(err, ErrPadding) {
				t.Errorf("unpad() error = %v, want ErrPadding", err)
			}
		})
	}

	padded := pad([]byte(strings.Repeat("x", 16)), 16)
	if len(padded) != 32 {
		t.Fatalf("pad() of exact block = %d bytes, want 32", len(padded))
	}
	out, err := unpad(padded, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 16 {
		t.Errorf("unpad() = %d bytes, want 16", len(out))
	}
}
