package envelope

import (
	"bytes"
	"testing"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

func TestSealOpenRoundTrip(t *testing.T) {
	kek, _ := crypto.NewKey()
	plain := []byte("every memory its own DEK")

	env, err := Seal(kek, plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(kek, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	kek, _ := crypto.NewKey()
	env, _ := Seal(kek, []byte("persisted"))

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, err := Open(kek, back)
	if err != nil {
		t.Fatalf("Open after unmarshal: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q", got)
	}
}

func TestOpenWrongKEK(t *testing.T) {
	kek, _ := crypto.NewKey()
	other, _ := crypto.NewKey()
	env, _ := Seal(kek, []byte("secret"))

	if _, err := Open(other, env); types.KindOf(err) != types.KindTamperDetected {
		t.Fatalf("expected tamper kind for wrong KEK, got %v", err)
	}
}

func TestReseal(t *testing.T) {
	oldKEK, _ := crypto.NewKey()
	newKEK, _ := crypto.NewKey()
	env, _ := Seal(oldKEK, []byte("survives re-key"))

	moved, err := Reseal(oldKEK, newKEK, env)
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if _, err := Open(oldKEK, moved); err == nil {
		t.Fatal("old KEK must not open the resealed envelope")
	}
	got, err := Open(newKEK, moved)
	if err != nil {
		t.Fatalf("Open with new KEK: %v", err)
	}
	if string(got) != "survives re-key" {
		t.Fatalf("got %q", got)
	}
}

func TestDetachedRoundTrip(t *testing.T) {
	fileKey, _ := crypto.NewKey()
	blob := bytes.Repeat([]byte{0xAB}, 4096)

	ct, keyEnv, err := SealDetached(fileKey, blob)
	if err != nil {
		t.Fatalf("SealDetached: %v", err)
	}
	if bytes.Contains(ct, blob[:64]) {
		t.Fatal("ciphertext must not contain plaintext")
	}
	got, err := OpenDetached(fileKey, keyEnv, ct)
	if err != nil {
		t.Fatalf("OpenDetached: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("detached round trip mismatch")
	}
}

func TestRewrapDetachedLeavesBlobAlone(t *testing.T) {
	oldKey, _ := crypto.NewKey()
	newKey, _ := crypto.NewKey()
	blob := []byte("large archival rendition stays on disk untouched")

	ct, keyEnv, err := SealDetached(oldKey, blob)
	if err != nil {
		t.Fatalf("SealDetached: %v", err)
	}
	rewrapped, err := RewrapDetached(oldKey, newKey, keyEnv)
	if err != nil {
		t.Fatalf("RewrapDetached: %v", err)
	}

	// The same ciphertext opens under the new wrapping key only.
	got, err := OpenDetached(newKey, rewrapped, ct)
	if err != nil {
		t.Fatalf("OpenDetached after rewrap: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("rewrap must preserve the DEK")
	}
	if _, err := OpenDetached(oldKey, rewrapped, ct); err == nil {
		t.Fatal("old key must not unwrap the rewrapped DEK")
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("{not an envelope")); err == nil {
		t.Fatal("garbage must not unmarshal")
	}
}
