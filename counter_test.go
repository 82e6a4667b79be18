package powerauth

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func testSeed() []byte {
	return bytes.Repeat([]byte{0x5A}, ctrDataSize)
}

func TestHashCounterAdvance(t *testing.T) {
	ctr, err := newHashCounter(testSeed())
	if err != nil {
		t.Fatalf("newHashCounter: %v", err)
	}
	if ctr.Value != 0 {
		t.Fatalf("fresh counter value = %d, want 0", ctr.Value)
	}
	if !bytes.Equal(ctr.data(), testSeed()) {
		t.Fatal("fresh counter data must equal the seed")
	}

	ctr.advance()
	expected := sha256.Sum256(testSeed())
	if ctr.Value != 1 {
		t.Fatalf("value after advance = %d, want 1", ctr.Value)
	}
	if !bytes.Equal(ctr.data(), expected[:ctrDataSize]) {
		t.Fatal("counter data must be the truncated hash of the previous state")
	}
}

func TestHashCounterSeedLength(t *testing.T) {
	if _, err := newHashCounter([]byte("short")); err == nil {
		t.Fatal("short seed must be rejected")
	}
}

func TestNumericCounterData(t *testing.T) {
	ctr := newNumericCounter()
	ctr.advanceBy(0x0102)
	want := []byte{0, 0, 0, 0, 0, 0, 0x01, 0x02}
	if !bytes.Equal(ctr.data(), want) {
		t.Fatalf("numeric counter data = %x, want %x", ctr.data(), want)
	}
}

func TestDistanceTo(t *testing.T) {
	ctr, _ := newHashCounter(testSeed())
	ctr.advanceBy(5)

	if d, err := ctr.distanceTo(5); err != nil || d != 0 {
		t.Fatalf("equal counters: distance=%d err=%v, want 0,nil", d, err)
	}
	if d, err := ctr.distanceTo(3); err != nil || d != 0 {
		t.Fatalf("server behind: distance=%d err=%v, want 0,nil", d, err)
	}
	if d, err := ctr.distanceTo(9); err != nil || d != 4 {
		t.Fatalf("server ahead: distance=%d err=%v, want 4,nil", d, err)
	}
	if _, err := ctr.distanceTo(5 + counterLookAhead + 1); err == nil {
		t.Fatal("distance beyond the look-ahead window must fail")
	}
}

func TestAdvanceByMatchesRepeatedAdvance(t *testing.T) {
	a, _ := newHashCounter(testSeed())
	b, _ := newHashCounter(testSeed())

	a.advanceBy(7)
	for i := 0; i < 7; i++ {
		b.advance()
	}
	if a.Value != b.Value || !bytes.Equal(a.data(), b.data()) {
		t.Fatal("advanceBy diverged from repeated advance")
	}
}

func TestUpgradeToHashCounter(t *testing.T) {
	ctr := newNumericCounter()
	ctr.advanceBy(42)

	if err := ctr.upgradeToHashCounter(testSeed()); err != nil {
		t.Fatalf("upgradeToHashCounter: %v", err)
	}
	if ctr.Version != ProtocolV3 {
		t.Fatalf("version = %d, want V3", ctr.Version)
	}
	if ctr.Value != 0 {
		t.Fatalf("value = %d, want 0 after upgrade", ctr.Value)
	}
	if !bytes.Equal(ctr.data(), testSeed()) {
		t.Fatal("upgraded counter data must equal the new seed")
	}
	if err := ctr.upgradeToHashCounter(testSeed()); err == nil {
		t.Fatal("double upgrade must fail")
	}
}

func TestCounterClone(t *testing.T) {
	ctr, _ := newHashCounter(testSeed())
	ctr.advanceBy(3)

	copied := ctr.clone()
	copied.advance()
	if ctr.Value != 3 {
		t.Fatal("clone advance leaked into the original")
	}
	if bytes.Equal(ctr.data(), copied.data()) {
		t.Fatal("clone shares counter data with the original")
	}
}
