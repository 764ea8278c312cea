package u128

import (
	"bytes"
	"math/big"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	values := []string{
		"0",
		"1",
		"100",
		"1000000000000000000000000",
		"340282366920938463463374607431768211455", // 2^128 - 1
	}
	for _, s := range values {
		v, err := FromString(s)
		if err != nil {
			t.Fatalf("FromString(%s): %v", s, err)
		}
		blob, err := ToLE(v)
		if err != nil {
			t.Fatalf("ToLE(%s): %v", s, err)
		}
		if len(blob) != Size {
			t.Fatalf("blob length %d, want %d", len(blob), Size)
		}
		back, err := FromLE(blob)
		if err != nil {
			t.Fatalf("FromLE: %v", err)
		}
		if back.Cmp(v) != 0 {
			t.Fatalf("round trip mismatch: %s != %s", back, v)
		}
	}
}

func TestLittleEndianLayout(t *testing.T) {
	blob, err := ToLE(big.NewInt(0x0102))
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, Size)
	want[0] = 0x02
	want[1] = 0x01
	if !bytes.Equal(blob, want) {
		t.Fatalf("layout mismatch: %x", blob)
	}
}

func TestOutOfRange(t *testing.T) {
	over := new(big.Int).Lsh(big.NewInt(1), 128)
	if _, err := ToLE(over); err == nil {
		t.Fatal("expected error for 2^128")
	}
	if _, err := ToLE(big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative value")
	}
	if _, err := FromString("340282366920938463463374607431768211456"); err == nil {
		t.Fatal("expected error for 2^128 string")
	}
	if _, err := FromString("not-a-number"); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func TestFromLEWrongWidth(t *testing.T) {
	if _, err := FromLE(make([]byte, 15)); err == nil {
		t.Fatal("expected error for short blob")
	}
	if _, err := FromLE(make([]byte, 17)); err == nil {
		t.Fatal("expected error for long blob")
	}
}

func TestAddOverflow(t *testing.T) {
	sum, err := Add(big.NewInt(40), big.NewInt(2))
	if err != nil || sum.Int64() != 42 {
		t.Fatalf("Add: %v %v", sum, err)
	}
	if _, err := Add(Max(), big.NewInt(1)); err == nil {
		t.Fatal("expected overflow error")
	}
}
