package conn

import (
	"errors"
	"strings"
	"testing"

	"github.com/kstaniek/gnet-engine/internal/gnerr"
)

func TestEncodeDecodeCRPRoundTrip(t *testing.T) {
	crp := CRP{
		Version:             Version{Major: 1, Minor: 2, Build: 300},
		GameName:            "asteroids",
		UserVersion:         7,
		UnreliableRequested: true,
		AdvertisedMaxInRate: 4096,
	}
	buf, err := EncodeCRP(crp)
	if err != nil {
		t.Fatalf("EncodeCRP: %v", err)
	}
	if len(buf) != crpSize+crpRateSize {
		t.Fatalf("encoded CRP len = %d, want %d", len(buf), crpSize+crpRateSize)
	}
	got, err := DecodeCRP(buf)
	if err != nil {
		t.Fatalf("DecodeCRP: %v", err)
	}
	if got != crp {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, crp)
	}
}

func TestEncodeCRPRejectsLongGameName(t *testing.T) {
	_, err := EncodeCRP(CRP{GameName: strings.Repeat("x", gameNameField)})
	if err == nil {
		t.Fatal("expected error for over-long game name")
	}
}

func TestEncodeCRPRejectsEmbeddedNUL(t *testing.T) {
	_, err := EncodeCRP(CRP{GameName: "bad\x00name"})
	if err == nil {
		t.Fatal("expected error for embedded NUL")
	}
}

func TestDecodeCRPRejectsBadMagicAndLength(t *testing.T) {
	buf := make([]byte, crpSize+crpRateSize)
	copy(buf, "XXXX")
	if _, err := DecodeCRP(buf); err == nil {
		t.Fatal("expected bad-magic error")
	}
	if _, err := DecodeCRP(buf[:10]); err == nil {
		t.Fatal("expected short-buffer error")
	}
}

func TestEncodeDecodeCAPAcceptRoundTrip(t *testing.T) {
	cap := CAP{
		Version:             Version{Major: 2, Minor: 1},
		Accept:              true,
		AdvertisedMaxInRate: 8192,
		UnreliablePort:      5000,
	}
	buf := EncodeCAP(cap)
	if len(buf) != capSize {
		t.Fatalf("encoded CAP len = %d, want %d", len(buf), capSize)
	}
	got, err := DecodeCAP(buf)
	if err != nil {
		t.Fatalf("DecodeCAP: %v", err)
	}
	if got != cap {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cap)
	}
}

func TestEncodeDecodeCAPRefusalIsZeroPaddedAndFixedSize(t *testing.T) {
	cap := CAP{Version: Version{Major: 1, Minor: 0}, Accept: false}
	buf := EncodeCAP(cap)
	if len(buf) != capSize {
		t.Fatalf("refusal CAP len = %d, want %d", len(buf), capSize)
	}
	for i := capSize / 2; i < capSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %d, want 0 on a refusal CAP", i, buf[i])
		}
	}
	got, err := DecodeCAP(buf)
	if err != nil {
		t.Fatalf("DecodeCAP: %v", err)
	}
	if got.Accept {
		t.Fatal("decoded Accept = true, want false")
	}
	if got.UnreliablePort != -1 {
		t.Fatalf("refusal UnreliablePort = %d, want -1", got.UnreliablePort)
	}
	if got.Version != cap.Version {
		t.Fatalf("refusal version = %+v, want %+v", got.Version, cap.Version)
	}
}

func TestClassifyVersion(t *testing.T) {
	local := Version{Major: 1, Minor: 2}
	cases := []struct {
		name string
		peer Version
		want gnerr.Kind
	}{
		{"exact match", Version{Major: 1, Minor: 2}, gnerr.NoError},
		{"peer older minor", Version{Major: 1, Minor: 0}, gnerr.NoError},
		{"peer newer minor", Version{Major: 1, Minor: 3}, gnerr.GNETheirVersionHigh},
		{"peer older major", Version{Major: 0, Minor: 9}, gnerr.GNETheirVersionLow},
		{"peer newer major", Version{Major: 2, Minor: 0}, gnerr.GNETheirVersionHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyVersion(local, tc.peer); got != tc.want {
				t.Fatalf("classifyVersion(%+v, %+v) = %v, want %v", local, tc.peer, got, tc.want)
			}
		})
	}
}

func TestValidateCRPPriority(t *testing.T) {
	local := Identity{Version: Version{Major: 1, Minor: 0}, GameName: "pong", UserVersion: 5}

	t.Run("wrong game wins over version mismatch", func(t *testing.T) {
		crp := CRP{Version: Version{Major: 9, Minor: 0}, GameName: "other", UserVersion: 5}
		if k := validateCRP(local, crp); k != gnerr.WrongGame {
			t.Fatalf("got %v, want WrongGame", k)
		}
	})

	t.Run("version mismatch wins over user version", func(t *testing.T) {
		crp := CRP{Version: Version{Major: 2, Minor: 0}, GameName: "pong", UserVersion: 1}
		if k := validateCRP(local, crp); k != gnerr.GNETheirVersionHigh {
			t.Fatalf("got %v, want GNETheirVersionHigh", k)
		}
	})

	t.Run("user version mismatch reported when only it differs", func(t *testing.T) {
		crp := CRP{Version: Version{Major: 1, Minor: 0}, GameName: "pong", UserVersion: 1}
		if k := validateCRP(local, crp); k != gnerr.UserVersionMismatch {
			t.Fatalf("got %v, want UserVersionMismatch", k)
		}
	})

	t.Run("zero local user version disables the check", func(t *testing.T) {
		noCheck := Identity{Version: Version{Major: 1, Minor: 0}, GameName: "pong", UserVersion: 0}
		crp := CRP{Version: Version{Major: 1, Minor: 0}, GameName: "pong", UserVersion: 99}
		if k := validateCRP(noCheck, crp); k != gnerr.NoError {
			t.Fatalf("got %v, want NoError", k)
		}
	})

	t.Run("matching CRP is accepted", func(t *testing.T) {
		crp := CRP{Version: Version{Major: 1, Minor: 0}, GameName: "pong", UserVersion: 5}
		if k := validateCRP(local, crp); k != gnerr.NoError {
			t.Fatalf("got %v, want NoError", k)
		}
	})
}

func TestDecodeCAPRejectsBadMagicAndLength(t *testing.T) {
	buf := make([]byte, capSize)
	copy(buf, "XXXX")
	if _, err := DecodeCAP(buf); err == nil {
		t.Fatal("expected bad-magic error")
	}
	if _, err := DecodeCAP(buf[:5]); err == nil {
		t.Fatal("expected short-buffer error")
	}
	var perr *gnerr.Error
	_, err := DecodeCAP(buf[:5])
	if !errors.As(err, &perr) {
		t.Fatalf("expected *gnerr.Error, got %T", err)
	}
}
