package authz

import (
	"testing"
	"time"
)

func TestCheckAcceptsCurrentToken(t *testing.T) {
	a := New("secret-token")
	if !a.Check("secret-token") {
		t.Fatal("expected current token to authenticate")
	}
	if a.Check("wrong") {
		t.Fatal("expected wrong token to fail")
	}
}

func TestInsecureModeAlwaysAllows(t *testing.T) {
	a := New("")
	if !a.Insecure() {
		t.Fatal("expected insecure mode with empty token")
	}
	if !a.Check("anything") {
		t.Fatal("expected insecure mode to allow any provided value")
	}
}

func TestRotateForbiddenInInsecureMode(t *testing.T) {
	a := New("")
	if _, err := a.Rotate(); err == nil {
		t.Fatal("expected rotation to fail in insecure mode")
	}
}

func TestRotatedKeyValidDuringGraceWindow(t *testing.T) {
	a := New("old-token")
	fakeNow := time.Now()
	a.now = func() time.Time { return fakeNow }

	res, err := a.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.NewKey == "old-token" {
		t.Fatal("expected a freshly generated key")
	}

	if !a.Check("old-token") {
		t.Fatal("expected old token to still authenticate within grace window")
	}
	if !a.Check(res.NewKey) {
		t.Fatal("expected new token to authenticate")
	}

	fakeNow = fakeNow.Add(6 * time.Minute)
	if a.Check("old-token") {
		t.Fatal("expected old token to stop authenticating after grace window")
	}
	if !a.Check(res.NewKey) {
		t.Fatal("expected new token to still authenticate after grace window")
	}
}

func TestCheckConstantTimeHandlesLengthMismatch(t *testing.T) {
	a := New("a-much-longer-token-value")
	if a.Check("short") {
		t.Fatal("expected length-mismatched token to fail")
	}
}
