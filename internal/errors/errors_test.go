// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindConstruction, "address family mismatch")
	if err.Error() != "address family mismatch" {
		t.Errorf("expected 'address family mismatch', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to add connection")
	if wrapped.Error() != "failed to add connection: address family mismatch" {
		t.Errorf("unexpected message '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindNotFound, "unknown id")
	if GetKind(err) != KindNotFound {
		t.Errorf("expected KindNotFound, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindExhausted, "failed")
	if GetKind(wrapped) != KindExhausted {
		t.Errorf("expected KindExhausted, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
	if IsKind(nil, KindUnknown) {
		t.Error("nil error must not match any kind")
	}
}

func TestSentinelMatching(t *testing.T) {
	sentinel := New(KindUnsupported, "protocol not supported")
	wrapped := fmt.Errorf("handling event: %w", Attr(New(KindUnsupported, "protocol not supported"), "protocol", 1))

	if !Is(wrapped, sentinel) {
		t.Error("expected wrapped error to match sentinel")
	}
	if Is(wrapped, New(KindNotFound, "protocol not supported")) {
		t.Error("kind must be part of the match")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindNotFound, "unknown id")
	err = Attr(err, "id", uint64(7))

	wrapped := Wrap(err, KindInternal, "verdict")
	wrapped = Attr(wrapped, "verdict", "Accept")

	attrs := GetAttributes(wrapped)
	if attrs["id"] != uint64(7) || attrs["verdict"] != "Accept" {
		t.Errorf("missing attributes: %v", attrs)
	}

	plain := Attr(errors.New("boom"), "k", "v")
	if GetKind(plain) != KindInternal {
		t.Errorf("expected KindInternal for wrapped std error, got %v", GetKind(plain))
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindConstruction: "construction",
		KindExhausted:    "exhausted",
		KindUnsupported:  "unsupported",
		Kind(99):         "unknown",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), k.String(), want)
		}
	}
}
