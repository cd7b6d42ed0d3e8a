// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindValidation, "dns_upstreams entry must be host:port")
	if err.Error() != "dns_upstreams entry must be host:port" {
		t.Errorf("got %q", err.Error())
	}

	wrapped := Wrapf(err, KindInternal, "loading config %s", "net-relay.toml")
	want := "loading config net-relay.toml: dns_upstreams entry must be host:port"
	if wrapped.Error() != want {
		t.Errorf("got %q, want %q", wrapped.Error(), want)
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindNotFound, "rule not found")
	if GetKind(err) != KindNotFound {
		t.Errorf("expected KindNotFound, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "rule_remove failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("plain error")) != KindUnknown {
		t.Errorf("expected KindUnknown for a non-Error, got %v", GetKind(errors.New("plain error")))
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindValidation, "invalid target port")
	err = Attr(err, "target_host", "example.com")
	err = Attr(err, "target_port", 70000)

	attrs := GetAttributes(err)
	if attrs["target_host"] != "example.com" {
		t.Errorf("expected example.com, got %v", attrs["target_host"])
	}
	if attrs["target_port"] != 70000 {
		t.Errorf("expected 70000, got %v", attrs["target_port"])
	}

	wrapped := Wrap(err, KindInternal, "policy check failed")
	wrapped = Attr(wrapped, "client_ip", "10.0.0.5")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["target_host"] != "example.com" || allAttrs["client_ip"] != "10.0.0.5" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestAttrWrapsPlainError(t *testing.T) {
	plain := errors.New("dial tcp: connection refused")
	wrapped := Attr(plain, "target_host", "example.com")

	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected a plain error to be wrapped as KindInternal, got %v", GetKind(wrapped))
	}
	if GetAttributes(wrapped)["target_host"] != "example.com" {
		t.Errorf("attribute lost when wrapping a plain error")
	}
}

func TestIsAsUnwrapDelegateToStdlib(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := Wrap(sentinel, KindUnavailable, "upstream dial failed")

	if !Is(wrapped, sentinel) {
		t.Error("Is should see through Error.Unwrap to the sentinel")
	}

	var target *Error
	if !As(wrapped, &target) {
		t.Error("As should match the wrapped *Error")
	}

	if Unwrap(wrapped) != sentinel {
		t.Error("Unwrap should return the underlying sentinel error")
	}
}
