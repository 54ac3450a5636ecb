package network

import (
	"path/filepath"
	"testing"
	"time"
)

func TestIdentityKeyIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")
	first, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	second, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if !first.Equals(second) {
		t.Fatal("reloaded identity key differs from the persisted one")
	}
}

func TestParseListenAddrs(t *testing.T) {
	addrs, err := parseListenAddrs(nil)
	if err != nil {
		t.Fatalf("default addrs: %v", err)
	}
	if len(addrs) != 1 || addrs[0].String() != "/ip4/0.0.0.0/tcp/0" {
		t.Fatalf("unexpected default listen addrs: %v", addrs)
	}

	addrs, err = parseListenAddrs([]string{"", "/ip4/127.0.0.1/tcp/4001"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(addrs) != 1 || addrs[0].String() != "/ip4/127.0.0.1/tcp/4001" {
		t.Fatalf("unexpected listen addrs: %v", addrs)
	}

	if _, err := parseListenAddrs([]string{"not-a-multiaddr"}); err == nil {
		t.Fatal("expected invalid multiaddr to fail")
	}
}

func TestFlushWait(t *testing.T) {
	now := time.Now()
	grace := 300 * time.Millisecond
	cases := []struct {
		name string
		last time.Time
		want time.Duration
	}{
		{"never published", time.Time{}, 0},
		{"just published", now, grace},
		{"published a while ago", now.Add(-100 * time.Millisecond), 200 * time.Millisecond},
		{"grace elapsed", now.Add(-time.Second), 0},
	}
	for _, tc := range cases {
		if got := flushWait(tc.last, now, grace); got != tc.want {
			t.Fatalf("%s: flushWait = %v, want %v", tc.name, got, tc.want)
		}
	}
}
