package ratelimit

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

func TestAddressKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		hops       int
		want       string
	}{
		{"remote addr", "192.0.2.10:5123", nil, 0, "ip:192.0.2.10"},
		{"ignores xff without trusted hops", "192.0.2.10:5123", map[string]string{"X-Forwarded-For": "198.51.100.1"}, 0, "ip:192.0.2.10"},
		{"single proxy uses rightmost hop", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.1"}, 1, "ip:198.51.100.1"},
		{"spoofed left hop ignored", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9, 198.51.100.7"}, 1, "ip:198.51.100.7"},
		{"two proxies", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9, 198.51.100.7, 10.0.0.2"}, 2, "ip:198.51.100.7"},
		{"fewer hops than proxies", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7"}, 3, "ip:198.51.100.7"},
		{"x-real-ip not trusted", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.7"}, 1, "ip:10.0.0.1"},
		{"garbage xff falls back", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "not-an-ip"}, 1, "ip:10.0.0.1"},
		{"ipv6 bucketed by /64", "[2001:db8:1:2:3:4:5:6]:443", nil, 0, "ip:2001:db8:1:2::/64"},
		{"ipv4-mapped ipv6", "[::ffff:192.0.2.5]:80", nil, 0, "ip:192.0.2.5"},
		{"unparseable", "pipe", nil, 0, "ip:unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := AddressKey(r, tt.hops); got != tt.want {
				t.Errorf("AddressKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressKey_MultipleHeaderLines(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:80"
	r.Header.Add("X-Forwarded-For", "203.0.113.9")
	r.Header.Add("X-Forwarded-For", "198.51.100.7")

	if got := AddressKey(r, 1); got != "ip:198.51.100.7" {
		t.Errorf("AddressKey() = %q, want ip:198.51.100.7", got)
	}
}

func TestAddressKey_RotatingSpoofedHopsShareOneKey(t *testing.T) {
	l := NewInMemoryLimiter()
	tier := domain.Tier{Name: domain.TierAuth, Window: time.Minute, MaxRequests: 5}

	admitted := 0
	for i := 0; i < 50; i++ {
		r := httptest.NewRequest("POST", "/login", nil)
		r.RemoteAddr = "10.0.0.1:443"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d, 198.51.100.7", i))

		d, err := l.Admit(context.Background(), AddressKey(r, 1), tier)
		if err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
		if d.Allowed {
			admitted++
		}
	}

	if admitted != 5 {
		t.Errorf("admitted = %d, want 5", admitted)
	}
}

func TestUserKey(t *testing.T) {
	if got := UserKey("u_1"); got != "user:u_1" {
		t.Errorf("UserKey() = %q", got)
	}
}
