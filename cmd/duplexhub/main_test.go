package main

import "testing"

func TestOverridePort(t *testing.T) {
	tests := []struct {
		addr string
		port int
		want string
	}{
		{":8080", 9000, ":9000"},
		{"127.0.0.1:8080", 9000, "127.0.0.1:9000"},
		{"garbage", 9000, ":9000"},
	}
	for _, tt := range tests {
		if got := overridePort(tt.addr, tt.port); got != tt.want {
			t.Errorf("overridePort(%q, %d) = %q, want %q", tt.addr, tt.port, got, tt.want)
		}
	}
}
