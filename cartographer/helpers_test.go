package cartographer

import (
	"io"
	"net/http"
	"net/netip"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
)

func newTestCache() *cache.Cache {
	return cache.New(time.Minute, time.Minute)
}

func mustAddrPort(s string) netip.AddrPort {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func decodeRequest(t *testing.T, r *http.Request, out any) {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatal(err)
	}
}
