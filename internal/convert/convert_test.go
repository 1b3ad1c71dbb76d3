package convert

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Resinat/Subgate/internal/format"
	"github.com/Resinat/Subgate/internal/netutil"
)

func newTestIndirector(t *testing.T) *Indirector {
	t.Helper()
	dl := netutil.NewDirectDownloader(
		func() time.Duration { return 2 * time.Second },
		func() string { return "subgate-test" },
	)
	return NewIndirector("s3cret", dl)
}

func TestCallbackToken_StableAndSecretBound(t *testing.T) {
	a := CallbackToken("s3cret")
	b := CallbackToken("s3cret")
	if a != b {
		t.Fatalf("token not stable: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("token length: got %d, want 16", len(a))
	}
	if a == CallbackToken("other") {
		t.Fatal("different secrets produced the same token")
	}
	if CallbackToken("") != CallbackToken(DefaultSecret) {
		t.Fatal("empty secret should use the default secret")
	}
}

func TestIsCallback(t *testing.T) {
	ix := newTestIndirector(t)
	if !ix.IsCallback(url.Values{CallbackTokenParam: {CallbackToken("s3cret")}}) {
		t.Fatal("matching token should be a callback")
	}
	if ix.IsCallback(url.Values{CallbackTokenParam: {"deadbeefdeadbeef"}}) {
		t.Fatal("wrong token should not be a callback")
	}
	if ix.IsCallback(url.Values{}) {
		t.Fatal("missing token should not be a callback")
	}
}

func TestConvert_Base64Direct(t *testing.T) {
	ix := newTestIndirector(t)
	h := make(http.Header)
	h.Set("Subscription-Userinfo", "upload=1; download=2; total=3; expire=4")

	p := ix.Convert(context.Background(), Request{
		Nodes:    "trojan://a@h:1#x\n",
		Format:   format.Base64,
		FileName: "My Sub",
		Header:   h,
	})
	if p.Status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", p.Status)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(p.Body))
	if err != nil {
		t.Fatalf("body not base64: %v", err)
	}
	if string(decoded) != "trojan://a@h:1#x\n" {
		t.Fatalf("decoded body: got %q", decoded)
	}
	if got := p.Header.Get("Content-Disposition"); got != "attachment; filename*=utf-8''My%20Sub" {
		t.Fatalf("content-disposition: got %q", got)
	}
	if got := p.Header.Get("Cache-Control"); got != "no-store, no-cache" {
		t.Fatalf("cache-control: got %q", got)
	}
	if got := p.Header.Get("Subscription-Userinfo"); got == "" {
		t.Fatal("extra headers should be merged")
	}
}

func TestConvert_CallbackShortCircuit(t *testing.T) {
	var hits int
	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer conv.Close()

	ix := newTestIndirector(t)
	p := ix.Convert(context.Background(), Request{
		Nodes:     "vless://u@h:1#n\n",
		Format:    format.Clash,
		Query:     url.Values{CallbackTokenParam: {CallbackToken("s3cret")}},
		Converter: conv.URL,
		Template:  "https://example.com/t.ini",
	})
	if hits != 0 {
		t.Fatalf("converter contacted %d times on callback", hits)
	}
	if p.Status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", p.Status)
	}
	if _, err := base64.StdEncoding.DecodeString(string(p.Body)); err != nil {
		t.Fatalf("callback body not base64: %v", err)
	}
}

func TestConvert_RelaysConverter(t *testing.T) {
	var gotQuery url.Values
	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sub" {
			t.Errorf("converter path: got %q, want /sub", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/x-yaml")
		w.Header().Set("X-Converter", "yes")
		_, _ = w.Write([]byte("proxies: []\n"))
	}))
	defer conv.Close()

	ix := newTestIndirector(t)
	p := ix.Convert(context.Background(), Request{
		Nodes:        "vless://u@h:1#n\n",
		Format:       format.Clash,
		BaseURL:      "https://sub.example.com/",
		CallbackPath: "/abcd",
		Converter:    conv.URL,
		Template:     "https://example.com/t.ini",
		FileName:     "Sub",
	})
	if p.Status != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %q)", p.Status, p.Body)
	}
	if string(p.Body) != "proxies: []\n" {
		t.Fatalf("body: got %q", p.Body)
	}
	if gotQuery.Get("target") != "clash" {
		t.Fatalf("target: got %q, want clash", gotQuery.Get("target"))
	}
	if gotQuery.Get("config") != "https://example.com/t.ini" {
		t.Fatalf("config: got %q", gotQuery.Get("config"))
	}
	cb, err := url.Parse(gotQuery.Get("url"))
	if err != nil {
		t.Fatalf("callback url: %v", err)
	}
	if cb.Host != "sub.example.com" || cb.Path != "/abcd" {
		t.Fatalf("callback url: got %q", cb)
	}
	if cb.Query().Get(CallbackTokenParam) != CallbackToken("s3cret") || cb.Query().Get("target") != "base64" {
		t.Fatalf("callback query: got %q", cb.RawQuery)
	}
	if p.Header.Get("X-Converter") != "yes" {
		t.Fatal("converter headers should be relayed")
	}
	if p.Header.Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Fatalf("content-type: got %q", p.Header.Get("Content-Type"))
	}
}

func TestConvert_SingBoxOmitsTemplate(t *testing.T) {
	var gotQuery url.Values
	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte("{}"))
	}))
	defer conv.Close()

	ix := newTestIndirector(t)
	p := ix.Convert(context.Background(), Request{
		Format:    format.SingBox,
		BaseURL:   "http://127.0.0.1",
		Converter: conv.URL,
		Template:  "https://example.com/t.ini",
	})
	if !p.OK() {
		t.Fatalf("status: got %d", p.Status)
	}
	if _, ok := gotQuery["config"]; ok {
		t.Fatal("singbox request should not carry a template")
	}
}

func TestConvert_ConverterFailureIs502(t *testing.T) {
	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer conv.Close()

	ix := newTestIndirector(t)
	p := ix.Convert(context.Background(), Request{
		Format:    format.SingBox,
		BaseURL:   "http://127.0.0.1",
		Converter: conv.URL,
	})
	if p.Status != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", p.Status)
	}
	if !strings.HasPrefix(string(p.Body), "Error connecting to subconverter: ") {
		t.Fatalf("body: got %q", p.Body)
	}
}

func TestConvert_ConverterUnreachableIs502(t *testing.T) {
	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := conv.URL
	conv.Close()

	ix := newTestIndirector(t)
	p := ix.Convert(context.Background(), Request{
		Format:    format.SingBox,
		BaseURL:   "http://127.0.0.1",
		Converter: addr,
	})
	if p.Status != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", p.Status)
	}
}

func TestConvert_MinimalClashWithoutTemplate(t *testing.T) {
	ix := newTestIndirector(t)
	p := ix.Convert(context.Background(), Request{
		Format:       format.Clash,
		BaseURL:      "https://sub.example.com",
		CallbackPath: "/abcd",
		Converter:    "http://127.0.0.1:1",
	})
	if p.Status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", p.Status)
	}

	var cfg clashConfig
	if err := yaml.Unmarshal(p.Body, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	provider, ok := cfg.ProxyProviders[clashProviderName]
	if !ok {
		t.Fatalf("missing provider: %+v", cfg.ProxyProviders)
	}
	if provider.URL != "https://sub.example.com/abcd?target=base64" {
		t.Fatalf("provider url: got %q", provider.URL)
	}
	if strings.Contains(provider.URL, CallbackTokenParam) {
		t.Fatal("provider url must not carry the callback token")
	}
	if len(cfg.Rules) == 0 || cfg.Rules[len(cfg.Rules)-1] != "MATCH,PROXY" {
		t.Fatalf("rules: got %v", cfg.Rules)
	}
}

func TestConverterURL_DefaultsToHTTPS(t *testing.T) {
	ix := newTestIndirector(t)
	got := ix.converterURL(Request{Format: format.SingBox, Converter: "url.v1.mk/", BaseURL: "http://h"})
	if !strings.HasPrefix(got, "https://url.v1.mk/sub?") {
		t.Fatalf("got %q", got)
	}
}
