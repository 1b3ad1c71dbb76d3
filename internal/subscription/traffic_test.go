package subscription

import (
	"testing"

	"github.com/Resinat/Subgate/internal/model"
)

func TestParseUserInfo(t *testing.T) {
	info, ok := ParseUserInfo("upload=1024; download=2048; total=1073741824; expire=1767225600")
	if !ok {
		t.Fatal("expected header to parse")
	}
	want := model.TrafficInfo{Upload: 1024, Download: 2048, Total: 1073741824, Expire: 1767225600}
	if info != want {
		t.Fatalf("got %+v, want %+v", info, want)
	}
}

func TestParseUserInfo_FloatsAndJunk(t *testing.T) {
	info, ok := ParseUserInfo("upload=1.5e3;download=abc; total=10 ;foo=1")
	if !ok {
		t.Fatal("expected partial parse")
	}
	if info.Upload != 1500 || info.Download != 0 || info.Total != 10 {
		t.Fatalf("got %+v", info)
	}
	if _, ok := ParseUserInfo("garbage"); ok {
		t.Fatal("garbage should not parse")
	}
}

func TestFormatUserInfo(t *testing.T) {
	got := FormatUserInfo(model.TrafficInfo{Upload: 1, Download: 2, Total: 3})
	if got != "upload=1; download=2; total=3" {
		t.Fatalf("got %q", got)
	}
	got = FormatUserInfo(model.TrafficInfo{Total: 3, Expire: 99})
	if got != "upload=0; download=0; total=3; expire=99" {
		t.Fatalf("got %q", got)
	}
}

func TestSumTraffic(t *testing.T) {
	sum, ok := SumTraffic([]model.Source{
		{Traffic: &model.TrafficInfo{Upload: 1, Download: 2, Total: 10, Expire: 200}},
		{},
		{Traffic: &model.TrafficInfo{Upload: 3, Total: 20, Expire: 100}},
	})
	if !ok {
		t.Fatal("expected traffic")
	}
	want := model.TrafficInfo{Upload: 4, Download: 2, Total: 30, Expire: 100}
	if sum != want {
		t.Fatalf("got %+v, want %+v", sum, want)
	}
	if sum.Remaining() != 24 {
		t.Fatalf("remaining: got %d", sum.Remaining())
	}
}
