package subscription

import (
	"encoding/base64"
	"encoding/json"
	"reflect"
	"testing"
)

var filterNodes = []string{
	"ss://a@h:1#HK%2001",
	"vmess://abc#JP%2002",
	"trojan://p@h:443#US%20Expire%202025",
	"vless://id@h:443#SG%20Premium",
}

func TestFilter_EmptyRulesKeepsAll(t *testing.T) {
	got := Filter(filterNodes, "  \n ")
	if !reflect.DeepEqual(got, filterNodes) {
		t.Fatalf("got %v", got)
	}
}

func TestFilter_BlacklistByNameAndProto(t *testing.T) {
	got := Filter(filterNodes, "expire\nproto:vless")
	want := []string{"ss://a@h:1#HK%2001", "vmess://abc#JP%2002"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFilter_BlacklistCaseInsensitive(t *testing.T) {
	got := Filter(filterNodes, "hk|jp")
	want := []string{"trojan://p@h:443#US%20Expire%202025", "vless://id@h:443#SG%20Premium"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFilter_WhitelistMode(t *testing.T) {
	got := Filter(filterNodes, "KEEP:premium\nkeep:proto:ss\nexpire")
	want := []string{"ss://a@h:1#HK%2001", "vless://id@h:443#SG%20Premium"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFilter_UndecodableNameIsNonMatch(t *testing.T) {
	nodes := []string{"ss://a@h:1#HK%zz", "ss://a@h:1#HK"}
	got := Filter(nodes, "hk")
	if !reflect.DeepEqual(got, []string{"ss://a@h:1#HK%zz"}) {
		t.Fatalf("blacklist: got %v", got)
	}
	got = Filter(nodes, "keep:hk")
	if !reflect.DeepEqual(got, []string{"ss://a@h:1#HK"}) {
		t.Fatalf("whitelist: got %v", got)
	}
}

func TestFilter_VmessNameFromPayload(t *testing.T) {
	doc, _ := json.Marshal(map[string]any{"ps": "Taiwan 01", "add": "h"})
	node := "vmess://" + base64.StdEncoding.EncodeToString(doc)
	got := Filter([]string{node, "ss://a@h:1#HK"}, "taiwan")
	if !reflect.DeepEqual(got, []string{"ss://a@h:1#HK"}) {
		t.Fatalf("got %v", got)
	}
}

func TestFilter_InvalidRegexLeavesListUnfiltered(t *testing.T) {
	got := Filter(filterNodes, "(?<=hk)")
	if !reflect.DeepEqual(got, filterNodes) {
		t.Fatalf("got %v", got)
	}
}
