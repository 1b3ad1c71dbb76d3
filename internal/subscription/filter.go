package subscription

import (
	"log"
	"regexp"
	"strings"

	"github.com/Resinat/Subgate/internal/nodeuri"
)

const (
	keepPrefix  = "keep:"
	protoPrefix = "proto:"
)

// ruleSet is a parsed exclude/keep rule block.
type ruleSet struct {
	whitelist bool
	protos    map[string]struct{}
	names     []string
}

func parseRules(text string) ruleSet {
	var rs ruleSet
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if hasPrefixFold(line, keepPrefix) {
			rs.whitelist = true
		}
	}

	rs.protos = make(map[string]struct{})
	for _, line := range lines {
		if rs.whitelist {
			if !hasPrefixFold(line, keepPrefix) {
				continue
			}
			line = strings.TrimSpace(line[len(keepPrefix):])
		}
		if hasPrefixFold(line, protoPrefix) {
			for _, p := range strings.Split(line[len(protoPrefix):], ",") {
				if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
					rs.protos[p] = struct{}{}
				}
			}
			continue
		}
		if line != "" {
			rs.names = append(rs.names, line)
		}
	}
	return rs
}

// Filter applies a newline-delimited rule block to node lines. Any "keep:"
// rule switches to whitelist mode; otherwise matching nodes are dropped.
// "proto:a,b" rules match the node scheme and the remaining rules form one
// case-insensitive regex over the decoded display name.
func Filter(nodes []string, rules string) []string {
	if strings.TrimSpace(rules) == "" {
		return nodes
	}
	rs := parseRules(rules)

	var nameRe *regexp.Regexp
	if len(rs.names) > 0 {
		re, err := regexp.Compile("(?i)(?:" + strings.Join(rs.names, "|") + ")")
		if err != nil {
			log.Printf("[subscription] invalid filter rules, skipping filter: %v", err)
			return nodes
		}
		nameRe = re
	}

	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if rs.matches(node, nameRe) == rs.whitelist {
			out = append(out, node)
		}
	}
	return out
}

func (rs ruleSet) matches(node string, nameRe *regexp.Regexp) bool {
	if _, ok := rs.protos[nodeuri.Classify(node).Protocol]; ok {
		return true
	}
	if nameRe == nil {
		return false
	}
	name, ok := nodeuri.DisplayName(node)
	if !ok {
		return false
	}
	return nameRe.MatchString(name)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
