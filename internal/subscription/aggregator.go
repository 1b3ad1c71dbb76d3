package subscription

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/nodeuri"
)

// DefaultManualPrefix labels manual nodes when no prefix text is configured.
const DefaultManualPrefix = "Manual"

// PrefixOptions is a fully resolved prefix policy.
type PrefixOptions struct {
	ManualEnabled  bool
	SourcesEnabled bool
	ManualPrefix   string
}

// ResolvePrefix layers the group policy over the settings policy. Unset
// toggles fall back to settings.PrependSourceName, then to true.
func ResolvePrefix(group *model.PrefixPolicy, settings model.Settings) PrefixOptions {
	fallback := true
	if settings.PrependSourceName != nil {
		fallback = *settings.PrependSourceName
	}
	opts := PrefixOptions{
		ManualEnabled:  fallback,
		SourcesEnabled: fallback,
		ManualPrefix:   DefaultManualPrefix,
	}
	for _, layer := range []*model.PrefixPolicy{&settings.Prefix, group} {
		if layer == nil {
			continue
		}
		if layer.ManualEnabled != nil {
			opts.ManualEnabled = *layer.ManualEnabled
		}
		if layer.SourcesEnabled != nil {
			opts.SourcesEnabled = *layer.SourcesEnabled
		}
		if layer.ManualPrefix != "" {
			opts.ManualPrefix = layer.ManualPrefix
		}
	}
	return opts
}

// Request describes one aggregation.
type Request struct {
	// Manual holds inline node literals, emitted before any remote node.
	Manual []string
	// Remote sources are fetched concurrently.
	Remote []model.Source
	Prefix PrefixOptions
	// Synthetic entries are prepended unconditionally.
	Synthetic []string
}

// Aggregator merges manual and remote node lists.
type Aggregator struct {
	Fetcher *Fetcher
	// Concurrency bounds parallel fetches; <= 0 means unbounded.
	Concurrency int
}

// Aggregate returns the merged, deduplicated, newline-terminated node list.
// A failing source contributes its error node and never aborts the others.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) string {
	var merged []string

	for _, literal := range req.Manual {
		for _, node := range NodeLines(literal) {
			if req.Prefix.ManualEnabled {
				node = nodeuri.Rewrite(node, req.Prefix.ManualPrefix)
			}
			merged = append(merged, node)
		}
	}

	results := make([][]string, len(req.Remote))
	var g errgroup.Group
	if a.Concurrency > 0 {
		g.SetLimit(a.Concurrency)
	}
	for i, src := range req.Remote {
		g.Go(func() error {
			results[i] = a.fetchOne(ctx, src, req.Prefix)
			return nil
		})
	}
	_ = g.Wait()
	for _, nodes := range results {
		merged = append(merged, nodes...)
	}

	var b strings.Builder
	for _, entry := range req.Synthetic {
		b.WriteString(entry)
		b.WriteByte('\n')
	}
	if lines := Dedupe(merged); len(lines) > 0 {
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

func (a *Aggregator) fetchOne(ctx context.Context, src model.Source, prefix PrefixOptions) []string {
	res := a.Fetcher.Fetch(ctx, src)
	if !res.OK {
		return []string{res.Text}
	}
	nodes := Filter(NodeLines(res.Text), src.ExcludeRules)
	if prefix.SourcesEnabled && strings.TrimSpace(src.Name) != "" {
		for i, node := range nodes {
			nodes[i] = nodeuri.Rewrite(node, src.Name)
		}
	}
	return nodes
}

// Dedupe drops blank lines and repeated lines, keeping first occurrences.
func Dedupe(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
