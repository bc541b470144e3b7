package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/durable"
)

// FinalizeInput names the audience and the device-ID sources to snapshot.
type FinalizeInput struct {
	AudienceID string   `json:"audience_id"`
	Sources    []string `json:"sources"`
}

// FinalizeOutput describes the finished snapshot.
type FinalizeOutput struct {
	Prefix string   `json:"prefix"`
	Files  []string `json:"files"`
	Count  int64    `json:"count"`
}

// Finalize writes the canonical snapshot: sources grouped into at most
// FinalizeBatch shard activities, shard rows counted in capped parallel
// groups, and the total persisted to the catalog.
func (o *Orchestrators) Finalize(ctx *durable.Context, raw json.RawMessage) (any, error) {
	var in FinalizeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode finalize input: %w", err)
	}

	prefix := audience.SnapshotPrefix(in.AudienceID) + audience.SnapshotDirName(ctx.CurrentUTC()) + "/"
	batches := batchSources(in.Sources, o.cfg.FinalizeBatch)

	outs, err := windowedTaskAll[finalizeBatchOutput](len(batches), o.cfg.FinalizeBatch, func(n int) *durable.Task {
		return ctx.StartActivityWithRetry(ActivityFinalizeBatch, durable.NetworkRetry, finalizeBatchInput{
			Sources:   batches[n],
			OutputKey: fmt.Sprintf("%s%d.csv", prefix, n),
		})
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(outs))
	for i, out := range outs {
		keys[i] = out.Key
	}

	// Shards may share devices, so the canonical count comes from a distinct
	// query over the whole snapshot, chunked to cap concurrency.
	groups := batchSources(keys, o.cfg.CountFanout)
	counts, err := windowedTaskAll[int64](len(groups), o.cfg.CountFanout, func(i int) *durable.Task {
		return ctx.StartActivityWithRetry(ActivityCountRows, durable.ReadRetry, groups[i])
	})
	if err != nil {
		return nil, err
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	if err := ctx.CallActivityWithRetry(ActivitySaveCount, durable.NetworkRetry, saveCountInput{
		AudienceID: in.AudienceID,
		Count:      total,
	}, nil); err != nil {
		return nil, err
	}

	return FinalizeOutput{Prefix: prefix, Files: keys, Count: total}, nil
}

// batchSources splits items into at most max contiguous groups. With max or
// fewer items each gets its own group; beyond that the remainder spreads one
// extra item over the leading groups.
func batchSources(items []string, max int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if max <= 0 || len(items) <= max {
		groups := make([][]string, len(items))
		for i, item := range items {
			groups[i] = []string{item}
		}
		return groups
	}

	base := len(items) / max
	extra := len(items) % max

	groups := make([][]string, 0, max)
	next := 0
	for n := 0; n < max; n++ {
		size := base
		if n < extra {
			size++
		}
		groups = append(groups, items[next:next+size])
		next += size
	}
	return groups
}
