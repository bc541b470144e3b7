package metaads

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/blobstore"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/logging"
	"github.com/esquire-media/audience-engine/internal/metrics"
	"github.com/esquire-media/audience-engine/internal/synapse"
)

// OrchestratorName is the REPLACE uploader orchestration.
const OrchestratorName = "meta-replace"

// Activity names.
const (
	ActivityPrepare     = "meta.prepare"
	ActivityTarget      = "meta.target"
	ActivityReplacePage = "meta.replace-page"
)

// busyRetryDelay paces retries while Meta reports the audience busy.
const busyRetryDelay = 5 * time.Minute

// SessionID derives the REPLACE session ID from the orchestration instance:
// the first 8 bytes of SHA-256(instanceID) as a positive 63-bit integer.
// Stable across replays, unique per run.
func SessionID(instanceID string) int64 {
	sum := sha256.Sum256([]byte(instanceID))
	return int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
}

type prepareResult struct {
	Skipped        bool    `json:"skipped,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	MetaAudienceID string  `json:"meta_audience_id,omitempty"`
	ClosedSessions []int64 `json:"closed_sessions,omitempty"`
}

type targetResult struct {
	Prefix string `json:"prefix"`
	Count  int64  `json:"count"`
}

type pageInput struct {
	MetaAudienceID string `json:"meta_audience_id"`
	Prefix         string `json:"prefix"`
	SessionID      int64  `json:"session_id"`
	Total          int64  `json:"total"`
	Seq            int    `json:"seq"`
	Pages          int    `json:"pages"`
}

type pageResult struct {
	Skipped  bool `json:"skipped,omitempty"`
	Busy     bool `json:"busy,omitempty"`
	Uploaded int  `json:"uploaded"`
}

// Uploader owns the Meta upload orchestration and its activities.
type Uploader struct {
	Catalog     audience.Store
	Blobs       blobstore.Store
	Synapse     synapse.Executor
	Client      *Client
	AdAccountID string
	BatchSize   int

	log *slog.Logger
}

// NewUploader wires the Meta uploader.
func NewUploader(catalog audience.Store, blobs blobstore.Store, syn synapse.Executor, client *Client, adAccountID string, batchSize int) *Uploader {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Uploader{
		Catalog:     catalog,
		Blobs:       blobs,
		Synapse:     syn,
		Client:      client,
		AdAccountID: adAccountID,
		BatchSize:   batchSize,
		log:         logging.Component("metaads"),
	}
}

// Register registers the orchestration and its activities on the runtime.
func (u *Uploader) Register(rt *durable.Runtime) {
	rt.RegisterOrchestrator(OrchestratorName, u.Orchestrate)
	rt.RegisterActivity(ActivityPrepare, u.prepare)
	rt.RegisterActivity(ActivityTarget, u.target)
	rt.RegisterActivity(ActivityReplacePage, u.replacePage)
}

// Orchestrate replaces the Custom Audience's user list with the newest
// snapshot's device IDs. The page sequence is fully determined by the snapshot
// content and the instance ID, so replay re-issues identical calls.
func (u *Uploader) Orchestrate(ctx *durable.Context, raw json.RawMessage) (any, error) {
	var audienceID string
	if err := json.Unmarshal(raw, &audienceID); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	var prep prepareResult
	if err := ctx.CallActivityWithRetry(ActivityPrepare, durable.NetworkRetry, audienceID, &prep); err != nil {
		return nil, err
	}
	if prep.Skipped {
		return map[string]any{"skipped": true, "reason": prep.Reason}, nil
	}

	var target targetResult
	if err := ctx.CallActivityWithRetry(ActivityTarget, durable.ReadRetry, audienceID, &target); err != nil {
		return nil, err
	}
	if target.Count == 0 {
		return map[string]any{"skipped": true, "reason": "No distinct MAIDs to upload.", "total": 0}, nil
	}

	sessionID := SessionID(ctx.InstanceID())
	pages := int((target.Count + int64(u.BatchSize) - 1) / int64(u.BatchSize))

	var uploaded int64
	for seq := 1; seq <= pages; {
		var res pageResult
		err := ctx.CallActivityWithRetry(ActivityReplacePage, durable.NetworkRetry, pageInput{
			MetaAudienceID: prep.MetaAudienceID,
			Prefix:         target.Prefix,
			SessionID:      sessionID,
			Total:          target.Count,
			Seq:            seq,
			Pages:          pages,
		}, &res)
		if err != nil {
			return nil, err
		}
		if res.Busy {
			// Busy is pacing, not failure: wait out the in-flight update
			// and re-send the same batch_seq.
			if err := ctx.CreateTimer(ctx.CurrentUTC().Add(busyRetryDelay)).Await(nil); err != nil {
				return nil, err
			}
			continue
		}
		uploaded += int64(res.Uploaded)
		seq++
	}

	return map[string]any{
		"audience_id":      audienceID,
		"meta_audience_id": prep.MetaAudienceID,
		"session_id":       sessionID,
		"total":            target.Count,
		"pages":            pages,
		"uploaded":         uploaded,
		"closed_sessions":  prep.ClosedSessions,
	}, nil
}

// prepare ensures the Custom Audience exists with reconciled metadata and no
// stuck REPLACE session.
func (u *Uploader) prepare(ctx context.Context, input json.RawMessage) (any, error) {
	var audienceID string
	if err := json.Unmarshal(input, &audienceID); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	aud, err := u.Catalog.Get(ctx, audienceID)
	if err != nil {
		return nil, err
	}
	if !aud.Status {
		return prepareResult{Skipped: true, Reason: "Audience is disabled."}, nil
	}
	if aud.Advertiser.Meta == "" {
		return prepareResult{Skipped: true, Reason: "No Meta advertiser configured."}, nil
	}

	desiredName := strings.Join(aud.Tags, " - ")
	if desiredName == "" {
		desiredName = aud.ID
	}

	metaID := aud.MetaAudienceID
	var current *CustomAudience
	if metaID != "" {
		current, err = u.Client.GetAudience(ctx, metaID)
		if err != nil {
			u.log.Warn("Stored Meta audience unavailable, recreating",
				"audience_id", aud.ID, "meta_audience_id", metaID, "error", err)
			current = nil
		}
	}

	if current == nil {
		metaID, err = u.Client.CreateAudience(ctx, u.AdAccountID, desiredName, aud.ID)
		if err != nil {
			return nil, fmt.Errorf("create custom audience for %s: %w", aud.ID, err)
		}
		if err := u.Catalog.SaveMetaAudienceID(ctx, aud.ID, metaID); err != nil {
			return nil, fmt.Errorf("persist meta audience id for %s: %w", aud.ID, err)
		}
		u.log.Info("Created Meta custom audience", "audience_id", aud.ID, "meta_audience_id", metaID)
		current = &CustomAudience{ID: metaID, Name: desiredName, Description: aud.ID}
	} else if current.Name != desiredName || current.Description != aud.ID {
		if err := u.Client.UpdateAudience(ctx, metaID, desiredName, aud.ID); err != nil {
			return nil, fmt.Errorf("update custom audience %s: %w", metaID, err)
		}
	}

	closed, err := u.closeStuckSessions(ctx, metaID, current.OperationStatus)
	if err != nil {
		return nil, err
	}

	return prepareResult{MetaAudienceID: metaID, ClosedSessions: closed}, nil
}

// closeStuckSessions finishes any REPLACE session left uploading by a prior
// run: one synthetic final page per session, addressed by the session ID Meta
// reports, with batch_seq placed past everything already received.
func (u *Uploader) closeStuckSessions(ctx context.Context, metaID string, status *OperationStatus) ([]int64, error) {
	if !status.Updating() {
		return nil, nil
	}

	sessions, err := u.Client.Sessions(ctx, metaID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", metaID, err)
	}

	uploading := sessions[:0]
	for _, s := range sessions {
		if s.Stage == "uploading" {
			uploading = append(uploading, s)
		}
	}
	sort.SliceStable(uploading, func(i, j int) bool {
		if uploading[i].NumReceived != uploading[j].NumReceived {
			return uploading[i].NumReceived > uploading[j].NumReceived
		}
		return uploading[i].SessionID < uploading[j].SessionID
	})

	var closed []int64
	for _, s := range uploading {
		closingSeq := int((s.NumReceived+int64(u.BatchSize)-1)/int64(u.BatchSize)) + 1
		err := u.Client.Replace(ctx, metaID,
			ReplacePayload{Schema: SchemaMAID, Data: []string{uuid.NewString()}},
			ReplaceSession{
				SessionID:         s.SessionID,
				EstimatedNumTotal: s.NumReceived,
				BatchSeq:          closingSeq,
				LastBatchFlag:     true,
			})
		if err != nil {
			return nil, fmt.Errorf("close stuck session %d on %s: %w", s.SessionID, metaID, err)
		}
		u.log.Info("Closed stuck replace session",
			"meta_audience_id", metaID, "session_id", s.SessionID, "closing_seq", closingSeq)
		closed = append(closed, s.SessionID)
	}

	if len(closed) > 0 {
		if _, err := u.Client.GetAudience(ctx, metaID); err != nil {
			return nil, fmt.Errorf("refetch audience %s after closing sessions: %w", metaID, err)
		}
	}
	return closed, nil
}

// target resolves the newest snapshot prefix and its distinct device count.
func (u *Uploader) target(ctx context.Context, input json.RawMessage) (any, error) {
	var audienceID string
	if err := json.Unmarshal(input, &audienceID); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	snap, err := audience.NewestSnapshot(ctx, u.Blobs, audienceID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return targetResult{}, nil
	}

	count, err := u.Synapse.CountDistinctDevices(ctx, snap.Prefix)
	if err != nil {
		return nil, err
	}
	return targetResult{Prefix: snap.Prefix, Count: count}, nil
}

// replacePage fetches one ordered distinct page and posts it. A busy
// rejection comes back as a flag so the orchestration can pace the retry.
func (u *Uploader) replacePage(ctx context.Context, input json.RawMessage) (any, error) {
	var in pageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode page input: %w", err)
	}

	page, err := u.Synapse.DistinctDevicePage(ctx, in.Prefix, (in.Seq-1)*u.BatchSize, u.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return pageResult{Skipped: true}, nil
	}

	err = u.Client.Replace(ctx, in.MetaAudienceID,
		ReplacePayload{Schema: SchemaMAID, Data: page},
		ReplaceSession{
			SessionID:         in.SessionID,
			EstimatedNumTotal: in.Total,
			BatchSeq:          in.Seq,
			LastBatchFlag:     in.Seq == in.Pages,
		})
	if IsBusy(err) {
		return pageResult{Busy: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if m := metrics.Get(); m != nil {
		m.IncUploadBatches("meta")
	}
	return pageResult{Uploaded: len(page)}, nil
}
