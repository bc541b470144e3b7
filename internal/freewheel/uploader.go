package freewheel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/blobstore"
	"github.com/esquire-media/audience-engine/internal/config"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/logging"
	"github.com/esquire-media/audience-engine/internal/metrics"
)

// OrchestratorName is the Freewheel segment upload orchestration.
const OrchestratorName = "freewheel-segment"

// Activity names.
const (
	ActivityStage  = "freewheel.stage"
	ActivityShip   = "freewheel.ship"
	ActivityUpload = "freewheel.upload"
)

// defaultUserIDTypes are tried when no single type is configured.
var defaultUserIDTypes = []string{"AD_ID", "IDFA"}

type stageResult struct {
	StagingKey string `json:"staging_key"`
	UploadID   string `json:"upload_id"`
	Segment    string `json:"segment"`
	Devices    int64  `json:"devices"`
}

type shipInput struct {
	StagingKey string `json:"staging_key"`
	UploadID   string `json:"upload_id"`
}

type uploadInput struct {
	S3URL      string `json:"s3_url"`
	UserIDType string `json:"user_id_type"`
}

// Uploader owns the Freewheel upload orchestration and its activities.
type Uploader struct {
	Catalog audience.Store
	Blobs   blobstore.Store
	Client  *Client
	Config  config.FreewheelConfig

	log *slog.Logger
}

// NewUploader wires the Freewheel uploader.
func NewUploader(catalog audience.Store, blobs blobstore.Store, client *Client, cfg config.FreewheelConfig) *Uploader {
	if cfg.MaxAppendBlock <= 0 {
		cfg.MaxAppendBlock = 4 * 1024 * 1024
	}
	return &Uploader{
		Catalog: catalog,
		Blobs:   blobs,
		Client:  client,
		Config:  cfg,
		log:     logging.Component("freewheel"),
	}
}

// Register registers the orchestration and its activities on the runtime.
func (u *Uploader) Register(rt *durable.Runtime) {
	rt.RegisterOrchestrator(OrchestratorName, u.Orchestrate)
	rt.RegisterActivity(ActivityStage, u.stage)
	rt.RegisterActivity(ActivityShip, u.ship)
	rt.RegisterActivity(ActivityUpload, u.upload)
}

// Orchestrate stages the newest snapshot as a segment file, drops it in the
// Beeswax bucket, and registers it with Buzz once per user-id type.
func (u *Uploader) Orchestrate(ctx *durable.Context, raw json.RawMessage) (any, error) {
	var audienceID string
	if err := json.Unmarshal(raw, &audienceID); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	var staged stageResult
	if err := ctx.CallActivityWithRetry(ActivityStage, durable.NetworkRetry, audienceID, &staged); err != nil {
		return nil, err
	}
	if staged.Devices == 0 {
		return map[string]any{"skipped": true, "reason": "No device IDs to upload.", "total": 0}, nil
	}

	var s3URL string
	if err := ctx.CallActivityWithRetry(ActivityShip, durable.NetworkRetry, shipInput{
		StagingKey: staged.StagingKey,
		UploadID:   staged.UploadID,
	}, &s3URL); err != nil {
		return nil, err
	}

	types := defaultUserIDTypes
	if u.Config.UserIDType != "" {
		types = []string{u.Config.UserIDType}
	}

	results := make(map[string]json.RawMessage, len(types))
	for _, idType := range types {
		var res json.RawMessage
		if err := ctx.CallActivityWithRetry(ActivityUpload, durable.NetworkRetry, uploadInput{
			S3URL:      s3URL,
			UserIDType: idType,
		}, &res); err != nil {
			return nil, err
		}
		results[idType] = res
	}

	return map[string]any{
		"audience_id": audienceID,
		"segment":     staged.Segment,
		"s3_url":      s3URL,
		"devices":     staged.Devices,
		"results":     results,
	}, nil
}

// stage builds the staging segment blob: every snapshot device ID as a
// `deviceid|<segment>` line, appended in bounded blocks.
func (u *Uploader) stage(ctx context.Context, input json.RawMessage) (any, error) {
	var audienceID string
	if err := json.Unmarshal(input, &audienceID); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	aud, err := u.Catalog.Get(ctx, audienceID)
	if err != nil {
		return nil, err
	}
	if aud.Segment == "" {
		return nil, fmt.Errorf("audience %s has no segment key", audienceID)
	}

	snap, err := audience.NewestSnapshot(ctx, u.Blobs, audienceID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("audience %s has no snapshot to upload", audienceID)
	}

	objects, err := u.Blobs.List(ctx, snap.Prefix)
	if err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	stagingKey := fmt.Sprintf("tmp/freewheel/segment-%s-%s.txt", audienceID, uploadID)

	staging, err := u.Blobs.CreateAppend(ctx, stagingKey)
	if err != nil {
		return nil, fmt.Errorf("create staging blob %s: %w", stagingKey, err)
	}

	var devices int64
	block := bytes.NewBuffer(make([]byte, 0, u.Config.MaxAppendBlock))
	flush := func() error {
		if block.Len() == 0 {
			return nil
		}
		if err := staging.AppendBlock(ctx, block.Bytes()); err != nil {
			return fmt.Errorf("append to %s: %w", stagingKey, err)
		}
		block.Reset()
		return nil
	}

	for _, obj := range objects {
		n, err := u.stageShard(ctx, obj.Key, aud.Segment, block, flush)
		if err != nil {
			staging.Abort(ctx)
			return nil, err
		}
		devices += n
	}
	if err := flush(); err != nil {
		staging.Abort(ctx)
		return nil, err
	}
	if err := staging.Seal(ctx); err != nil {
		return nil, fmt.Errorf("seal staging blob %s: %w", stagingKey, err)
	}

	u.log.Info("Staged segment file",
		"audience_id", audienceID, "staging_key", stagingKey, "devices", devices)
	return stageResult{
		StagingKey: stagingKey,
		UploadID:   uploadID,
		Segment:    aud.Segment,
		Devices:    devices,
	}, nil
}

// stageShard streams one snapshot shard into the staging block buffer,
// flushing whenever the buffer reaches the block cap. The shard header line
// is skipped.
func (u *Uploader) stageShard(ctx context.Context, key, segment string, block *bytes.Buffer, flush func() error) (int64, error) {
	r, err := u.Blobs.NewReader(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("open shard %s: %w", key, err)
	}
	defer r.Close()

	var lines int64
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if line == "deviceid" {
				continue
			}
		}
		if line == "" {
			continue
		}

		fmt.Fprintf(block, "%s|%s\n", line, segment)
		lines++
		if block.Len() >= u.Config.MaxAppendBlock {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read shard %s: %w", key, err)
	}
	return lines, nil
}

// ship copies the staging blob into the Beeswax drop bucket and deletes the
// staging blob best effort.
func (u *Uploader) ship(ctx context.Context, input json.RawMessage) (any, error) {
	var in shipInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode ship input: %w", err)
	}

	target, err := TargetFor(u.Config.Continent, u.Config.AccountID)
	if err != nil {
		return nil, err
	}

	r, err := u.Blobs.NewReader(ctx, in.StagingKey)
	if err != nil {
		return nil, fmt.Errorf("open staging blob %s: %w", in.StagingKey, err)
	}
	defer r.Close()

	key := fmt.Sprintf("user-list/dsp/%d/segment-%s.txt", u.Config.AccountID, in.UploadID)
	s3URL, err := target.Ship(ctx, r, key)
	if err != nil {
		return nil, err
	}

	if err := u.Blobs.Delete(ctx, in.StagingKey); err != nil {
		u.log.Warn("Could not delete staging blob", "key", in.StagingKey, "error", err)
	}

	u.log.Info("Shipped segment file", "s3_url", s3URL)
	return s3URL, nil
}

// upload registers the shipped file with Buzz for one user-id type.
func (u *Uploader) upload(ctx context.Context, input json.RawMessage) (any, error) {
	var in uploadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode upload input: %w", err)
	}

	if err := u.Client.Authenticate(ctx); err != nil {
		return nil, err
	}

	res, err := u.Client.SegmentUpload(ctx, UploadRequest{
		SegmentFileList: []string{in.S3URL},
		AccountID:       u.Config.AccountID,
		UserIDType:      in.UserIDType,
		FileFormat:      "DELIMITED",
		SegmentKeyType:  "DEFAULT",
		Continent:       u.Config.Continent,
	})
	if err != nil {
		return nil, err
	}

	if m := metrics.Get(); m != nil {
		m.IncUploadBatches("freewheel")
	}
	return res, nil
}
