package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/blobstore"
	"github.com/esquire-media/audience-engine/internal/config"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/onspot"
	"github.com/esquire-media/audience-engine/internal/synapse"
)

const (
	devA = "0a61e03c-9dcb-4f07-bbf2-7ba2ce9c43c2"
	devB = "1b72f14d-aeb1-4c18-8cf3-8cb3df0d54d3"
	devC = "2c83a25e-bfc2-4d29-9da4-9dc4ea1e65e4"
)

type testEnv struct {
	rt      *durable.Runtime
	blobs   blobstore.Store
	catalog *audience.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	blobs, err := blobstore.Open(ctx, blobstore.Config{BucketURL: "mem://", Container: "audiences"})
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	catalog := audience.NewMemoryStore()
	rt := durable.NewRuntime(durable.NewMemoryStore(), durable.Options{Workers: 4, QueueSize: 16})
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(shutdownCtx)
	})

	NewActivities(catalog, blobs, synapse.NewBlobExecutor(blobs), nil, nil, "audiences").Register(rt)
	NewOrchestrators(config.PipelineConfig{StepFanout: 10, FinalizeBatch: 200, CountFanout: 50}, "", "").Register(rt)

	return &testEnv{rt: rt, blobs: blobs, catalog: catalog}
}

func (e *testEnv) await(t *testing.T, instanceID string) *durable.InstanceStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := e.rt.WaitForCompletion(ctx, instanceID)
	if err != nil {
		t.Fatalf("WaitForCompletion(%s): %v", instanceID, err)
	}
	return st
}

func TestStepFor(t *testing.T) {
	tests := []struct {
		in, out  audience.DataType
		wantName string
		wantKind StepKind
	}{
		{audience.TypeAddresses, audience.TypeAddresses, OrchestratorNoop, StepNoop},
		{audience.TypeAddresses, audience.TypePolygons, OrchestratorAddressesToPolygons, StepFootprint},
		{audience.TypeAddresses, audience.TypeDeviceIDs, OrchestratorAddressesToDeviceIDs, StepOnSpot},
		{audience.TypePolygons, audience.TypePolygons, OrchestratorNoop, StepNoop},
		{audience.TypePolygons, audience.TypeDeviceIDs, OrchestratorPolygonsToDeviceIDs, StepOnSpot},
		{audience.TypeDeviceIDs, audience.TypeAddresses, OrchestratorDeviceIDsToAddresses, StepOnSpot},
		{audience.TypeDeviceIDs, audience.TypeDeviceIDs, OrchestratorDeviceIDsToDeviceIDs, StepOnSpot},
	}
	for _, tt := range tests {
		def, err := StepFor(tt.in, tt.out)
		if err != nil {
			t.Errorf("StepFor(%s, %s): %v", tt.in, tt.out, err)
			continue
		}
		if def.Orchestrator != tt.wantName || def.Kind != tt.wantKind {
			t.Errorf("StepFor(%s, %s) = %s/%s, want %s/%s",
				tt.in, tt.out, def.Orchestrator, def.Kind, tt.wantName, tt.wantKind)
		}
	}

	// The matrix has no polygon downgrade cells.
	if _, err := StepFor(audience.TypePolygons, audience.TypeAddresses); err == nil {
		t.Error("polygons -> addresses should be unsupported")
	}
	if _, err := StepFor(audience.TypeDeviceIDs, audience.TypePolygons); err == nil {
		t.Error("deviceids -> polygons should be unsupported")
	}
}

func TestStepTableEndpoints(t *testing.T) {
	def, _ := StepFor(audience.TypePolygons, audience.TypeDeviceIDs)
	if def.Endpoint != onspot.EndpointGeoframeToDevices || def.Mode != onspot.ModeFeatures {
		t.Errorf("polygons -> deviceids routed to %s/%s", def.Endpoint, def.Mode)
	}
	def, _ = StepFor(audience.TypeDeviceIDs, audience.TypeDeviceIDs)
	if def.Endpoint != onspot.EndpointFilesDemographics || def.Mode != onspot.ModeSources {
		t.Errorf("deviceids -> deviceids routed to %s/%s", def.Endpoint, def.Mode)
	}
}

func TestBatchSources(t *testing.T) {
	if got := batchSources(nil, 200); got != nil {
		t.Errorf("empty input: %v", got)
	}

	items := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("k%d.csv", i)
		}
		return out
	}

	check := func(n, max, wantGroups int) {
		t.Helper()
		groups := batchSources(items(n), max)
		if len(groups) != wantGroups {
			t.Fatalf("n=%d max=%d: %d groups, want %d", n, max, len(groups), wantGroups)
		}
		total := 0
		for _, g := range groups {
			total += len(g)
		}
		if total != n {
			t.Fatalf("n=%d max=%d: %d items distributed", n, max, total)
		}
	}

	check(3, 200, 3)
	check(200, 200, 200)
	check(201, 200, 200)
	check(450, 200, 200)

	// Remainder spreads over the leading groups.
	groups := batchSources(items(201), 200)
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("201/200 leading sizes = %d, %d", len(groups[0]), len(groups[1]))
	}
	groups = batchSources(items(450), 200)
	if len(groups[0]) != 3 || len(groups[49]) != 3 || len(groups[50]) != 2 {
		t.Errorf("450/200 sizes = %d, %d, %d", len(groups[0]), len(groups[49]), len(groups[50]))
	}
}

func TestDefaultCoding(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	coding := defaultCoding(&audience.Audience{TTLLength: 30, TTLUnit: "days"}, now)
	if coding["dateStart"] != "2026-08-01" {
		t.Errorf("days dateStart = %v", coding["dateStart"])
	}
	if coding["dateEnd"] != "2026-08-29" {
		t.Errorf("dateEnd = %v", coding["dateEnd"])
	}

	coding = defaultCoding(&audience.Audience{TTLLength: 3, TTLUnit: "months"}, now)
	if coding["dateStart"] != "2026-05-31" {
		t.Errorf("months dateStart = %v", coding["dateStart"])
	}
}

func TestPipelineDeviceIDsEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	aud := &audience.Audience{
		ID:              "aud1",
		Status:          true,
		RebuildSchedule: "0 6 * * *",
		DataSource:      audience.DataSource{DataType: audience.TypeDeviceIDs},
	}
	if err := env.catalog.Put(ctx, aud); err != nil {
		t.Fatalf("put audience: %v", err)
	}

	// Uppercase duplicate, the anonymous UUID, and a short value are all
	// filtered out of the canonical shard.
	source := "deviceid\n" +
		devA + "\n" +
		devB + "\n" +
		strings.ToUpper(devA) + "\n" +
		audience.AnonymousDeviceID + "\n" +
		"short\n"
	if err := env.blobs.Write(ctx, audience.SourcePrefix("aud1")+"list.csv", []byte(source)); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := env.rt.StartNew(ctx, OrchestratorPipeline, "build1", PipelineInput{Audience: aud}); err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	st := env.await(t, "build1")
	if st.Runtime != durable.StatusCompleted {
		t.Fatalf("status = %s (error: %s)", st.Runtime, st.Error)
	}

	var out FinalizeOutput
	if err := json.Unmarshal(st.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Count != 2 {
		t.Errorf("count = %d, want 2", out.Count)
	}
	if len(out.Files) != 1 {
		t.Fatalf("files = %v", out.Files)
	}
	if !strings.HasPrefix(out.Prefix, audience.SnapshotPrefix("aud1")) {
		t.Errorf("prefix = %q", out.Prefix)
	}

	shard, err := env.blobs.ReadAll(ctx, out.Files[0])
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	if string(shard) != "deviceid\n"+devA+"\n"+devB+"\n" {
		t.Errorf("shard content = %q", shard)
	}

	stored, err := env.catalog.Get(ctx, "aud1")
	if err != nil {
		t.Fatalf("get audience: %v", err)
	}
	if stored.Count != 2 {
		t.Errorf("persisted count = %d, want 2", stored.Count)
	}
}

func TestPipelineUnsupportedTransition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	aud := &audience.Audience{
		ID:              "aud2",
		Status:          true,
		RebuildSchedule: "0 6 * * *",
		DataSource:      audience.DataSource{DataType: audience.TypeDeviceIDs},
		Processes: []audience.ProcessingStep{
			{ID: "p1", OutputType: audience.TypePolygons},
		},
	}
	if err := env.blobs.Write(ctx, audience.SourcePrefix("aud2")+"list.csv", []byte("deviceid\n"+devA+"\n")); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := env.rt.StartNew(ctx, OrchestratorPipeline, "build2", PipelineInput{Audience: aud}); err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	st := env.await(t, "build2")
	if st.Runtime != durable.StatusFailed {
		t.Fatalf("status = %s, want Failed", st.Runtime)
	}
	if !strings.Contains(st.Error, "unsupported pipeline transition") {
		t.Errorf("error = %q", st.Error)
	}
}

func TestEternalDisabledAudience(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if err := env.catalog.Put(ctx, &audience.Audience{
		ID:              "aud3",
		Status:          false,
		RebuildSchedule: "0 6 * * *",
		DataSource:      audience.DataSource{DataType: audience.TypeDeviceIDs},
	}); err != nil {
		t.Fatalf("put audience: %v", err)
	}

	if err := env.rt.StartNew(ctx, OrchestratorEternal, "aud3", EternalSettings{AudienceID: "aud3"}); err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	st := env.await(t, "aud3")
	if st.Runtime != durable.StatusCompleted {
		t.Fatalf("status = %s (error: %s)", st.Runtime, st.Error)
	}

	var out map[string]string
	if err := json.Unmarshal(st.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["state"] != StateDisabled {
		t.Errorf("state = %q", out["state"])
	}
}

// pollStatus waits until the instance's custom status satisfies ok.
func pollStatus(t *testing.T, rt *durable.Runtime, instanceID string, ok func(StatusPayload) bool) StatusPayload {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := rt.GetStatus(context.Background(), instanceID)
		if err == nil && len(st.CustomStatus) > 0 {
			var payload StatusPayload
			if json.Unmarshal(st.CustomStatus, &payload) == nil && ok(payload) {
				return payload
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached the expected status", instanceID)
	return StatusPayload{}
}

func TestEternalSleepsAndRebuildsOnRestart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// A schedule that is effectively never due, so only the forced restart
	// triggers a rebuild.
	if err := env.catalog.Put(ctx, &audience.Audience{
		ID:              "aud4",
		Status:          true,
		RebuildSchedule: "0 0 29 2 *",
		DataSource:      audience.DataSource{DataType: audience.TypeDeviceIDs},
	}); err != nil {
		t.Fatalf("put audience: %v", err)
	}

	if err := env.blobs.Write(ctx, audience.SourcePrefix("aud4")+"list.csv",
		[]byte("deviceid\n"+devA+"\n"+devB+"\n"+devC+"\n")); err != nil {
		t.Fatalf("write source: %v", err)
	}

	// Pre-existing snapshot, one hour old.
	oldPrefix := audience.SnapshotPrefix("aud4") + audience.SnapshotDirName(time.Now().UTC().Add(-time.Hour)) + "/"
	if err := env.blobs.Write(ctx, oldPrefix+"0.csv", []byte("deviceid\n"+devA+"\n")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if err := env.rt.StartNew(ctx, OrchestratorEternal, "aud4", EternalSettings{AudienceID: "aud4"}); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	sleeping := pollStatus(t, env.rt, "aud4", func(p StatusPayload) bool {
		return p.State == StateSleeping
	})
	if !strings.HasPrefix(sleeping.Message, NextRunPrefix) {
		t.Errorf("sleeping message = %q", sleeping.Message)
	}
	if len(sleeping.PreviousRuns) != 1 {
		t.Fatalf("previous runs = %d, want 1", len(sleeping.PreviousRuns))
	}
	if sleeping.PreviousRuns[0].Prefix != oldPrefix {
		t.Errorf("summary prefix = %q", sleeping.PreviousRuns[0].Prefix)
	}

	// A forced restart wakes the instance and rebuilds immediately.
	if err := env.rt.RaiseEvent(ctx, "aud4", EventRestart, EternalSettings{ForceRebuild: true}); err != nil {
		t.Fatalf("RaiseEvent: %v", err)
	}

	rebuilt := pollStatus(t, env.rt, "aud4", func(p StatusPayload) bool {
		return p.State == StateSleeping && len(p.PreviousRuns) == 2
	})
	latest := rebuilt.PreviousRuns[1]
	if latest.Prefix == oldPrefix {
		t.Error("rebuild did not produce a new snapshot")
	}
	if latest.DeviceCount == nil || *latest.DeviceCount != 3 {
		t.Errorf("rebuilt device count = %v", latest.DeviceCount)
	}

	if err := env.rt.Terminate(ctx, "aud4", "test done"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	st := env.await(t, "aud4")
	if st.Runtime != durable.StatusTerminated {
		t.Errorf("status after terminate = %s", st.Runtime)
	}
}
