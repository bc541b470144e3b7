package notify

import (
	"strings"
	"testing"
)

func TestParseFailureNested(t *testing.T) {
	errText := "Orchestrator function 'audience-lifecycle' failed: " +
		"Orchestrator function 'audience-pipeline' failed: " +
		"Orchestrator function 'steps/polygons-to-deviceids' failed: " +
		"onspot jobs failed: j1: no devices found"

	chain, root := ParseFailure(errText)
	want := []string{"audience-lifecycle", "audience-pipeline", "steps/polygons-to-deviceids"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}
	if root != "onspot jobs failed: j1: no devices found" {
		t.Errorf("root = %q", root)
	}
}

func TestParseFailureFlat(t *testing.T) {
	chain, root := ParseFailure("  something broke  ")
	if len(chain) != 0 {
		t.Errorf("chain = %v, want empty", chain)
	}
	if root != "something broke" {
		t.Errorf("root = %q", root)
	}
}

func TestBuildFailureEmail(t *testing.T) {
	subject, body := BuildFailureEmail("aud-42",
		"Orchestrator function 'audience-pipeline' failed: bad source <deviceid>")

	if subject != "Audience build failed: aud-42" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "<b>aud-42</b>") {
		t.Error("body missing audience id")
	}
	if !strings.Contains(body, "<code>audience-pipeline</code>") {
		t.Error("body missing failure chain entry")
	}
	if strings.Contains(body, "<deviceid>") {
		t.Error("cause text not HTML-escaped")
	}
	if !strings.Contains(body, "&lt;deviceid&gt;") {
		t.Error("escaped cause text missing")
	}
}
