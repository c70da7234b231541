package docsync

import (
	"context"
	"testing"
	"time"
)

func TestMemoryProviderTextEditAndClamp(t *testing.T) {
	p := NewMemoryProvider("alice")
	if _, err := p.ApplyLocalEdit(ContainerCodeBuffer, Op{Kind: OpEditText, From: 0, To: 0, Text: "hello"}); err != nil {
		t.Fatalf("ApplyLocalEdit() error = %v", err)
	}
	// Out-of-range offsets clamp instead of failing.
	if _, err := p.ApplyLocalEdit(ContainerCodeBuffer, Op{Kind: OpEditText, From: 50, To: 60, Text: "!"}); err != nil {
		t.Fatalf("ApplyLocalEdit() clamped edit error = %v", err)
	}
	if got := p.Text(ContainerCodeBuffer); got != "hello!" {
		t.Fatalf("Text() = %q, want %q", got, "hello!")
	}
}

func TestMemoryProviderMapLastWriteWins(t *testing.T) {
	a := NewMemoryProvider("alice")
	b := NewMemoryProvider("bob")

	da, err := a.ApplyLocalEdit(ContainerTimelineState, Op{Kind: OpSetKey, Key: KeyControlledBy, Value: "alice"})
	if err != nil {
		t.Fatalf("ApplyLocalEdit() error = %v", err)
	}
	db, err := b.ApplyLocalEdit(ContainerTimelineState, Op{Kind: OpSetKey, Key: KeyControlledBy, Value: "bob"})
	if err != nil {
		t.Fatalf("ApplyLocalEdit() error = %v", err)
	}

	// Concurrent writes at the same clock: both replicas resolve to the
	// same winner regardless of delivery order.
	if err := a.ApplyRemoteDelta(ContainerTimelineState, db); err != nil {
		t.Fatalf("ApplyRemoteDelta() error = %v", err)
	}
	if err := b.ApplyRemoteDelta(ContainerTimelineState, da); err != nil {
		t.Fatalf("ApplyRemoteDelta() error = %v", err)
	}

	va := a.Map(ContainerTimelineState)[KeyControlledBy]
	vb := b.Map(ContainerTimelineState)[KeyControlledBy]
	if va != vb {
		t.Fatalf("replicas diverged: %v vs %v", va, vb)
	}
}

func TestMemoryProviderSubscribeFires(t *testing.T) {
	p := NewMemoryProvider("alice")
	fired := 0
	cancel := p.Subscribe(ContainerCodeBuffer, func() { fired++ })

	if _, err := p.ApplyLocalEdit(ContainerCodeBuffer, Op{Kind: OpEditText, Text: "x"}); err != nil {
		t.Fatalf("ApplyLocalEdit() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("subscriber fired %d times, want 1", fired)
	}

	cancel()
	if _, err := p.ApplyLocalEdit(ContainerCodeBuffer, Op{Kind: OpEditText, Text: "y"}); err != nil {
		t.Fatalf("ApplyLocalEdit() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("cancelled subscriber still fired")
	}
}

func TestDocDeltaSinkRelaysLocalEdits(t *testing.T) {
	doc := NewDoc(NewMemoryProvider("alice"), "alice")
	peer := NewDoc(NewMemoryProvider("bob"), "bob")

	doc.OnDelta(func(container string, delta []byte) {
		if err := peer.MergeRemote(container, delta); err != nil {
			t.Fatalf("MergeRemote() error = %v", err)
		}
	})

	if err := doc.EditCode(0, 0, "func main() {}"); err != nil {
		t.Fatalf("EditCode() error = %v", err)
	}
	if got := peer.CodeText(); got != "func main() {}" {
		t.Fatalf("peer code = %q", got)
	}

	if err := doc.SetTimelineKey(KeyCurrentTime, int64(1200)); err != nil {
		t.Fatalf("SetTimelineKey() error = %v", err)
	}
	if got := peer.Timeline().CurrentTime; got != 1200 {
		t.Fatalf("peer currentTime = %d, want 1200", got)
	}
}

func TestDocHighlightRoundTrip(t *testing.T) {
	doc := NewDoc(NewMemoryProvider("alice"), "alice")
	if err := doc.SetHighlight(Highlight{From: 3, To: 9, Text: "main()"}); err != nil {
		t.Fatalf("SetHighlight() error = %v", err)
	}

	state := doc.HighlightView()
	if state.Current == nil || state.Current.From != 3 || state.Current.Text != "main()" {
		t.Fatalf("highlight view = %+v", state)
	}
	if state.HighlightedBy != "alice" || state.LastUpdate == 0 {
		t.Fatalf("highlight attribution = %+v", state)
	}

	if err := doc.ClearHighlight(); err != nil {
		t.Fatalf("ClearHighlight() error = %v", err)
	}
	if doc.HighlightView().Current != nil {
		t.Fatalf("highlight not cleared")
	}
}

func TestClaimInitializerSolePeer(t *testing.T) {
	doc := NewDoc(NewMemoryProvider("alice"), "alice")
	claimed, err := doc.ClaimInitializer(context.Background(), true, time.Second)
	if err != nil {
		t.Fatalf("ClaimInitializer() error = %v", err)
	}
	if !claimed {
		t.Fatalf("sole peer failed to claim")
	}
	if got := doc.Interview().OperationsInitializer; got != "alice" {
		t.Fatalf("initializer = %q, want alice", got)
	}
}

func TestClaimInitializerRespectsExistingClaim(t *testing.T) {
	doc := NewDoc(NewMemoryProvider("bob"), "bob")
	if err := doc.SetInterviewKey(KeyOperationsInitializer, "alice"); err != nil {
		t.Fatalf("SetInterviewKey() error = %v", err)
	}

	claimed, err := doc.ClaimInitializer(context.Background(), true, time.Second)
	if err != nil {
		t.Fatalf("ClaimInitializer() error = %v", err)
	}
	if claimed {
		t.Fatalf("claim succeeded over an existing holder")
	}
}

func TestClaimInitializerWaitsGraceWhenNotSolePeer(t *testing.T) {
	doc := NewDoc(NewMemoryProvider("alice"), "alice")

	start := time.Now()
	claimed, err := doc.ClaimInitializer(context.Background(), false, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimInitializer() error = %v", err)
	}
	if !claimed {
		t.Fatalf("claim failed after grace with slot still unset")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("claim committed before the grace period elapsed")
	}
}

func TestClaimInitializerSkipsWhenInitialized(t *testing.T) {
	doc := NewDoc(NewMemoryProvider("alice"), "alice")
	if err := doc.MarkOperationsInitialized(); err != nil {
		t.Fatalf("MarkOperationsInitialized() error = %v", err)
	}
	claimed, err := doc.ClaimInitializer(context.Background(), true, time.Second)
	if err != nil {
		t.Fatalf("ClaimInitializer() error = %v", err)
	}
	if claimed {
		t.Fatalf("claimed a slot whose work is already done")
	}
}
