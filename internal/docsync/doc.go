package docsync

import (
	"encoding/json"
	"time"
)

// Replicated map keys, part of the cross-client contract alongside the
// container names.
const (
	KeyCurrentTime        = "currentTime"
	KeyControlledBy       = "controlledBy"
	KeyIsPlaying          = "isPlaying"
	KeyPlaybackController = "playbackController"
	KeyIsSeeking          = "isSeeking"
	KeySeekingUser        = "seekingUser"

	KeyOperationApplier      = "operationApplier"
	KeyOperationsInitialized = "operationsInitialized"
	KeyOperationsInitializer = "operationsInitializer"
	KeyTransitionTimestamp   = "transitionTimestamp"

	KeyCurrentHighlight   = "currentHighlight"
	KeyHighlightedBy      = "highlightedBy"
	KeyHighlightTimestamp = "highlightTimestamp"
	KeyLastUpdate         = "lastUpdate"
)

// TimelineState is the typed view of the timelineState container.
type TimelineState struct {
	CurrentTime        int64
	ControlledBy       string
	IsPlaying          bool
	PlaybackController string
	IsSeeking          bool
	SeekingUser        string
}

// InterviewState is the typed view of the interviewState container.
type InterviewState struct {
	OperationApplier      string
	OperationsInitialized bool
	OperationsInitializer string
	TransitionTimestamp   int64 // unix ms marking the ACTIVE->ARCHIVED boundary
}

type Highlight struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text"`
}

// HighlightState is the typed view of the highlightState container.
type HighlightState struct {
	Current            *Highlight
	HighlightedBy      string
	HighlightTimestamp int64
	LastUpdate         int64
}

// Doc binds one client's view of a session's replicated containers to a
// provider. Every mutation produces a delta; when a sink is registered the
// delta is handed to it for relaying to the peer replica.
type Doc struct {
	provider Provider
	actor    string
	sink     func(container string, delta []byte)
	now      func() time.Time
}

func NewDoc(provider Provider, actor string) *Doc {
	return &Doc{
		provider: provider,
		actor:    actor,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Doc) Actor() string { return d.actor }

// OnDelta registers the relay sink for locally produced deltas.
func (d *Doc) OnDelta(fn func(container string, delta []byte)) {
	d.sink = fn
}

// MergeRemote applies a delta received from the peer replica.
func (d *Doc) MergeRemote(container string, delta []byte) error {
	return d.provider.ApplyRemoteDelta(container, delta)
}

// Subscribe registers fn against one of the session's containers.
func (d *Doc) Subscribe(container string, fn func()) (cancel func()) {
	return d.provider.Subscribe(container, fn)
}

func (d *Doc) CodeText() string     { return d.provider.Text(ContainerCodeBuffer) }
func (d *Doc) QuestionText() string { return d.provider.Text(ContainerQuestionText) }

// EditCode applies a local positional edit to the shared code buffer.
func (d *Doc) EditCode(from, to int, text string) error {
	return d.editText(ContainerCodeBuffer, from, to, text)
}

// EditQuestion applies a local positional edit to the shared question text.
func (d *Doc) EditQuestion(from, to int, text string) error {
	return d.editText(ContainerQuestionText, from, to, text)
}

func (d *Doc) editText(container string, from, to int, text string) error {
	delta, err := d.provider.ApplyLocalEdit(container, Op{Kind: OpEditText, From: from, To: to, Text: text})
	if err != nil {
		return err
	}
	d.emit(container, delta)
	return nil
}

func (d *Doc) Timeline() TimelineState {
	m := d.provider.Map(ContainerTimelineState)
	return TimelineState{
		CurrentTime:        intVal(m[KeyCurrentTime]),
		ControlledBy:       stringVal(m[KeyControlledBy]),
		IsPlaying:          boolVal(m[KeyIsPlaying]),
		PlaybackController: stringVal(m[KeyPlaybackController]),
		IsSeeking:          boolVal(m[KeyIsSeeking]),
		SeekingUser:        stringVal(m[KeySeekingUser]),
	}
}

func (d *Doc) Interview() InterviewState {
	m := d.provider.Map(ContainerInterviewState)
	return InterviewState{
		OperationApplier:      stringVal(m[KeyOperationApplier]),
		OperationsInitialized: boolVal(m[KeyOperationsInitialized]),
		OperationsInitializer: stringVal(m[KeyOperationsInitializer]),
		TransitionTimestamp:   intVal(m[KeyTransitionTimestamp]),
	}
}

func (d *Doc) HighlightView() HighlightState {
	m := d.provider.Map(ContainerHighlightState)
	state := HighlightState{
		HighlightedBy:      stringVal(m[KeyHighlightedBy]),
		HighlightTimestamp: intVal(m[KeyHighlightTimestamp]),
		LastUpdate:         intVal(m[KeyLastUpdate]),
	}
	if raw, ok := m[KeyCurrentHighlight]; ok && raw != nil {
		var h Highlight
		if b, err := json.Marshal(raw); err == nil {
			if err := json.Unmarshal(b, &h); err == nil {
				state.Current = &h
			}
		}
	}
	return state
}

// SetTimelineKey writes one timelineState field.
func (d *Doc) SetTimelineKey(key string, value any) error {
	return d.setKey(ContainerTimelineState, key, value)
}

// SetInterviewKey writes one interviewState field.
func (d *Doc) SetInterviewKey(key string, value any) error {
	return d.setKey(ContainerInterviewState, key, value)
}

// SetHighlight replaces the shared highlight, stamping author and time.
func (d *Doc) SetHighlight(h Highlight) error {
	nowMs := d.now().UnixMilli()
	if err := d.setKey(ContainerHighlightState, KeyCurrentHighlight, h); err != nil {
		return err
	}
	if err := d.setKey(ContainerHighlightState, KeyHighlightedBy, d.actor); err != nil {
		return err
	}
	if err := d.setKey(ContainerHighlightState, KeyHighlightTimestamp, nowMs); err != nil {
		return err
	}
	return d.setKey(ContainerHighlightState, KeyLastUpdate, nowMs)
}

// ClearHighlight removes the shared highlight.
func (d *Doc) ClearHighlight() error {
	if err := d.deleteKey(ContainerHighlightState, KeyCurrentHighlight); err != nil {
		return err
	}
	if err := d.deleteKey(ContainerHighlightState, KeyHighlightedBy); err != nil {
		return err
	}
	return d.setKey(ContainerHighlightState, KeyLastUpdate, d.now().UnixMilli())
}

func (d *Doc) setKey(container, key string, value any) error {
	delta, err := d.provider.ApplyLocalEdit(container, Op{Kind: OpSetKey, Key: key, Value: value})
	if err != nil {
		return err
	}
	d.emit(container, delta)
	return nil
}

func (d *Doc) deleteKey(container, key string) error {
	delta, err := d.provider.ApplyLocalEdit(container, Op{Kind: OpDeleteKey, Key: key})
	if err != nil {
		return err
	}
	d.emit(container, delta)
	return nil
}

func (d *Doc) emit(container string, delta []byte) {
	if d.sink != nil && len(delta) > 0 {
		d.sink(container, delta)
	}
}

func stringVal(v any) string {
	s, _ := v.(string)
	return s
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

// intVal tolerates the numeric widenings a JSON round trip introduces.
func intVal(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
