package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/speech-stream-service/internal/audio"
	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/protocol"
	"github.com/skypro1111/speech-stream-service/internal/segment"
	"github.com/skypro1111/speech-stream-service/internal/transcript"
	"github.com/skypro1111/speech-stream-service/internal/vad"
)

const (
	testSampleRate   = 16000
	testFrameSamples = 1600 // 100ms
)

// recordingEmitter collects emitted events
type recordingEmitter struct {
	mu     sync.Mutex
	events []protocol.Event
	err    error
}

func (e *recordingEmitter) Emit(ctx context.Context, event protocol.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) Events() []protocol.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Event(nil), e.events...)
}

// scriptedDispatcher answers dispatches from a queue of results
type scriptedDispatcher struct {
	mu      sync.Mutex
	results []scriptedResult
	tails   []string
	started chan struct{} // Signalled at the start of every dispatch, if set
	release chan struct{} // Dispatch waits on this before answering, if set
}

type scriptedResult struct {
	text string
	err  error
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, seg *segment.Segment, contextTail string) (string, error) {
	d.mu.Lock()
	d.tails = append(d.tails, contextTail)
	var result scriptedResult
	if len(d.results) > 0 {
		result = d.results[0]
		d.results = d.results[1:]
	}
	d.mu.Unlock()

	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			// Answer anyway, the session must not use it
			return result.text, result.err
		}
	}
	return result.text, result.err
}

func (d *scriptedDispatcher) Tails() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tails...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:          testSampleRate,
		AmplitudeMode:       audio.AmplitudeRMS,
		VAD:                 vad.DefaultConfig(),
		Segment:             segment.Config{SampleRate: testSampleRate, SilenceDuration: time.Second},
		Gate:                segment.DefaultGateConfig(testSampleRate),
		ContextWords:        transcript.DefaultContextWords,
		ProgressLogInterval: 200,
	}
}

func newTestSession(t *testing.T, dispatcher Dispatcher, emitter Emitter) *Session {
	t.Helper()
	return newMeteredSession(t, dispatcher, emitter, nil)
}

func newMeteredSession(t *testing.T, dispatcher Dispatcher, emitter Emitter, m *metrics.Metrics) *Session {
	t.Helper()
	filter, err := transcript.NewFilter(nil)
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}
	session, err := newSession(context.Background(), "test-session", "127.0.0.1:5000", testSessionConfig(),
		dispatcher, filter, emitter, m, testLogger())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

func audioMessage(level float32) protocol.Message {
	samples := make([]float32, testFrameSamples)
	for i := range samples {
		samples[i] = level
	}
	return protocol.Message{Kind: protocol.KindAudio, Payload: audio.EncodeFloat32(samples)}
}

func frames(n int, voiced bool) []protocol.Message {
	level := float32(0)
	if voiced {
		level = 0.5
	}
	msgs := make([]protocol.Message, n)
	for i := range msgs {
		msgs[i] = audioMessage(level)
	}
	return msgs
}

func controlMessage(payload string) protocol.Message {
	return protocol.Message{Kind: protocol.KindControl, Payload: []byte(payload)}
}

// utterance is 1s of speech followed by enough silence to finalize it
func utterance() []protocol.Message {
	return append(frames(10, true), frames(12, false)...)
}

func join(parts ...[]protocol.Message) []protocol.Message {
	var all []protocol.Message
	for _, p := range parts {
		all = append(all, p...)
	}
	return all
}

// runAll feeds msgs through a closed channel and waits for Run to return
func runAll(t *testing.T, session *Session, msgs []protocol.Message) error {
	t.Helper()
	inbound := make(chan protocol.Message, len(msgs))
	for _, msg := range msgs {
		inbound <- msg
	}
	close(inbound)
	return session.Run(context.Background(), inbound)
}

func TestSessionEmitsTranscriptAfterSilence(t *testing.T) {
	dispatcher := &scriptedDispatcher{results: []scriptedResult{{text: "hello world"}}}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	// 2s silence, 1s voice, 1.2s silence
	if err := runAll(t, session, join(frames(20, false), frames(10, true), frames(12, false))); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{protocol.FullEvent(1, "hello world")}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	if tails := dispatcher.Tails(); len(tails) != 1 || tails[0] != "" {
		t.Errorf("Expected one dispatch with empty context, got %q", tails)
	}

	info := session.Info()
	if info.Seq != 1 || info.SegmentsFinalized != 1 || info.TranscriptsEmitted != 1 {
		t.Errorf("Unexpected session info: %+v", info)
	}
	if info.State != segment.StateIdle.String() {
		t.Errorf("Expected idle state, got %s", info.State)
	}
}

func TestSessionFeedsContextTail(t *testing.T) {
	dispatcher := &scriptedDispatcher{results: []scriptedResult{
		{text: "the first answer"},
		{text: "the second answer"},
	}}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	if err := runAll(t, session, join(utterance(), utterance())); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{
		protocol.FullEvent(1, "the first answer"),
		protocol.FullEvent(2, "the second answer"),
	}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	tails := dispatcher.Tails()
	if !reflect.DeepEqual(tails, []string{"", "the first answer"}) {
		t.Errorf("Unexpected context tails %q", tails)
	}
}

func TestSessionEOFWithEmptyBuffer(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	if err := runAll(t, session, join(frames(5, false), []protocol.Message{controlMessage(`{"event":"eof"}`)})); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{protocol.DoneEvent(0)}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	if len(dispatcher.Tails()) != 0 {
		t.Error("Expected no dispatch for an empty buffer")
	}
}

func TestSessionEOFFlushesSpeech(t *testing.T) {
	dispatcher := &scriptedDispatcher{results: []scriptedResult{{text: "cut short"}}}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	msgs := join(frames(10, true), frames(3, false), []protocol.Message{controlMessage(`{"event":"eof"}`)})
	if err := runAll(t, session, msgs); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{protocol.FullEvent(1, "cut short"), protocol.DoneEvent(1)}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	if info := session.Info(); info.BufferedBytes != 0 || info.State != segment.StateIdle.String() {
		t.Errorf("Expected reset segmenter after EOF, got %+v", info)
	}
}

func TestSessionFiltersUnwantedTranscripts(t *testing.T) {
	dispatcher := &scriptedDispatcher{results: []scriptedResult{
		{text: "Please like and subscribe"},
		{text: "   "},
		{text: "real words"},
	}}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	msgs := join(utterance(), utterance(), utterance(), []protocol.Message{controlMessage(`{"event":"eof"}`)})
	if err := runAll(t, session, msgs); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{protocol.FullEvent(1, "real words"), protocol.DoneEvent(1)}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	// Filtered text never reaches the context
	if tails := dispatcher.Tails(); !reflect.DeepEqual(tails, []string{"", "", ""}) {
		t.Errorf("Unexpected context tails %q", tails)
	}

	if info := session.Info(); info.TranscriptsFiltered != 2 {
		t.Errorf("Expected 2 filtered transcripts, got %d", info.TranscriptsFiltered)
	}
}

func TestSessionSurvivesBackendFailure(t *testing.T) {
	dispatcher := &scriptedDispatcher{results: []scriptedResult{
		{err: errors.New("backend unavailable")},
		{text: "second try"},
	}}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	if err := runAll(t, session, join(utterance(), utterance())); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{protocol.FullEvent(1, "second try")}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	if info := session.Info(); info.DispatchFailures != 1 {
		t.Errorf("Expected 1 dispatch failure, got %d", info.DispatchFailures)
	}
}

func TestSessionQualityGateRejectsBlip(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	// 0.2s of voice inside 1.3s of audio has too little voice
	if err := runAll(t, session, join(frames(2, true), frames(12, false))); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(dispatcher.Tails()) != 0 {
		t.Error("Expected rejected segment not to be dispatched")
	}
	if len(emitter.Events()) != 0 {
		t.Errorf("Expected no events, got %v", emitter.Events())
	}
	if info := session.Info(); info.SegmentsRejected != 1 {
		t.Errorf("Expected 1 rejected segment, got %d", info.SegmentsRejected)
	}
}

func TestSessionDropsMalformedFrames(t *testing.T) {
	dispatcher := &scriptedDispatcher{results: []scriptedResult{{text: "still works"}}}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	nan := audio.EncodeFloat32([]float32{0.1, float32(math.NaN())})
	malformed := []protocol.Message{
		{Kind: protocol.KindAudio, Payload: []byte{1, 2, 3}},
		{Kind: protocol.KindAudio, Payload: nil},
		{Kind: protocol.KindAudio, Payload: nan},
		controlMessage(`not json`),
		controlMessage(`{"event":"pause"}`),
	}

	if err := runAll(t, session, join(frames(10, true), malformed, frames(12, false))); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []protocol.Event{protocol.FullEvent(1, "still works")}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	info := session.Info()
	if info.FramesDropped != 3 {
		t.Errorf("Expected 3 dropped frames, got %d", info.FramesDropped)
	}
	if info.ControlMessages != 2 {
		t.Errorf("Expected 2 control messages, got %d", info.ControlMessages)
	}
}

func TestSessionIsDeterministic(t *testing.T) {
	msgs := join(
		frames(7, false), utterance(),
		frames(4, true), frames(3, false), frames(2, true), frames(11, false),
		frames(3, true), []protocol.Message{controlMessage(`{"event":"eof"}`)},
		utterance(), []protocol.Message{controlMessage(`{"event":"eof"}`)},
	)

	run := func() []protocol.Event {
		dispatcher := &scriptedDispatcher{results: []scriptedResult{
			{text: "one"}, {text: "two"}, {text: "three"}, {text: "four"},
		}}
		emitter := &recordingEmitter{}
		if err := runAll(t, newTestSession(t, dispatcher, emitter), msgs); err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		return emitter.Events()
	}

	first := run()
	second := run()

	if len(first) == 0 {
		t.Fatal("Expected events")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Event sequences differ:\n%v\n%v", first, second)
	}
}

func TestSessionQueuesAudioDuringDispatch(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		results: []scriptedResult{{text: "first"}, {text: "second"}},
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	inbound := make(chan protocol.Message, 256)
	result := make(chan error, 1)
	go func() {
		result <- session.Run(context.Background(), inbound)
	}()

	for _, msg := range utterance() {
		inbound <- msg
	}

	select {
	case <-dispatcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("First dispatch never started")
	}

	// Audio arriving while the first dispatch is outstanding must be kept
	for _, msg := range join(utterance(), []protocol.Message{controlMessage(`{"event":"eof"}`)}) {
		inbound <- msg
	}
	close(inbound)

	if got := len(emitter.Events()); got != 0 {
		t.Fatalf("Expected no events before release, got %d", got)
	}

	close(dispatcher.release)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	want := []protocol.Event{
		protocol.FullEvent(1, "first"),
		protocol.FullEvent(2, "second"),
		protocol.DoneEvent(2),
	}
	if got := emitter.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func TestSessionDiscardsResultAfterClose(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		results: []scriptedResult{{text: "too late"}},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	emitter := &recordingEmitter{}
	session := newTestSession(t, dispatcher, emitter)

	inbound := make(chan protocol.Message, 256)
	for _, msg := range utterance() {
		inbound <- msg
	}

	result := make(chan error, 1)
	go func() {
		result <- session.Run(context.Background(), inbound)
	}()

	<-dispatcher.started
	session.Close()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after Close")
	}

	if got := emitter.Events(); len(got) != 0 {
		t.Errorf("Expected no events after close, got %v", got)
	}
	if session.Seq() != 0 {
		t.Errorf("Expected seq 0, got %d", session.Seq())
	}
}

func TestSessionStopsOnEmitFailure(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	emitter := &recordingEmitter{err: errors.New("connection reset")}
	session := newTestSession(t, dispatcher, emitter)

	err := runAll(t, session, []protocol.Message{controlMessage(`{"event":"eof"}`), controlMessage(`{"event":"eof"}`)})
	if err == nil {
		t.Fatal("Expected error when the emitter fails")
	}
}

func TestSessionConfigValidate(t *testing.T) {
	config := testSessionConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	config.Segment.SilenceDuration = 0
	if err := config.Validate(); err == nil {
		t.Error("Expected error for zero silence duration")
	}

	config = testSessionConfig()
	config.Gate.MinVoicedRatio = 2
	if err := config.Validate(); err == nil {
		t.Error("Expected error for invalid gate ratio")
	}
}

// counterValues returns every series of a counter family keyed by the value
// of label
func counterValues(t *testing.T, reg *prometheus.Registry, name, label string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	values := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label {
					values[pair.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return values
}

func TestSessionControlMetricLabelsAreBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	emitter := &recordingEmitter{}
	session := newMeteredSession(t, &scriptedDispatcher{}, emitter, metrics.NewMetrics(reg))

	var msgs []protocol.Message
	for i := 0; i < 500; i++ {
		msgs = append(msgs, controlMessage(fmt.Sprintf(`{"event":"junk-%d"}`, i)))
	}
	msgs = append(msgs, controlMessage(`{not json`), controlMessage(`{"event":"eof"}`))

	if err := runAll(t, session, msgs); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	values := counterValues(t, reg, "stt_control_messages_total", "type")
	if len(values) > 3 {
		t.Fatalf("Expected at most 3 series, got %d", len(values))
	}
	if values["unknown"] != 500 || values["invalid"] != 1 || values["eof"] != 1 {
		t.Errorf("Unexpected control message counts: %v", values)
	}

	if got := emitter.Events(); !reflect.DeepEqual(got, []protocol.Event{protocol.DoneEvent(0)}) {
		t.Errorf("Expected a single done event, got %v", got)
	}
}

func TestSessionRejectsLowVoicedRatio(t *testing.T) {
	reg := prometheus.NewRegistry()
	dispatcher := &scriptedDispatcher{results: []scriptedResult{{text: "should not appear"}}}
	emitter := &recordingEmitter{}
	session := newMeteredSession(t, dispatcher, emitter, metrics.NewMetrics(reg))

	// Short blips separated by pauses under the silence duration keep one
	// utterance open: 0.8s of voice in 8.2s of audio.
	var msgs []protocol.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, frames(1, true)...)
		if i < 7 {
			msgs = append(msgs, frames(9, false)...)
		}
	}
	msgs = append(msgs, frames(11, false)...)

	if err := runAll(t, session, msgs); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(dispatcher.Tails()) != 0 {
		t.Error("Expected low ratio segment not to be dispatched")
	}
	if len(emitter.Events()) != 0 {
		t.Errorf("Expected no events, got %v", emitter.Events())
	}

	info := session.Info()
	if info.Seq != 0 || info.SegmentsFinalized != 1 || info.SegmentsRejected != 1 {
		t.Errorf("Unexpected session info: %+v", info)
	}

	rejected := counterValues(t, reg, "stt_segments_rejected_total", "reason")
	if rejected[segment.ReasonLowVoicedRatio] != 1 {
		t.Errorf("Expected one low_voiced_ratio rejection, got %v", rejected)
	}
}
