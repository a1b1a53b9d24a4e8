package agent

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/worker"
)

// fixture wires an orchestrator to a mock dispatcher with fast timings and
// collects everything sent toward peers.
type fixture struct {
	orch *Orchestrator
	mock *worker.Mock

	mu     sync.Mutex
	audio  []string // peer ids that received audio
	texts  []string // "peer:text"
	cancel context.CancelFunc
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.SilenceWindow == 0 {
		opts.SilenceWindow = 40 * time.Millisecond
	}
	if opts.MaxTurnDuration == 0 {
		opts.MaxTurnDuration = time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if len(opts.WakePhrases) == 0 {
		opts.WakePhrases = []string{"hey agent", "hello agent"}
	}

	f := &fixture{mock: worker.NewMock()}
	f.orch = New(opts, f.mock, slog.Default())

	f.orch.OnOutboundAudio(func(peerID string, audio []byte) {
		f.mu.Lock()
		f.audio = append(f.audio, peerID)
		f.mu.Unlock()
	})
	f.orch.OnOutboundText(func(peerID, text string) {
		f.mu.Lock()
		f.texts = append(f.texts, peerID+":"+text)
		f.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.orch.Run(ctx)
	t.Cleanup(cancel)
	return f
}

func (f *fixture) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fixture) textsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) peerState(peerID string) string {
	for _, info := range f.orch.SessionSnapshot() {
		if info.PeerID == peerID {
			return info.State
		}
	}
	return ""
}

// answerSTT replies to the latest audio chunk with a transcript.
func (f *fixture) answerSTT(t *testing.T, text string) {
	t.Helper()
	send := f.mock.LastSend(protocol.RoleSTT)
	if send == nil {
		t.Fatal("no stt send recorded")
	}
	msg, err := protocol.NewTranscriptResult(send.Msg.CorrelationID, text)
	if err != nil {
		t.Fatal(err)
	}
	f.mock.Emit(protocol.RoleSTT, msg)
}

func (f *fixture) answerRAG(t *testing.T, answer string) {
	t.Helper()
	send := f.mock.LastSend(protocol.RoleRAGLLM)
	if send == nil {
		t.Fatal("no rag_llm send recorded")
	}
	msg, err := protocol.NewGenerationResult(send.Msg.CorrelationID, answer)
	if err != nil {
		t.Fatal(err)
	}
	f.mock.Emit(protocol.RoleRAGLLM, msg)
}

func (f *fixture) answerTTS(t *testing.T, audio []byte) {
	t.Helper()
	send := f.mock.LastSend(protocol.RoleTTS)
	if send == nil {
		t.Fatal("no tts send recorded")
	}
	f.mock.Emit(protocol.RoleTTS, protocol.NewSynthesisResult(send.Msg.CorrelationID, audio))
}

func frame(n int) []byte {
	return make([]byte, n)
}

func TestEndToEndTurn(t *testing.T) {
	f := newFixture(t, Options{})

	f.orch.OnPeerJoin("alice")
	f.orch.OnAudioFrame("alice", frame(960))
	f.orch.OnAudioFrame("alice", frame(960))

	waitFor(t, "turn flush to stt", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})
	send := f.mock.LastSend(protocol.RoleSTT)
	if send.Msg.Kind != protocol.KindAudioChunk || len(send.Msg.Audio) != 1920 {
		t.Fatalf("stt received %s with %d bytes, want audio_chunk/1920", send.Msg.Kind, len(send.Msg.Audio))
	}
	if send.Msg.PeerID != "alice" {
		t.Errorf("peer id = %q, want alice", send.Msg.PeerID)
	}

	f.answerSTT(t, "hey agent what time is it")
	waitFor(t, "generation request", func() bool {
		return f.mock.SendCount(protocol.RoleRAGLLM) == 1
	})
	gr, err := f.mock.LastSend(protocol.RoleRAGLLM).Msg.GetGenerationRequest()
	if err != nil {
		t.Fatal(err)
	}
	if gr.Question != "hey agent what time is it" {
		t.Errorf("question = %q", gr.Question)
	}

	f.answerRAG(t, "It is noon.")
	waitFor(t, "synthesis request", func() bool {
		return f.mock.SendCount(protocol.RoleTTS) == 1
	})

	f.answerTTS(t, []byte{1, 2, 3, 4})
	waitFor(t, "outbound audio", func() bool { return f.audioCount() == 1 })

	waitFor(t, "return to idle", func() bool {
		return f.peerState("alice") == "idle"
	})

	// Exactly one reply, no fallbacks.
	if got := f.audioCount(); got != 1 {
		t.Errorf("outbound audio count = %d, want 1", got)
	}
	texts := f.textsSeen()
	if len(texts) != 1 || texts[0] != "alice:It is noon." {
		t.Errorf("texts = %v, want the answer only", texts)
	}
	if st := f.orch.Stats(); st.Fallbacks != 0 || st.ResponsesDelivered != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnaddressedTurnDiscarded(t *testing.T) {
	f := newFixture(t, Options{})

	f.orch.OnAudioFrame("bob", frame(960))
	waitFor(t, "turn flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})

	f.answerSTT(t, "just chatting with a colleague")
	waitFor(t, "return to idle", func() bool {
		return f.peerState("bob") == "idle"
	})

	if n := f.mock.SendCount(protocol.RoleRAGLLM); n != 0 {
		t.Errorf("rag_llm sends = %d, want 0 for unaddressed speech", n)
	}
	if st := f.orch.Stats(); st.TurnsDiscarded != 1 {
		t.Errorf("turns discarded = %d, want 1", st.TurnsDiscarded)
	}
	if got := f.audioCount(); got != 0 {
		t.Errorf("outbound audio count = %d, want 0", got)
	}
}

// A wake phrase token inside another word must not trigger.
func TestWakePhrasePrefixDoesNotTrigger(t *testing.T) {
	f := newFixture(t, Options{})

	f.orch.OnAudioFrame("bob", frame(960))
	waitFor(t, "turn flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})

	f.answerSTT(t, "hey agentive workflows are trendy")
	waitFor(t, "return to idle", func() bool {
		return f.peerState("bob") == "idle"
	})
	if n := f.mock.SendCount(protocol.RoleRAGLLM); n != 0 {
		t.Errorf("rag_llm sends = %d, want 0", n)
	}
}

func TestSinglePendingRequestPerPeer(t *testing.T) {
	f := newFixture(t, Options{})

	f.orch.OnAudioFrame("carol", frame(960))
	waitFor(t, "first flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})
	f.answerSTT(t, "hey agent first question")
	waitFor(t, "generation request", func() bool {
		return f.mock.SendCount(protocol.RoleRAGLLM) == 1
	})

	// Speech while the answer is pending buffers but must not start a
	// second request.
	f.orch.OnAudioFrame("carol", frame(960))
	f.orch.OnAudioFrame("carol", frame(960))
	time.Sleep(150 * time.Millisecond)
	if n := f.mock.SendCount(protocol.RoleSTT); n != 1 {
		t.Fatalf("stt sends while pending = %d, want 1", n)
	}

	// Resolving the turn releases the buffered audio as the next turn.
	f.answerRAG(t, "answer one")
	waitFor(t, "synthesis request", func() bool {
		return f.mock.SendCount(protocol.RoleTTS) == 1
	})
	f.answerTTS(t, []byte{9})
	waitFor(t, "second flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 2
	})
	if got := f.mock.LastSend(protocol.RoleSTT).Msg; len(got.Audio) != 1920 {
		t.Errorf("second turn audio = %d bytes, want 1920", len(got.Audio))
	}
}

func TestUnknownCorrelationIgnored(t *testing.T) {
	f := newFixture(t, Options{})

	f.orch.OnAudioFrame("dave", frame(960))
	waitFor(t, "flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})

	// A result for a correlation id nobody issued.
	msg, err := protocol.NewTranscriptResult("bogus-cid", "hey agent hello")
	if err != nil {
		t.Fatal(err)
	}
	f.mock.Emit(protocol.RoleSTT, msg)

	waitFor(t, "unknown result counted", func() bool {
		return f.orch.Stats().UnknownResults == 1
	})
	if n := f.mock.SendCount(protocol.RoleRAGLLM); n != 0 {
		t.Errorf("rag_llm sends = %d, want 0", n)
	}
	// The real pending request still resolves normally.
	f.answerSTT(t, "hey agent hello")
	waitFor(t, "generation request", func() bool {
		return f.mock.SendCount(protocol.RoleRAGLLM) == 1
	})
}

func TestRequestTimeoutFallback(t *testing.T) {
	f := newFixture(t, Options{
		RequestTimeout:    60 * time.Millisecond,
		FallbackUtterance: "try again",
	})

	f.orch.OnAudioFrame("erin", frame(960))
	waitFor(t, "flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})

	// No worker reply: the deadline fires and the peer hears the fallback.
	waitFor(t, "fallback text", func() bool {
		for _, s := range f.textsSeen() {
			if s == "erin:try again" {
				return true
			}
		}
		return false
	})
	waitFor(t, "return to idle", func() bool {
		return f.peerState("erin") == "idle"
	})
	if st := f.orch.Stats(); st.RequestsTimedOut != 1 || st.Fallbacks != 1 {
		t.Errorf("stats = %+v", st)
	}

	// A late reply for the timed-out request is dropped.
	f.answerSTT(t, "hey agent hello")
	waitFor(t, "late reply counted as unknown", func() bool {
		return f.orch.Stats().UnknownResults == 1
	})
	if n := f.mock.SendCount(protocol.RoleRAGLLM); n != 0 {
		t.Errorf("rag_llm sends = %d, want 0", n)
	}
}

func TestWorkerFailureFailsPendingTurn(t *testing.T) {
	f := newFixture(t, Options{FallbackUtterance: "sorry"})

	f.orch.OnAudioFrame("frank", frame(960))
	waitFor(t, "flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})
	f.answerSTT(t, "hey agent hello")
	waitFor(t, "generation request", func() bool {
		return f.mock.SendCount(protocol.RoleRAGLLM) == 1
	})

	f.mock.EmitLifecycle(protocol.RoleRAGLLM, worker.StatusDegraded, nil)

	waitFor(t, "fallback delivered", func() bool {
		for _, s := range f.textsSeen() {
			if s == "frank:sorry" {
				return true
			}
		}
		return false
	})
	waitFor(t, "return to idle", func() bool {
		return f.peerState("frank") == "idle"
	})
	if st := f.orch.Stats(); st.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", st.Fallbacks)
	}
}

func TestWorkerErrorEventFailsTurn(t *testing.T) {
	f := newFixture(t, Options{FallbackUtterance: "sorry"})

	f.orch.OnAudioFrame("gina", frame(960))
	waitFor(t, "flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})

	send := f.mock.LastSend(protocol.RoleSTT)
	msg, err := protocol.NewErrorEvent(send.Msg.CorrelationID, protocol.CodeTranscriptionFailure, "decode error")
	if err != nil {
		t.Fatal(err)
	}
	f.mock.Emit(protocol.RoleSTT, msg)

	waitFor(t, "fallback delivered", func() bool {
		for _, s := range f.textsSeen() {
			if s == "gina:sorry" {
				return true
			}
		}
		return false
	})
	if n := f.mock.SendCount(protocol.RoleRAGLLM); n != 0 {
		t.Errorf("rag_llm sends = %d, want 0", n)
	}
}

func TestPeerLeaveOrphansPending(t *testing.T) {
	f := newFixture(t, Options{})

	f.orch.OnAudioFrame("henry", frame(960))
	waitFor(t, "flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 1
	})

	f.orch.OnPeerLeave("henry")
	waitFor(t, "session removed", func() bool {
		return len(f.orch.SessionSnapshot()) == 0
	})

	// Reply after departure goes to the unknown-correlation path.
	f.answerSTT(t, "hey agent hello")
	waitFor(t, "late reply dropped", func() bool {
		return f.orch.Stats().UnknownResults == 1
	})
	if got := f.audioCount(); got != 0 {
		t.Errorf("outbound audio count = %d, want 0", got)
	}
}

func TestTwoPeersIsolated(t *testing.T) {
	f := newFixture(t, Options{FallbackUtterance: "sorry"})

	f.orch.OnAudioFrame("p1", frame(960))
	f.orch.OnAudioFrame("p2", frame(480))
	waitFor(t, "both turns flushed", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) == 2
	})

	// Find each peer's request.
	var cid1, cid2 string
	for _, s := range f.mock.Sends() {
		switch s.Msg.PeerID {
		case "p1":
			cid1 = s.Msg.CorrelationID
		case "p2":
			cid2 = s.Msg.CorrelationID
		}
	}
	if cid1 == "" || cid2 == "" {
		t.Fatal("missing per-peer requests")
	}

	// p1 fails at transcription; p2 proceeds to a full answer.
	errMsg, err := protocol.NewErrorEvent(cid1, protocol.CodeTranscriptionFailure, "noise")
	if err != nil {
		t.Fatal(err)
	}
	f.mock.Emit(protocol.RoleSTT, errMsg)

	tr, err := protocol.NewTranscriptResult(cid2, "hey agent hello")
	if err != nil {
		t.Fatal(err)
	}
	f.mock.Emit(protocol.RoleSTT, tr)
	waitFor(t, "p2 generation request", func() bool {
		return f.mock.SendCount(protocol.RoleRAGLLM) == 1
	})
	f.answerRAG(t, "hi")
	waitFor(t, "p2 synthesis request", func() bool {
		return f.mock.SendCount(protocol.RoleTTS) == 1
	})
	f.answerTTS(t, []byte{7})

	waitFor(t, "p2 audio delivered", func() bool { return f.audioCount() == 1 })

	f.mu.Lock()
	audioPeer := f.audio[0]
	f.mu.Unlock()
	if audioPeer != "p2" {
		t.Errorf("audio went to %q, want p2", audioPeer)
	}
	sawFallback := false
	for _, s := range f.textsSeen() {
		if s == "p2:sorry" {
			t.Error("p1 failure leaked a fallback to p2")
		}
		if s == "p1:sorry" {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Error("p1 never received its fallback")
	}
}

func TestMaxTurnDurationForcesFlush(t *testing.T) {
	f := newFixture(t, Options{
		SilenceWindow:   500 * time.Millisecond,
		MaxTurnDuration: 80 * time.Millisecond,
		TickInterval:    10 * time.Millisecond,
	})

	// Keep talking faster than the silence window; the duration cap must
	// still end the turn.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			f.orch.OnAudioFrame("ivy", frame(96))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	waitFor(t, "forced flush", func() bool {
		return f.mock.SendCount(protocol.RoleSTT) >= 1
	})
	<-done
}

func TestIdleSessionEvicted(t *testing.T) {
	f := newFixture(t, Options{IdleSessionTimeout: 80 * time.Millisecond})

	f.orch.OnPeerJoin("joe")
	waitFor(t, "session created", func() bool {
		return len(f.orch.SessionSnapshot()) == 1
	})
	waitFor(t, "session evicted", func() bool {
		return len(f.orch.SessionSnapshot()) == 0
	})
}
