// Package agent implements the pipeline orchestrator: it owns per-peer turn
// detection, wake-word gating, request dispatch to the STT, RAG+LLM, and TTS
// workers, and routing of their results back to the originating peer.
//
// All per-peer state transitions for all peers run on one serialized event
// loop. Audio capture and worker I/O happen on other goroutines and only feed
// that loop, so session state never needs locking and cross-peer work never
// blocks on a single peer.
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/session"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/wakeword"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/worker"
)

// Options holds the orchestrator's tunable parameters.
type Options struct {
	SilenceWindow      time.Duration // No-frame gap that ends a turn
	MaxTurnDuration    time.Duration // Hard cap on a single turn
	RequestTimeout     time.Duration // Deadline for each worker request
	IdleSessionTimeout time.Duration // Evict silent peers with nothing pending
	WakePhrases        []string
	FallbackUtterance  string // Sent to the peer when a turn fails

	// TickInterval drives turn-end and timeout sweeps. Zero derives it
	// from the silence window.
	TickInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SilenceWindow <= 0 {
		o.SilenceWindow = 700 * time.Millisecond
	}
	if o.MaxTurnDuration <= 0 {
		o.MaxTurnDuration = 15 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.IdleSessionTimeout <= 0 {
		o.IdleSessionTimeout = 5 * time.Minute
	}
	if o.FallbackUtterance == "" {
		o.FallbackUtterance = "Sorry, I couldn't process that."
	}
	if o.TickInterval <= 0 {
		o.TickInterval = o.SilenceWindow / 4
		if o.TickInterval < 10*time.Millisecond {
			o.TickInterval = 10 * time.Millisecond
		}
		if o.TickInterval > 250*time.Millisecond {
			o.TickInterval = 250 * time.Millisecond
		}
	}
	return o
}

// Note is an observability event emitted for dashboards and logs.
type Note struct {
	Kind string `json:"kind"` // transcript, response, error, worker_status, peer_evicted
	Peer string `json:"peer,omitempty"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
}

// Stats are the orchestrator's counters for the metrics endpoint.
type Stats struct {
	FramesReceived     uint64 `json:"frames_received"`
	FramesDropped      uint64 `json:"frames_dropped"`
	TurnsFlushed       uint64 `json:"turns_flushed"`
	TurnsDiscarded     uint64 `json:"turns_discarded"`
	ResponsesDelivered uint64 `json:"responses_delivered"`
	Fallbacks          uint64 `json:"fallbacks"`
	RequestsTimedOut   uint64 `json:"requests_timed_out"`
	UnknownResults     uint64 `json:"unknown_results"`
}

// event is one unit of work for the serialized loop.
type event struct {
	kind   eventKind
	peerID string
	frame  []byte
	at     time.Time
	fn     func() // evInspect
}

type eventKind int

const (
	evFrame eventKind = iota
	evJoin
	evLeave
	evInspect
)

// Orchestrator composes the turn buffer, wake-word gate, session registry,
// worker dispatcher, and response router into the conversational pipeline.
type Orchestrator struct {
	opts       Options
	dispatcher worker.Dispatcher
	gate       *wakeword.Gate
	sessions   *session.Registry
	router     *router
	queue      chan event
	logger     *slog.Logger

	// Outbound sinks and observers; set before Run.
	onAudio  func(peerID string, audio []byte)
	onText   func(peerID string, text string)
	onNote   func(Note)
	audioTap func(peerID, stage string, pcm []byte)

	framesReceived     atomic.Uint64
	framesDropped      atomic.Uint64
	turnsFlushed       atomic.Uint64
	turnsDiscarded     atomic.Uint64
	responsesDelivered atomic.Uint64
	fallbacks          atomic.Uint64
	requestsTimedOut   atomic.Uint64
	unknownResults     atomic.Uint64
}

// New creates an orchestrator on top of a worker dispatcher.
func New(opts Options, dispatcher worker.Dispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Orchestrator{
		opts:       opts,
		dispatcher: dispatcher,
		gate:       wakeword.NewGate(opts.WakePhrases...),
		sessions:   session.NewRegistry(logger),
		router:     newRouter(),
		queue:      make(chan event, 1024),
		logger:     logger.With("component", "orchestrator"),
	}
}

// OnOutboundAudio registers the sink for synthesized replies.
// Must be called before Run.
func (o *Orchestrator) OnOutboundAudio(fn func(peerID string, audio []byte)) {
	o.onAudio = fn
}

// OnOutboundText registers the sink for text notices (answers, fallbacks).
// Must be called before Run.
func (o *Orchestrator) OnOutboundText(fn func(peerID string, text string)) {
	o.onText = fn
}

// OnNote registers an observer for pipeline events. Must be called before Run.
func (o *Orchestrator) OnNote(fn func(Note)) {
	o.onNote = fn
}

// OnAudioTap registers a hook that sees flushed turn audio and synthesized
// replies, used for debug WAV dumps. Must be called before Run.
func (o *Orchestrator) OnAudioTap(fn func(peerID, stage string, pcm []byte)) {
	o.audioTap = fn
}

// OnAudioFrame feeds one inbound PCM frame from the transport.
// Blocks briefly if the event queue is full, which is the pipeline's
// backpressure toward the transport.
//
// The frame is copied here, once: the transport reuses its read buffer, and
// everything downstream (queue, turn buffer) holds the copy.
func (o *Orchestrator) OnAudioFrame(peerID string, frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	o.queue <- event{kind: evFrame, peerID: peerID, frame: cp, at: time.Now()}
}

// OnPeerJoin creates the peer's session ahead of its first audio frame.
func (o *Orchestrator) OnPeerJoin(peerID string) {
	o.queue <- event{kind: evJoin, peerID: peerID, at: time.Now()}
}

// OnPeerLeave destroys the peer's session. Results for any in-flight
// request are later dropped through the unknown-correlation path.
func (o *Orchestrator) OnPeerLeave(peerID string) {
	o.queue <- event{kind: evLeave, peerID: peerID, at: time.Now()}
}

// SessionSnapshot returns per-peer state, serialized through the event loop.
func (o *Orchestrator) SessionSnapshot() []session.Info {
	ch := make(chan []session.Info, 1)
	select {
	case o.queue <- event{kind: evInspect, fn: func() { ch <- o.sessions.Snapshot() }}:
	case <-time.After(time.Second):
		return nil
	}
	select {
	case snap := <-ch:
		return snap
	case <-time.After(time.Second):
		return nil
	}
}

// Stats returns the orchestrator's counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		FramesReceived:     o.framesReceived.Load(),
		FramesDropped:      o.framesDropped.Load(),
		TurnsFlushed:       o.turnsFlushed.Load(),
		TurnsDiscarded:     o.turnsDiscarded.Load(),
		ResponsesDelivered: o.responsesDelivered.Load(),
		Fallbacks:          o.fallbacks.Load(),
		RequestsTimedOut:   o.requestsTimedOut.Load(),
		UnknownResults:     o.unknownResults.Load(),
	}
}

// Run consumes events until the context is cancelled. It is the single
// mutator of all session state.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()

	o.logger.Info("orchestrator running",
		"silence_window", o.opts.SilenceWindow,
		"max_turn", o.opts.MaxTurnDuration,
		"request_timeout", o.opts.RequestTimeout,
		"wake_phrases", o.gate.Phrases(),
	)

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-o.queue:
			switch ev.kind {
			case evFrame:
				o.handleFrame(ev.peerID, ev.frame, ev.at)
			case evJoin:
				o.sessions.GetOrCreate(ev.peerID)
			case evLeave:
				o.handleLeave(ev.peerID)
			case evInspect:
				ev.fn()
			}

		case wev, ok := <-o.dispatcher.Events():
			if !ok {
				o.logger.Error("worker event stream closed, stopping")
				return
			}
			o.handleWorkerEvent(wev)

		case now := <-ticker.C:
			o.sweep(now)
		}
	}
}

// handleFrame buffers one audio frame. Frames arriving while a request is
// pending are still buffered but never trigger a new turn-end until the
// pending request resolves.
func (o *Orchestrator) handleFrame(peerID string, frame []byte, now time.Time) {
	o.framesReceived.Add(1)
	sess := o.sessions.GetOrCreate(peerID)

	if !sess.Audio.Push(frame, now) {
		o.framesDropped.Add(1)
		return
	}
	if sess.State == session.Idle {
		sess.State = session.Buffering
	}
}

// handleLeave destroys the session and orphans any in-flight request.
func (o *Orchestrator) handleLeave(peerID string) {
	sess := o.sessions.Remove(peerID)
	if sess == nil {
		return
	}
	if sess.PendingRequestID != "" {
		o.router.drop(sess.PendingRequestID)
	}
}

// sweep runs on every tick: turn-end detection, request timeouts, idle
// session eviction.
func (o *Orchestrator) sweep(now time.Time) {
	for _, p := range o.router.expired(now) {
		o.requestsTimedOut.Add(1)
		o.logger.Warn("request timed out",
			"peer", p.peerID, "cid", p.correlationID, "stage", p.stage.String())
		o.failTurn(p, protocol.CodeRequestTimeout, "request deadline exceeded")
	}

	var flush []*session.Session
	o.sessions.Each(func(sess *session.Session) {
		if sess.State == session.Buffering && sess.Audio.ShouldFlush(now, o.opts.SilenceWindow, o.opts.MaxTurnDuration) {
			flush = append(flush, sess)
		}
	})
	for _, sess := range flush {
		o.flushTurn(sess, now)
	}

	for _, peerID := range o.sessions.Idle(now, o.opts.IdleSessionTimeout) {
		o.sessions.Remove(peerID)
		o.notify(Note{Kind: "peer_evicted", Peer: peerID})
	}
}

// flushTurn ships a completed turn to the STT worker.
func (o *Orchestrator) flushTurn(sess *session.Session, now time.Time) {
	pcm := sess.Audio.Flush()
	if len(pcm) == 0 {
		sess.State = session.Idle
		return
	}
	o.turnsFlushed.Add(1)
	o.tap(sess.PeerID, "turn", pcm)

	cid := uuid.NewString()
	sess.State = session.AwaitingTranscript
	sess.PendingRequestID = cid
	sess.PendingSince = now

	o.router.add(cid, sess.PeerID, stageTranscript, protocol.RoleSTT, now, o.opts.RequestTimeout)
	o.logger.Debug("turn flushed", "peer", sess.PeerID, "cid", cid, "bytes", len(pcm))

	// An audio send may block under backpressure; that is the flush call
	// feeling the worker's queue, as intended.
	if err := o.dispatcher.Send(protocol.RoleSTT, protocol.NewAudioChunk(cid, sess.PeerID, pcm)); err != nil {
		o.logger.Error("stt dispatch failed", "peer", sess.PeerID, "error", err)
		p, _ := o.router.resolve(cid)
		if p != nil {
			o.failTurn(p, protocol.CodeTranscriptionFailure, err.Error())
		}
	}
}

// handleWorkerEvent processes one worker lifecycle change or protocol
// message on the serialized loop.
func (o *Orchestrator) handleWorkerEvent(ev worker.Event) {
	if ev.Msg == nil {
		o.notify(Note{Kind: "worker_status", Role: ev.Role, Text: string(ev.Status)})
		switch ev.Status {
		case worker.StatusDegraded, worker.StatusTerminated:
			// Never leave a caller blocked on a dead worker.
			for _, p := range o.router.failRole(ev.Role) {
				o.failTurn(p, protocol.CodeWorkerUnavailable, "worker "+ev.Role+" unavailable")
			}
		}
		if ev.Status == worker.StatusTerminated {
			o.logger.Error("pipeline role permanently unavailable", "role", ev.Role)
		}
		return
	}

	msg := ev.Msg
	if !msg.IsTerminal() {
		o.logger.Debug("ignoring non-terminal worker message", "role", ev.Role, "kind", msg.Kind)
		return
	}

	p, err := o.router.resolve(msg.CorrelationID)
	if err != nil {
		// Late reply after a timeout or a departed peer. Logged, dropped,
		// never delivered to a newer request.
		o.unknownResults.Add(1)
		o.logger.Warn("dropping result with unknown correlation id",
			"role", ev.Role, "kind", msg.Kind, "cid", msg.CorrelationID)
		return
	}

	sess := o.sessions.Get(p.peerID)
	if sess == nil || sess.PendingRequestID != p.correlationID {
		o.logger.Warn("originating peer gone, dropping result", "peer", p.peerID, "cid", p.correlationID)
		return
	}

	if msg.Kind == protocol.KindErrorEvent {
		ee, err := msg.GetError()
		code := p.stage.failureCode()
		detail := ""
		if err == nil {
			detail = ee.Message
			if ee.Code != "" {
				code = ee.Code
			}
		}
		o.failTurn(p, code, detail)
		return
	}

	switch p.stage {
	case stageTranscript:
		o.handleTranscript(sess, msg, p)
	case stageGeneration:
		o.handleAnswer(sess, msg, p)
	case stageSynthesis:
		o.handleSpeech(sess, msg, p)
	}
}

// handleTranscript gates a finished transcript and, if addressed, forwards
// the question to the RAG+LLM worker.
func (o *Orchestrator) handleTranscript(sess *session.Session, msg *protocol.Message, p *pending) {
	tr, err := msg.GetTranscript()
	if err != nil {
		o.failTurn(p, protocol.CodeTranscriptionFailure, err.Error())
		return
	}
	o.notify(Note{Kind: "transcript", Peer: sess.PeerID, Text: tr.Text})

	if !o.gate.IsAddressed(tr.Text) {
		o.turnsDiscarded.Add(1)
		o.logger.Debug("turn not addressed to agent", "peer", sess.PeerID, "text", tr.Text)
		o.finishTurn(sess)
		return
	}

	cid := uuid.NewString()
	req, err := protocol.NewGenerationRequest(cid, sess.PeerID, tr.Text)
	if err != nil {
		o.failTurn(p, protocol.CodeGenerationFailure, err.Error())
		return
	}

	sess.State = session.AwaitingAnswer
	sess.PendingRequestID = cid
	sess.PendingSince = time.Now()
	o.router.add(cid, sess.PeerID, stageGeneration, protocol.RoleRAGLLM, time.Now(), o.opts.RequestTimeout)

	if err := o.dispatcher.Send(protocol.RoleRAGLLM, req); err != nil {
		o.logger.Error("generation dispatch failed", "peer", sess.PeerID, "error", err)
		if p2, _ := o.router.resolve(cid); p2 != nil {
			o.failTurn(p2, protocol.CodeGenerationFailure, err.Error())
		}
	}
}

// handleAnswer forwards a generated answer to the TTS worker and surfaces
// the text to the peer right away.
func (o *Orchestrator) handleAnswer(sess *session.Session, msg *protocol.Message, p *pending) {
	gr, err := msg.GetGenerationResult()
	if err != nil {
		o.failTurn(p, protocol.CodeGenerationFailure, err.Error())
		return
	}
	o.notify(Note{Kind: "response", Peer: sess.PeerID, Text: gr.Answer})
	o.emitText(sess.PeerID, gr.Answer)

	cid := uuid.NewString()
	req, err := protocol.NewSynthesisRequest(cid, gr.Answer)
	if err != nil {
		o.failTurn(p, protocol.CodeSynthesisFailure, err.Error())
		return
	}

	sess.State = session.AwaitingSpeech
	sess.PendingRequestID = cid
	sess.PendingSince = time.Now()
	o.router.add(cid, sess.PeerID, stageSynthesis, protocol.RoleTTS, time.Now(), o.opts.RequestTimeout)

	if err := o.dispatcher.Send(protocol.RoleTTS, req); err != nil {
		o.logger.Error("synthesis dispatch failed", "peer", sess.PeerID, "error", err)
		if p2, _ := o.router.resolve(cid); p2 != nil {
			o.failTurn(p2, protocol.CodeSynthesisFailure, err.Error())
		}
	}
}

// handleSpeech delivers synthesized audio to the peer and closes the turn.
func (o *Orchestrator) handleSpeech(sess *session.Session, msg *protocol.Message, p *pending) {
	if msg.Kind != protocol.KindSynthesisResult || len(msg.Audio) == 0 {
		o.failTurn(p, protocol.CodeSynthesisFailure, "empty synthesis result")
		return
	}
	o.responsesDelivered.Add(1)
	o.tap(sess.PeerID, "reply", msg.Audio)
	o.emitAudio(sess.PeerID, msg.Audio)
	o.finishTurn(sess)
}

// failTurn resolves a failed request: the peer hears a short fallback
// instead of silence, and its session returns to buffering/idle. Failures
// never cross peers.
func (o *Orchestrator) failTurn(p *pending, code, detail string) {
	o.fallbacks.Add(1)
	o.notify(Note{Kind: "error", Peer: p.peerID, Role: p.role, Text: code})
	o.logger.Warn("turn failed", "peer", p.peerID, "stage", p.stage.String(), "code", code, "detail", detail)

	o.emitText(p.peerID, o.opts.FallbackUtterance)

	sess := o.sessions.Get(p.peerID)
	if sess == nil || sess.PendingRequestID != p.correlationID {
		return
	}
	o.finishTurn(sess)
}

// finishTurn clears pending state. Audio buffered while the request was in
// flight resumes turn-end evaluation immediately.
func (o *Orchestrator) finishTurn(sess *session.Session) {
	sess.ClearPending()
	if sess.Audio.Empty() {
		sess.State = session.Idle
	} else {
		sess.State = session.Buffering
	}
}

func (s stage) failureCode() string {
	switch s {
	case stageTranscript:
		return protocol.CodeTranscriptionFailure
	case stageGeneration:
		return protocol.CodeGenerationFailure
	default:
		return protocol.CodeSynthesisFailure
	}
}

func (o *Orchestrator) emitAudio(peerID string, audio []byte) {
	if o.onAudio != nil {
		o.onAudio(peerID, audio)
	}
}

func (o *Orchestrator) emitText(peerID string, text string) {
	if o.onText != nil {
		o.onText(peerID, text)
	}
}

func (o *Orchestrator) notify(n Note) {
	if o.onNote != nil {
		o.onNote(n)
	}
}

func (o *Orchestrator) tap(peerID, stage string, pcm []byte) {
	if o.audioTap != nil {
		o.audioTap(peerID, stage, pcm)
	}
}
