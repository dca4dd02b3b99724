// Package dispatch fans one user prompt out to every allowed model in
// parallel and folds the replies back into the conversation.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"aifusion/internal/ai"
	"aifusion/internal/catalog"
	"aifusion/internal/conversation"
	"aifusion/internal/persistence"
	"aifusion/internal/quota"
	"aifusion/internal/selection"
	"aifusion/internal/tracing"
)

// Identity is who is sending.
type Identity struct {
	Owner     string
	IsPremium bool
}

// AttachmentKind distinguishes attachment variants.
type AttachmentKind string

const (
	AttachmentFile  AttachmentKind = "file"
	AttachmentVoice AttachmentKind = "voice"
)

// Attachment is a non-text user input. Only its description reaches the models.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name,omitempty"`
}

// Description is the user message text an attachment stands for.
func (a Attachment) Description() string {
	if a.Kind == AttachmentVoice {
		return "🎤 Voice message"
	}
	return "📎 " + a.Name
}

// SendRequest is one user submission. Attachment wins over Text.
type SendRequest struct {
	Text       string
	Attachment *Attachment
}

func (r SendRequest) content() string {
	if r.Attachment != nil {
		return r.Attachment.Description()
	}
	return strings.TrimSpace(r.Text)
}

// Saver merge-writes session state.
type Saver interface {
	Save(ctx context.Context, sessionID string, p persistence.Partial) error
}

// Options configures a Dispatcher. Catalog, Selection, Conversation and
// Provider are required.
type Options struct {
	Catalog      *catalog.Catalog
	Selection    *selection.State
	Conversation *conversation.Store
	Provider     ai.Provider
	Quota        quota.Checker
	Saver        Saver
	Observer     Observer
	Tracer       trace.Tracer
	HistoryLimit int
	LogContent   bool
}

// Dispatcher sends prompts for one chat session.
type Dispatcher struct {
	catalog      *catalog.Catalog
	selection    *selection.State
	conv         *conversation.Store
	provider     ai.Provider
	quota        quota.Checker
	saver        Saver
	observer     Observer
	tracer       trace.Tracer
	historyLimit int
	logContent   bool

	// sendMu serializes the append phase of concurrent sends
	sendMu sync.Mutex
	// saveMu orders snapshot-and-write pairs so older snapshots never land last
	saveMu sync.Mutex

	inflight sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Catalog == nil || opts.Selection == nil || opts.Conversation == nil {
		return nil, fmt.Errorf("catalog, selection and conversation are required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	d := &Dispatcher{
		catalog:      opts.Catalog,
		selection:    opts.Selection,
		conv:         opts.Conversation,
		provider:     opts.Provider,
		quota:        opts.Quota,
		saver:        opts.Saver,
		observer:     opts.Observer,
		tracer:       opts.Tracer,
		historyLimit: opts.HistoryLimit,
		logContent:   opts.LogContent,
	}
	if d.quota == nil {
		d.quota = quota.Unlimited{}
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return d, nil
}

// TargetResult is the settled outcome of one target.
type TargetResult struct {
	Target    selection.Target
	RequestID string
	Message   conversation.Message
	Outcome   conversation.Outcome
	Err       error // *OutboundRequestFailed when the request failed
}

// Dispatch tracks the targets of one Send.
type Dispatch struct {
	SessionID string
	Targets   []selection.Target

	binding conversation.Binding
	wg      sync.WaitGroup
	mu      sync.Mutex
	results []TargetResult
}

// Wait blocks until every target has settled and returns their results in
// completion order.
func (d *Dispatch) Wait() []TargetResult {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TargetResult, len(d.results))
	copy(out, d.results)
	return out
}

func (d *Dispatch) record(r TargetResult) {
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
}

type pending struct {
	target    selection.Target
	requestID string
	history   []ai.ChatMessage
}

// Send runs one fan-out. It returns once every placeholder is in the
// conversation; replies arrive asynchronously. Only ErrEmptyMessage,
// ErrNoEligibleModel and ErrQuotaExceeded are returned; per-target failures
// are folded into the conversation as the failure marker.
func (d *Dispatcher) Send(ctx context.Context, id Identity, req SendRequest) (*Dispatch, error) {
	text := req.content()
	if text == "" {
		return nil, ErrEmptyMessage
	}

	ctx, span := d.tracer.Start(ctx, tracing.SpanSend, trace.WithAttributes(
		attribute.String(tracing.AttrOwner, id.Owner),
	))
	defer span.End()

	d.sendMu.Lock()

	targets := selection.AllowedModels(d.selection.Snapshot(), d.catalog, id.IsPremium)
	if len(targets) == 0 {
		d.sendMu.Unlock()
		span.SetStatus(codes.Error, ErrNoEligibleModel.Error())
		return nil, ErrNoEligibleModel
	}

	if !d.quota.Admit(id.Owner, 1) {
		d.sendMu.Unlock()
		span.SetStatus(codes.Error, ErrQuotaExceeded.Error())
		log.Printf("[Dispatch] Quota exhausted for %s", id.Owner)
		return nil, ErrQuotaExceeded
	}

	binding := d.conv.Binding()
	sessionID := binding.SessionID
	title := ""
	if d.conv.IsEmpty() {
		title = text
	}

	userMsg := conversation.UserMessage(text)
	dispatch := &Dispatch{SessionID: sessionID, Targets: targets, binding: binding}
	work := make([]pending, 0, len(targets))

	for _, t := range targets {
		history := toChatMessages(d.conv.History(t.ModelName, d.historyLimit))
		history = append(history, ai.ChatMessage{Role: string(conversation.RoleUser), Content: text})

		requestID := uuid.New().String()
		placeholder := conversation.Placeholder(requestID)
		d.conv.AppendMessage(t.ModelName, userMsg)
		d.conv.AppendMessage(t.ModelName, placeholder)

		work = append(work, pending{target: t, requestID: requestID, history: history})
		d.emit(Event{
			Type:       EventPlaceholderAdded,
			SessionID:  sessionID,
			ModelName:  t.ModelName,
			SubModelID: t.SubModelID,
			RequestID:  requestID,
			Message:    placeholder,
		})
	}

	d.persist(ctx, sessionID, id.Owner, title)
	d.sendMu.Unlock()

	span.SetAttributes(
		attribute.String(tracing.AttrSessionID, sessionID),
		attribute.Int(tracing.AttrTargetCount, len(targets)),
	)
	if d.logContent {
		log.Printf("[Dispatch] Session %s: sending %q to %d models", sessionID, text, len(targets))
	} else {
		log.Printf("[Dispatch] Session %s: sending to %d models", sessionID, len(targets))
	}

	// outbound calls outlive the caller's request; the transport timeout bounds them
	runCtx := context.WithoutCancel(ctx)
	dispatch.wg.Add(len(work))
	d.inflight.Add(1)
	for _, p := range work {
		go d.run(runCtx, id, dispatch, p)
	}
	go func() {
		dispatch.wg.Wait()
		d.emit(Event{Type: EventSettled, SessionID: sessionID})
		d.inflight.Done()
	}()

	return dispatch, nil
}

// Reset moves the conversation to another session, or reloads the current
// one. Sends in their append phase finish first; replies still in flight from
// before the reset are discarded when they arrive.
func (d *Dispatcher) Reset(sessionID string, conv conversation.Conversation) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	d.conv.Reset(sessionID, conv)
}

// Idle blocks until every dispatch started so far has settled.
func (d *Dispatcher) Idle() {
	d.inflight.Wait()
}

func (d *Dispatcher) run(ctx context.Context, id Identity, dispatch *Dispatch, p pending) {
	defer dispatch.wg.Done()

	ctx, span := d.tracer.Start(ctx, tracing.SpanTarget, trace.WithAttributes(
		attribute.String(tracing.AttrSessionID, dispatch.SessionID),
		attribute.String(tracing.AttrModelName, p.target.ModelName),
		attribute.String(tracing.AttrSubModelID, p.target.SubModelID),
		attribute.String(tracing.AttrRequestID, p.requestID),
	))
	defer span.End()

	result := TargetResult{Target: p.target, RequestID: p.requestID}
	eventType := EventTargetResolved

	resp, err := d.provider.GenerateResponse(ctx, &ai.GenerateRequest{
		Messages:    p.history,
		Model:       p.target.SubModelID,
		ParentModel: p.target.ModelName,
		OutputType:  ai.OutputTypeText,
	})
	if err != nil {
		failure := &OutboundRequestFailed{ModelName: p.target.ModelName, SubModelID: p.target.SubModelID, Err: err}
		log.Printf("[Dispatch] %v", failure)
		span.RecordError(err)
		span.SetStatus(codes.Error, "outbound request failed")

		result.Err = failure
		result.Message = conversation.Message{
			Role:          conversation.RoleAssistant,
			Content:       conversation.FailureMarker,
			Status:        conversation.StatusFailed,
			SourceModelID: p.target.SubModelID,
		}
		eventType = EventTargetFailed
	} else {
		result.Message = conversation.Message{
			Role:          conversation.RoleAssistant,
			Content:       resp.Content,
			Status:        conversation.StatusResolved,
			SourceModelID: p.target.SubModelID,
		}
	}

	// resolution and persistence share the save lock so the written
	// snapshot always includes this resolution
	d.saveMu.Lock()
	result.Outcome = d.conv.Resolve(dispatch.binding, p.target.ModelName, p.requestID, result.Message)
	if result.Outcome != conversation.OutcomeDiscarded {
		d.persistLocked(ctx, dispatch.SessionID, id.Owner, "")
	}
	d.saveMu.Unlock()

	span.SetAttributes(attribute.String(tracing.AttrOutcome, result.Outcome.String()))
	result.Message.RequestID = p.requestID
	dispatch.record(result)

	if result.Outcome == conversation.OutcomeDiscarded {
		log.Printf("[Dispatch] Discarding late %s reply for session %s", p.target.ModelName, dispatch.SessionID)
		return
	}

	d.emit(Event{
		Type:       eventType,
		SessionID:  dispatch.SessionID,
		ModelName:  p.target.ModelName,
		SubModelID: p.target.SubModelID,
		RequestID:  p.requestID,
		Message:    result.Message,
		Err:        result.Err,
	})
}

func (d *Dispatcher) persist(ctx context.Context, sessionID, owner, title string) {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	d.persistLocked(ctx, sessionID, owner, title)
}

func (d *Dispatcher) persistLocked(ctx context.Context, sessionID, owner, title string) {
	if d.saver == nil {
		return
	}
	// the store may have switched sessions since; never write one
	// session's messages under another id
	if d.conv.SessionID() != sessionID {
		return
	}

	err := d.saver.Save(ctx, sessionID, persistence.Partial{
		Owner:    owner,
		Messages: d.conv.SnapshotForPersistence(),
		Title:    title,
	})
	if err != nil {
		failure := &PersistenceWriteFailed{SessionID: sessionID, Err: err}
		log.Printf("[Dispatch] %v", failure)
		d.emit(Event{Type: EventPersistFailed, SessionID: sessionID, Err: failure})
	}
}

func (d *Dispatcher) emit(e Event) {
	if d.observer != nil {
		d.observer.OnDispatchEvent(e)
	}
}

func toChatMessages(msgs []conversation.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, ai.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
