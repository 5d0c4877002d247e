// Package stream implements the Stream Adaptor: it wraps the upstream's
// event-per-line protocol, classifies each event against a small
// transaction state machine and a "stuck" signature, and emits either the
// original event, a synthesized retry marker, or a synthesized fallback
// message to the client-facing stream.
package stream

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
)

// TransactionState is the Adaptor's per-stream state.
type TransactionState string

const (
	Idle     TransactionState = "idle"
	Active   TransactionState = "active"
	Failed   TransactionState = "failed"
	Retrying TransactionState = "retrying"
)

const (
	actionBeginTransaction    = "begin_transaction"
	actionRollbackTransaction = "rollback_transaction"
	actionCommitTransaction   = "commit_transaction"
)

var (
	rollbackPattern        = regexp.MustCompile(`(?i)rollback_transaction`)
	updateTaskPattern      = regexp.MustCompile(`(?i)update_task_description`)
	beginThenRollback      = regexp.MustCompile(`(?i)begin_transaction.*rollback_transaction`)
	appendContentPattern   = regexp.MustCompile(`(?i)append_to_message_content`)
	agentOutputPresentWord = regexp.MustCompile(`(?i)agent_output`)
)

// retryMarkers are the client-visible strings a retry cycles through, per
// the fixed three-string rotation the source payload documents.
var retryMarkers = []string{
	"🔄 Hit a snag, retrying the request…",
	"🔄 One moment, reconnecting to continue…",
	"🔄 Retrying — this should only take a second…",
}

const fallbackMessage = `⚠️ I wasn't able to complete that action after a few attempts. Here's what I can offer instead:

1. A worked example showing the approach
2. Step-by-step guidance you can follow manually
3. General best-practice advice for this kind of task

Let me know which would help most.`

// Event is one outbound frame: either the original upstream event
// forwarded unchanged, or client-visible text synthesized by the Adaptor.
type Event struct {
	Raw         []byte
	Synthesized bool
}

// StreamEvent is a decoded inbound upstream frame. Raw is kept for the
// stuck-signature regex match, which operates on the JSON serialization of
// the whole event rather than on parsed fields alone.
type StreamEvent struct {
	Actions         []string
	AgentOutputText string
	Raw             []byte
}

// ParseEvent decodes an upstream SSE data payload into a StreamEvent.
// Missing or malformed fields simply decode to their zero value — the
// Adaptor treats an unparseable event as "no actions, no agent output",
// which falls through to plain pass-through unless the stuck signature
// fires on the raw bytes.
func ParseEvent(raw []byte) StreamEvent {
	ev := StreamEvent{Raw: raw}
	for _, action := range gjson.GetBytes(raw, "client_actions.actions").Array() {
		ev.Actions = append(ev.Actions, action.String())
	}
	ev.AgentOutputText = gjson.GetBytes(raw, "message.agent_output.text").String()
	return ev
}

func (e StreamEvent) hasAction(name string) bool {
	for _, a := range e.Actions {
		if a == name {
			return true
		}
	}
	return false
}

// RetryAction is an optional hook invoked when the Adaptor decides to
// retry. The Adaptor itself only injects a visible marker and keeps
// reading from the same upstream connection; a caller that wants an
// actual upstream resubmission wires one in here.
type RetryAction func()

// Adaptor holds per-stream transaction state. Not safe for concurrent
// use — one instance per upstream stream, used from a single goroutine.
type Adaptor struct {
	state       TransactionState
	retryCount  int
	maxRetries  int
	retryIdx    int
	retryAction RetryAction
}

// New returns an Adaptor in the idle state. maxRetries <= 0 falls back to
// the documented default of 2.
func New(maxRetries int, action RetryAction) *Adaptor {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Adaptor{state: Idle, maxRetries: maxRetries, retryAction: action}
}

// State returns the Adaptor's current transaction state.
func (a *Adaptor) State() TransactionState {
	return a.state
}

// Process classifies one inbound event and returns the outbound event(s)
// it produces. A panic during classification is recovered and turned into
// a single synthesized error event, per the "stream catches any exception"
// requirement; it never propagates to the caller.
func (a *Adaptor) Process(raw []byte) (out []Event) {
	defer func() {
		if r := recover(); r != nil {
			out = []Event{errorEvent(fmt.Sprintf("%v", r))}
		}
	}()

	ev := ParseEvent(raw)

	switch {
	case ev.hasAction(actionBeginTransaction):
		a.state = Active
		a.retryCount = 0
		return []Event{{Raw: raw}}

	case ev.hasAction(actionRollbackTransaction):
		return a.handleStuck()

	case ev.hasAction(actionCommitTransaction):
		a.state = Idle
		return []Event{{Raw: raw}}

	case isStuckSignature(raw, ev.AgentOutputText):
		return a.handleStuck()

	default:
		return []Event{{Raw: raw}}
	}
}

// Close reports the terminal event the Adaptor owes the stream when the
// upstream connection ends without a clean commit, per the "honors
// upstream-close by emitting whatever synthesized terminal event its
// current state requires" rule: a fallback if failed, nothing otherwise.
func (a *Adaptor) Close() []Event {
	if a.state == Failed {
		return []Event{fallbackEvent()}
	}
	return nil
}

// handleStuck implements the shared rollback/stuck-signature branch:
// retry while budget remains, else fall back terminally.
func (a *Adaptor) handleStuck() []Event {
	a.state = Failed
	if a.retryCount < a.maxRetries {
		a.retryCount++
		a.state = Retrying
		if a.retryAction != nil {
			a.retryAction()
		}
		return []Event{retryEvent(a.nextMarker())}
	}
	return []Event{fallbackEvent()}
}

func (a *Adaptor) nextMarker() string {
	marker := retryMarkers[a.retryIdx%len(retryMarkers)]
	a.retryIdx++
	return marker
}

// isStuckSignature matches the JSON serialization of an event against the
// documented stuck-signature patterns. rollback_transaction (alone or
// following begin_transaction) is always stuck. update_task_description is
// stuck only when the event carries no actual agent output alongside it —
// an update_task_description accompanied by append_to_message_content,
// another agent_output marker, or real message.agent_output.text is a
// normal progress update, not a stall.
func isStuckSignature(raw []byte, agentOutputText string) bool {
	s := string(raw)
	if rollbackPattern.MatchString(s) || beginThenRollback.MatchString(s) {
		return true
	}
	if updateTaskPattern.MatchString(s) {
		if !appendContentPattern.MatchString(s) && !agentOutputPresentWord.MatchString(s) && agentOutputText == "" {
			return true
		}
	}
	return false
}

func retryEvent(text string) Event {
	return Event{Raw: choiceDelta(text), Synthesized: true}
}

func fallbackEvent() Event {
	return Event{Raw: choiceDelta(fallbackMessage), Synthesized: true}
}

func errorEvent(detail string) Event {
	return Event{Raw: choiceDelta("❌ " + detail), Synthesized: true}
}

func choiceDelta(content string) []byte {
	payload := map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]any{"content": content}},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"choices":[{"delta":{"content":""}}]}`)
	}
	return raw
}
