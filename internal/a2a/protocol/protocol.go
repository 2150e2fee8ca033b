package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

const inboxBufferSize = 256

// HandlerFunc processes a non-reply Envelope addressed to an agent and returns the
// response to send back, if any.
type HandlerFunc func(ctx context.Context, agentID string, msg Envelope) (*Envelope, error)

// Protocol is the A2A transport: one inbox channel per known agent, plus a map of
// pending request futures keyed by correlation id. The inbox-queue-plus-future shape
// mirrors a classic RPC-over-queue design; nothing in the teacher's codebase implements
// this directly; the trace-carrying envelope shape follows internal/core/natsctx's
// propagation pattern even though this transport is in-process rather than over NATS.
type Protocol struct {
	mu       sync.Mutex
	inboxes  map[string]chan Envelope
	pending  map[string]chan Envelope
	handlers map[MessageType]HandlerFunc
}

func New() *Protocol {
	return &Protocol{
		inboxes:  make(map[string]chan Envelope),
		pending:  make(map[string]chan Envelope),
		handlers: make(map[MessageType]HandlerFunc),
	}
}

// RegisterAgent ensures an inbox exists for agentID. Send to an unregistered agent fails.
func (p *Protocol) RegisterAgent(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inboxes[agentID]; !ok {
		p.inboxes[agentID] = make(chan Envelope, inboxBufferSize)
	}
}

// RegisterHandler wires a built-in or custom handler for msgType, invoked by the owning
// agent's Process loop when a non-reply message of that type arrives.
func (p *Protocol) RegisterHandler(msgType MessageType, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgType] = handler
}

// Send pushes msg onto ToAgent's inbox. For request-type messages it also registers a
// pending future keyed by CorrelationID and blocks (bounded by timeout, defaulting to
// DefaultResponseTimeout) until a reply with a matching correlation id is processed, or
// ctx is cancelled. On timeout the pending future is discarded and Send returns (nil, nil)
// — "the caller receives null" per spec §5, not an error.
func (p *Protocol) Send(ctx context.Context, msg Envelope, timeout time.Duration) (*Envelope, error) {
	if msg.ProtocolVersion == "" {
		msg.ProtocolVersion = ProtocolVersion
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	p.mu.Lock()
	inbox, ok := p.inboxes[msg.ToAgent]
	if !ok {
		p.mu.Unlock()
		return nil, errs.New(errs.KindNotFound, "protocol.send", "unknown recipient agent: "+msg.ToAgent)
	}

	var waitCh chan Envelope
	awaiting := requestTypes[msg.Type] && msg.CorrelationID != ""
	if awaiting {
		waitCh = make(chan Envelope, 1)
		p.pending[msg.CorrelationID] = waitCh
	}
	p.mu.Unlock()

	select {
	case inbox <- msg:
	default:
		if awaiting {
			p.mu.Lock()
			delete(p.pending, msg.CorrelationID)
			p.mu.Unlock()
		}
		return nil, errs.New(errs.KindTransient, "protocol.send", "inbox full for agent: "+msg.ToAgent)
	}

	if !awaiting {
		return nil, nil
	}

	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waitCh:
		return &reply, nil
	case <-timer.C:
		p.mu.Lock()
		delete(p.pending, msg.CorrelationID)
		p.mu.Unlock()
		return nil, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, msg.CorrelationID)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Receive pulls the next message addressed to agentID, waiting up to timeout.
func (p *Protocol) Receive(agentID string, timeout time.Duration) (*Envelope, error) {
	p.mu.Lock()
	inbox, ok := p.inboxes[agentID]
	p.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "protocol.receive", "unknown agent: "+agentID)
	}

	if timeout <= 0 {
		select {
		case msg := <-inbox:
			return &msg, nil
		default:
			return nil, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-inbox:
		return &msg, nil
	case <-timer.C:
		return nil, nil
	}
}

// Process either resolves a pending future (when msg.InReplyTo is set and a future is
// waiting on msg.CorrelationID) or dispatches to the registered handler for msg.Type. A
// handler's response, if any, is sent back to the original sender.
func (p *Protocol) Process(ctx context.Context, agentID string, msg Envelope) error {
	if msg.InReplyTo != "" {
		p.mu.Lock()
		waitCh, ok := p.pending[msg.CorrelationID]
		if ok {
			delete(p.pending, msg.CorrelationID)
		}
		p.mu.Unlock()
		if ok {
			select {
			case waitCh <- msg:
			default:
			}
		}
		return nil
	}

	p.mu.Lock()
	handler, ok := p.handlers[msg.Type]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	resp, err := handler(ctx, agentID, msg)
	if err != nil {
		errResp := msg.Reply(TypeError, agentID, map[string]any{"error": err.Error()})
		_, _ = p.Send(ctx, errResp, 0)
		return err
	}
	if resp != nil {
		_, _ = p.Send(ctx, *resp, 0)
	}
	return nil
}
