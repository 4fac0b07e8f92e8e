package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaAcquisitionDenied means local media could not be acquired.
	// The call attempt is aborted and all resources released.
	ErrMediaAcquisitionDenied = errors.New("media acquisition denied")
	// ErrNegotiationFailed means the transport reported a failed state.
	// Recoverable by user retry after a full teardown.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrClosed means the controller was torn down while an operation
	// was in flight. No further signaling is emitted.
	ErrClosed = errors.New("controller closed")
)

type State string

const (
	StateNew             State = "new"
	StateAwaitingAnswer  State = "awaiting-answer"
	StateAwaitingConnect State = "awaiting-connect"
	StateConnected       State = "connected"
	StateFailed          State = "failed"
	StateClosed          State = "closed"
)

// Params configures a Controller for one call attempt.
type Params struct {
	Logger *log.Logger
	Media  MediaSource
	// ICEServers defaults to a public STUN server when empty.
	ICEServers []webrtc.ICEServer
	// OnLocalCandidate receives locally gathered candidates; they must
	// be signaled to the peer immediately.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnStateChange observes controller state transitions.
	OnStateChange func(State)
}

// Controller owns one peer connection for one call attempt and drives it
// to connected, failed or closed. Candidates from the peer that arrive
// before the remote description is set are buffered in arrival order and
// applied exactly once when it is.
type Controller struct {
	log              *log.Logger
	media            MediaSource
	onLocalCandidate func(webrtc.ICECandidateInit)
	onStateChange    func(State)

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	state        State
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	closed       bool
	addCandidate func(webrtc.ICECandidateInit) error
}

func NewController(p Params) (*Controller, error) {
	if p.Media == nil {
		return nil, fmt.Errorf("media source is required")
	}

	iceServers := p.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Controller{
		log:              p.Logger,
		media:            p.Media,
		onLocalCandidate: p.OnLocalCandidate,
		onStateChange:    p.OnStateChange,
		pc:               pc,
		state:            StateNew,
	}
	c.addCandidate = pc.AddICECandidate

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if c.isClosed() {
			return
		}
		if c.onLocalCandidate != nil {
			c.onLocalCandidate(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			c.log.Println("peer connection failed")
			c.setState(StateFailed)
			c.Close()
		case webrtc.PeerConnectionStateClosed:
			c.Close()
		}
	})

	return c, nil
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCall acquires local media and produces the offer for an outbound
// call. The controller then awaits the peer's answer.
func (c *Controller) StartCall(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.acquireMedia(ctx); err != nil {
		c.Close()
		return webrtc.SessionDescription{}, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	c.setState(StateAwaitingAnswer)
	return offer, nil
}

// AcceptCall acquires local media, applies the remote offer and produces
// the answer for an inbound call. Any candidates buffered while the offer
// was in flight are applied in arrival order.
func (c *Controller) AcceptCall(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.acquireMedia(ctx); err != nil {
		c.Close()
		return webrtc.SessionDescription{}, err
	}

	if err := c.applyRemoteDescription(offer); err != nil {
		c.Close()
		return webrtc.SessionDescription{}, err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	c.setState(StateAwaitingConnect)
	return answer, nil
}

// HandleAnswer applies the peer's answer to an outbound call and drains
// the candidate queue.
func (c *Controller) HandleAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateAwaitingAnswer {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("unexpected answer in state %q", state)
	}
	c.mu.Unlock()

	if err := c.applyRemoteDescription(answer); err != nil {
		return err
	}

	c.setState(StateAwaitingConnect)
	return nil
}

// AddRemoteCandidate applies a candidate from the peer, or buffers it if
// the remote description is not set yet. The buffer preserves arrival
// order exactly; candidates are never reordered or deduplicated.
func (c *Controller) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return nil
	}

	return c.addCandidate(cand)
}

// applyRemoteDescription sets the remote description and applies every
// buffered candidate in its original arrival order, exactly once.
func (c *Controller) applyRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.remoteSet = true

	for _, cand := range c.pending {
		if err := c.addCandidate(cand); err != nil {
			c.log.Println("apply buffered candidate:", err)
		}
	}
	c.pending = nil

	return nil
}

// acquireMedia suspends until local media is available and hands its
// tracks to the peer connection. A teardown while the acquisition is
// pending discards the result without emitting further signaling.
func (c *Controller) acquireMedia(ctx context.Context) error {
	tracks, err := c.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAcquisitionDenied, err)
	}

	if c.isClosed() {
		c.media.Release()
		return ErrClosed
	}

	for _, track := range tracks {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}

	return nil
}

// Close tears the call attempt down: media released, peer connection
// closed, buffered candidates discarded. Idempotent and taken on every
// exit path, not only the happy one.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.pending = nil
	pc := c.pc
	c.mu.Unlock()

	c.media.Release()
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.log.Println("close peer connection:", err)
		}
	}

	if c.onStateChange != nil {
		c.onStateChange(StateClosed)
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}
