package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwave/internal/testutil"
)

// fakeMedia counts acquisitions and releases.
type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
}

func (f *fakeMedia) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		return nil, err
	}
	return []webrtc.TrackLocal{video}, nil
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeMedia) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func newTestController(t *testing.T, media MediaSource) *Controller {
	c, err := NewController(Params{
		Logger: testutil.TestLogger(t),
		Media:  media,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestNewControllerRequiresMedia(t *testing.T) {
	_, err := NewController(Params{Logger: testutil.TestLogger(t)})
	assert.Error(t, err, "expected error without a media source")
}

func TestStartCall(t *testing.T) {
	media := &fakeMedia{}
	c := newTestController(t, media)

	offer, err := c.StartCall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.NotEmpty(t, offer.SDP)
	assert.Equal(t, StateAwaitingAnswer, c.State())
	assert.Equal(t, 1, media.acquired)
}

func TestStartCallMediaDenied(t *testing.T) {
	media := &fakeMedia{err: errors.New("permission denied")}
	c := newTestController(t, media)

	_, err := c.StartCall(context.Background())
	assert.ErrorIs(t, err, ErrMediaAcquisitionDenied)
	assert.Equal(t, StateClosed, c.State(), "expected teardown on denied media")
	assert.GreaterOrEqual(t, media.releases(), 1, "expected media released on failure path")
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	media := &fakeMedia{}
	c := newTestController(t, media)

	var applied []string
	c.mu.Lock()
	c.addCandidate = func(cand webrtc.ICECandidateInit) error {
		applied = append(applied, cand.Candidate)
		return nil
	}
	c.mu.Unlock()

	_, err := c.StartCall(context.Background())
	require.NoError(t, err)

	// candidates from the peer arrive before the answer
	require.NoError(t, c.AddRemoteCandidate(candidate("a")))
	require.NoError(t, c.AddRemoteCandidate(candidate("b")))
	require.NoError(t, c.AddRemoteCandidate(candidate("c")))
	assert.Empty(t, applied, "expected candidates buffered before remote description")

	answer := remoteAnswerFor(t, c)
	require.NoError(t, c.HandleAnswer(answer))

	assert.Equal(t, []string{"a", "b", "c"}, applied,
		"expected buffered candidates applied in arrival order")
	assert.Equal(t, StateAwaitingConnect, c.State())

	// late candidates bypass the drained queue
	require.NoError(t, c.AddRemoteCandidate(candidate("d")))
	assert.Equal(t, []string{"a", "b", "c", "d"}, applied,
		"expected late candidate applied immediately, queue not replayed")
}

func TestAcceptCallDrainsBufferedCandidates(t *testing.T) {
	caller := newTestController(t, &fakeMedia{})
	offer, err := caller.StartCall(context.Background())
	require.NoError(t, err)

	callee := newTestController(t, &fakeMedia{})

	var applied []string
	callee.mu.Lock()
	callee.addCandidate = func(cand webrtc.ICECandidateInit) error {
		applied = append(applied, cand.Candidate)
		return nil
	}
	callee.mu.Unlock()

	// the caller's candidates raced ahead of the offer acceptance
	require.NoError(t, callee.AddRemoteCandidate(candidate("x")))
	require.NoError(t, callee.AddRemoteCandidate(candidate("y")))

	answer, err := callee.AcceptCall(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, StateAwaitingConnect, callee.State())
	assert.Equal(t, []string{"x", "y"}, applied, "expected queue drained on accept")
}

func TestHandleAnswerWrongState(t *testing.T) {
	c := newTestController(t, &fakeMedia{})

	err := c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	assert.Error(t, err, "expected error answering before offer")
}

func TestCloseIsIdempotentAndReleasesMedia(t *testing.T) {
	media := &fakeMedia{}
	c := newTestController(t, media)

	var states []State
	var mu sync.Mutex
	c.onStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	_, err := c.StartCall(context.Background())
	require.NoError(t, err)

	c.Close()
	c.Close()

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, media.releases(), "expected exactly one release despite double close")

	mu.Lock()
	assert.Equal(t, []State{StateClosed}, states, "expected one closed transition")
	mu.Unlock()

	assert.ErrorIs(t, c.AddRemoteCandidate(candidate("late")), ErrClosed)
	assert.ErrorIs(t, c.HandleAnswer(webrtc.SessionDescription{}), ErrClosed)
}

func TestStartCallAfterCancelledContext(t *testing.T) {
	c := newTestController(t, NewStaticMedia())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.StartCall(ctx)
	assert.ErrorIs(t, err, ErrMediaAcquisitionDenied)
	assert.Equal(t, StateClosed, c.State())
}

// remoteAnswerFor produces a valid answer for c's current offer using a
// second peer connection.
func remoteAnswerFor(t *testing.T, c *Controller) webrtc.SessionDescription {
	t.Helper()

	peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	offer := c.pc.LocalDescription()
	require.NotNil(t, offer, "expected local offer set")
	require.NoError(t, peer.SetRemoteDescription(*offer))

	answer, err := peer.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, peer.SetLocalDescription(answer))

	return answer
}
