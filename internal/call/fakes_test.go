package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
)

const sdpBody = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n" +
	"a=max-message-size:100000\r\n"

// recorder keeps a global order of operations across fake peers.
type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recorder) index(op string) int {
	for i, o := range r.list() {
		if o == op {
			return i
		}
	}
	return -1
}

type fakeRTPSender struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (f *fakeRTPSender) ReplaceTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	f.tracks = append(f.tracks, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeRTPSender) last() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tracks) == 0 {
		return nil
	}
	return f.tracks[len(f.tracks)-1]
}

type fakeDataChannel struct {
	label string
	init  *webrtc.DataChannelInit

	mu      sync.Mutex
	state   webrtc.DataChannelState
	sent    []string
	closed  int
	onOpen  func()
	onMsg   func(webrtc.DataChannelMessage)
	onClose func()
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMsg = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	d.closed++
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	return nil
}

func (d *fakeDataChannel) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDataChannel) receive(text string) {
	d.mu.Lock()
	f := d.onMsg
	d.mu.Unlock()
	if f != nil {
		f(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
	}
}

func (d *fakeDataChannel) sentTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fakePeer struct {
	name string
	rec  *recorder

	mu            sync.Mutex
	offerFailures int
	offers        []webrtc.OfferOptions
	local         []webrtc.SessionDescription
	remote        []webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	tracks        []webrtc.TrackLocal
	senders       []*fakeRTPSender
	dc            *fakeDataChannel
	closed        int

	onICE   func(webrtc.ICEConnectionState)
	onNeg   func()
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onDC    func(DataChannel)
}

func (p *fakePeer) CreateOffer(o *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerFailures > 0 {
		p.offerFailures--
		return webrtc.SessionDescription{}, errors.New("offer failed")
	}
	var opts webrtc.OfferOptions
	if o != nil {
		opts = *o
	}
	p.offers = append(p.offers, opts)
	p.rec.add(fmt.Sprintf("%s:offer", p.name))
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpBody}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.rec.add(fmt.Sprintf("%s:answer", p.name))
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpBody}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = append(p.local, d)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = append(p.remote, d)
	p.mu.Unlock()
	p.rec.add(fmt.Sprintf("%s:remote:%s", p.name, d.Type))
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	p.rec.add(fmt.Sprintf("%s:candidate:%s", p.name, c.Candidate))
	return nil
}

func (p *fakePeer) AddTrack(t webrtc.TrackLocal) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeRTPSender{}
	p.tracks = append(p.tracks, t)
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dc = &fakeDataChannel{label: label, init: init, state: webrtc.DataChannelStateConnecting}
	return p.dc, nil
}

func (p *fakePeer) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *fakePeer) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	p.onNeg = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	p.rec.add(fmt.Sprintf("%s:close", p.name))
	return nil
}

func (p *fakePeer) fireICE(st webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	f(st)
}

func (p *fakePeer) fireNegotiationNeeded() {
	p.mu.Lock()
	f := p.onNeg
	p.mu.Unlock()
	f()
}

func (p *fakePeer) restartOffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.offers {
		if o.ICERestart {
			n++
		}
	}
	return n
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offers)
}

func (p *fakePeer) remoteDescriptions() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.remote...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) dataChannel() *fakeDataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// remoteDataChannel announces a channel the other side opened, the way pion
// does before the channel is open.
func (p *fakePeer) remoteDataChannel(label string) *fakeDataChannel {
	dc := &fakeDataChannel{label: label, state: webrtc.DataChannelStateConnecting}
	p.mu.Lock()
	f := p.onDC
	p.mu.Unlock()
	if f != nil {
		f(dc)
	}
	return dc
}

type stubTrack struct {
	*webrtc.TrackLocalStaticSample

	mu     sync.Mutex
	closed int
}

func (t *stubTrack) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *stubTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeDevices hands out stub tracks, refusing video with a permission
// error when denyVideo is set and everything when denyAll is set.
type fakeDevices struct {
	t         *testing.T
	denyVideo bool
	denyAll   bool

	mu     sync.Mutex
	issued []*stubTrack
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c media.Constraints) ([]media.Track, error) {
	if d.denyAll || (d.denyVideo && c.Video != nil) {
		return nil, fmt.Errorf("getUserMedia: %w", media.ErrPermissionDenied)
	}
	var tracks []media.Track
	add := func(kind webrtc.RTPCodecType, mime string) {
		tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "local")
		require.NoError(d.t, err)
		st := &stubTrack{TrackLocalStaticSample: tr}
		d.mu.Lock()
		d.issued = append(d.issued, st)
		d.mu.Unlock()
		tracks = append(tracks, st)
	}
	if c.Audio != nil {
		add(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	}
	if c.Video != nil {
		add(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)
	}
	return tracks, nil
}

func (d *fakeDevices) tracks() []*stubTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*stubTrack(nil), d.issued...)
}

type fakeRelay struct {
	mu       sync.Mutex
	fail     bool
	attempts int
	sent     []models.Signal
}

func (r *fakeRelay) SendSignal(_ context.Context, sig models.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.fail {
		return errors.New("relay unreachable")
	}
	r.sent = append(r.sent, sig)
	return nil
}

func (r *fakeRelay) ofType(t models.SignalType) []models.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Signal
	for _, s := range r.sent {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (r *fakeRelay) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) states(callID string) []State {
	var out []State
	for _, e := range l.of(EventStateChanged) {
		if e.CallID == callID {
			out = append(out, e.State)
		}
	}
	return out
}

type sleepLog struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepLog) list() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.d...)
}

type harness struct {
	t       *testing.T
	m       *Manager
	rec     *recorder
	relay   *fakeRelay
	devices *fakeDevices
	events  *eventLog
	sleeps  *sleepLog

	mu    sync.Mutex
	peers []*fakePeer
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:       t,
		rec:     &recorder{},
		relay:   &fakeRelay{},
		devices: &fakeDevices{t: t},
		events:  &eventLog{},
		sleeps:  &sleepLog{},
	}
	factory := func(webrtc.Configuration) (PeerConnection, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		p := &fakePeer{name: fmt.Sprintf("pc%d", len(h.peers)+1), rec: h.rec}
		h.peers = append(h.peers, p)
		return p, nil
	}
	cfg := Config{
		MaxSendAttempts: 3,
		RetryBase:       time.Second,
		MaxICERestarts:  2,
		Sleep:           h.sleeps.sleep,
	}
	h.m = NewManager("alice", cfg, factory, media.NewAcquirer(h.devices), h.relay, h.events.handle)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) peer(i int) *fakePeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.peers), i, "peer %d not created", i)
	return h.peers[i]
}

func (h *harness) peerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func videoCall(id string) models.Call {
	return models.Call{
		ID:             id,
		ConversationID: "42",
		CallerID:       "alice",
		Type:           models.CallTypeVideo,
		Status:         models.CallStatusCalling,
		Participants:   []models.Participant{{ID: "alice"}, {ID: "bob"}},
	}
}

func candidate(callID, c string) models.Signal {
	return models.Signal{
		Type:           models.SignalTypeCandidate,
		ConversationID: "42",
		CallID:         callID,
		SenderID:       "bob",
		Payload: models.SignalPayload{
			Type:      models.SignalTypeCandidate,
			Candidate: &webrtc.ICECandidateInit{Candidate: c},
		},
	}
}

func sdpSignal(callID string, t models.SignalType) models.Signal {
	return models.Signal{
		Type:           t,
		ConversationID: "42",
		CallID:         callID,
		SenderID:       "bob",
		Payload:        models.SignalPayload{Type: t, SDP: sdpBody},
	}
}

func hasMaxMessageSize(sdp string) bool {
	return strings.Contains(sdp, "max-message-size")
}

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)
