package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

func TestNewValidatesOptions(t *testing.T) {
	net := newFakeNet()
	base := Options{RoomID: testRoom, Self: "a", Transport: &fakeTransport{}, Engines: net.factory("a")}

	cases := map[string]func(o *Options){
		"room":      func(o *Options) { o.RoomID = "" },
		"self":      func(o *Options) { o.Self = "" },
		"transport": func(o *Options) { o.Transport = nil },
		"engines":   func(o *Options) { o.Engines = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			mutate(&o)
			_, err := New(o)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	_, err := New(base)
	require.NoError(t, err)
}

func TestStartFailsWhenMediaUnavailable(t *testing.T) {
	net := newFakeNet()
	cause := errors.New("camera busy")

	s, err := New(Options{
		RoomID:    testRoom,
		Self:      "a",
		Transport: &fakeTransport{},
		Engines:   net.factory("a"),
		Media:     func(context.Context) (MediaSource, error) { return nil, cause },
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.ErrorIs(t, err, ErrMediaAcquisition)
	require.ErrorIs(t, err, cause)

	s.Stop()
	_, ok := <-s.Events()
	assert.False(t, ok, "event stream must be closed after Stop")
}

func TestQueriesBeforeStart(t *testing.T) {
	net := newFakeNet()
	s, err := New(Options{RoomID: testRoom, Self: "a", Transport: &fakeTransport{}, Engines: net.factory("a")})
	require.NoError(t, err)

	_, err = s.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrSessionNotStarted)

	s.Stop()
	require.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, s.Reconcile(context.Background(), nil), ErrSessionClosed)
}

func TestFullMeshOfThree(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	a := joinRelay(t, relay, net, "a")
	b := joinRelay(t, relay, net, "b")
	c := joinRelay(t, relay, net, "c")

	requireConnected(t, a, "b", "c")
	requireConnected(t, b, "a", "c")
	requireConnected(t, c, "a", "b")

	// One connection per unordered pair, offered by the larger id.
	for _, pair := range [][2]ParticipantID{{"a", "b"}, {"a", "c"}, {"b", "c"}} {
		small, large := pair[0], pair[1]
		require.Len(t, net.engines(small, large), 1)
		require.Len(t, net.engines(large, small), 1)

		answerer := net.engine(small, large)
		require.Eventually(t, func() bool {
			_, _, _, candidates, _, _ := answerer.stats()
			return len(candidates) > 0
		}, time.Second, 5*time.Millisecond, "%s never applied a candidate from %s", small, large)

		_, accepted, early, _, tracks, _ := answerer.stats()
		assert.Equal(t, 1, accepted, "%s should have answered %s", small, large)
		assert.Zero(t, early)
		assert.Equal(t, []string{"audio", "video"}, tracks)

		_, accepted, _, _, _, _ = net.engine(large, small).stats()
		assert.Zero(t, accepted, "%s should not have answered %s", large, small)
	}

	for _, s := range []*Session{a, b, c} {
		require.Eventually(t, func() bool {
			current := peers(s)
			for id, p := range current {
				if p.Stream == nil || p.Stream.ID != string(id) {
					return false
				}
			}
			return len(current) == 2
		}, time.Second, 5*time.Millisecond, "%s is missing remote streams", s.Self())
	}
}

func TestParticipantLeaves(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	a := joinRelay(t, relay, net, "a")
	c := joinRelay(t, relay, net, "c")

	epB := relay.Join(testRoom, "b")
	b := startSession(t, epB, net, "b")

	requireConnected(t, a, "b", "c")
	requireConnected(t, c, "a", "b")
	requireConnected(t, b, "a", "c")

	b.Stop()
	epB.Close()

	for _, s := range []*Session{a, c} {
		require.Eventually(t, func() bool {
			_, ok := stateOf(s, "b")
			return !ok
		}, 5*time.Second, 10*time.Millisecond)
	}
	requireConnected(t, a, "c")
	requireConnected(t, c, "a")

	require.Eventually(t, func() bool {
		_, _, _, _, _, closed := net.engine("a", "b").stats()
		return closed
	}, time.Second, 10*time.Millisecond)
}

func TestClosedEventsOnStop(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	a := joinRelay(t, relay, net, "a")
	joinRelay(t, relay, net, "b")
	requireConnected(t, a, "b")

	a.Stop()

	var last Event
	for ev := range a.Events() {
		if ev.Participant == "b" {
			last = ev
		}
	}
	assert.Equal(t, StateClosed, last.State)

	_, _, _, _, _, closed := net.engine("a", "b").stats()
	assert.True(t, closed)

	a.Stop()
}

func TestUndrainedEventsKeepNewestState(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	a := joinRelay(t, relay, net, "a", withEventBuffer(1))
	joinRelay(t, relay, net, "b")
	requireConnected(t, a, "b")

	a.Stop()

	var got []Event
	for ev := range a.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, ParticipantID("b"), got[0].Participant)
	assert.Equal(t, StateClosed, got[0].State)
}

func TestGlareResolvesToOneConnection(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()
	always := withInitiates(func(ParticipantID, ParticipantID) bool { return true })

	a := joinRelay(t, relay, net, "a", always)
	b := joinRelay(t, relay, net, "b", always)

	requireConnected(t, a, "b")
	requireConnected(t, b, "a")

	rollbacks, _, _, _, _, _ := net.engine("a", "b").stats()
	assert.Equal(t, 1, rollbacks, "smaller id rolls back its own offer")

	rollbacks, accepted, _, _, _, _ := net.engine("b", "a").stats()
	assert.Zero(t, rollbacks)
	assert.Zero(t, accepted, "larger id ignores the colliding offer")

	require.Len(t, net.engines("a", "b"), 1)
	require.Len(t, net.engines("b", "a"), 1)
}

func TestRemoteCandidatesBufferedUntilOfferApplied(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	a := joinRelay(t, relay, net, "a")

	// z is scripted by hand: candidates first, then the offer, then more.
	z := relay.Join(testRoom, "z")
	t.Cleanup(z.Close)
	received := make(chan signaling.Envelope, 16)
	z.Subscribe(func(env signaling.Envelope) { received <- env })

	require.Eventually(t, func() bool {
		state, ok := stateOf(a, "z")
		return ok && state == StateIdle
	}, time.Second, 5*time.Millisecond)

	send := func(kind signaling.Kind, payload any) {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		require.NoError(t, z.Send(context.Background(), signaling.Envelope{From: "z", To: "a", Kind: kind, Payload: raw}))
	}
	send(signaling.KindICECandidate, fakeCandidate{Candidate: "z-1"})
	send(signaling.KindICECandidate, fakeCandidate{Candidate: "z-2"})
	send(signaling.KindOffer, fakeDesc{Type: "offer", Engine: 9999, From: "z"})
	send(signaling.KindICECandidate, fakeCandidate{Candidate: "z-3"})

	require.Eventually(t, func() bool {
		_, _, _, candidates, _, _ := net.engine("a", "z").stats()
		return len(candidates) == 3
	}, time.Second, 5*time.Millisecond)

	_, accepted, early, candidates, _, _ := net.engine("a", "z").stats()
	assert.Equal(t, 1, accepted)
	assert.Zero(t, early, "no candidate may reach the engine before the offer")
	assert.Equal(t, []string{"z-1", "z-2", "z-3"}, candidates)

	state, _ := stateOf(a, "z")
	assert.Equal(t, StateAnswering, state)

	// The answer goes out before any local candidate.
	first := <-received
	assert.Equal(t, signaling.KindAnswer, first.Kind)
	second := <-received
	assert.Equal(t, signaling.KindICECandidate, second.Kind)
}

func TestDropsBadEnvelopesWithoutStateChange(t *testing.T) {
	net := newFakeNet()
	transport := &fakeTransport{}
	s := startSession(t, transport, net, "a")
	require.NoError(t, s.Reconcile(context.Background(), []ParticipantID{"z"}))

	offer, _ := json.Marshal(fakeDesc{Type: "offer", Engine: 1, From: "z"})
	bad := []signaling.Envelope{
		{From: "z", To: "a", Kind: signaling.KindOffer, Payload: json.RawMessage(`{"type":`), RoomID: testRoom},
		{From: "z", To: "a", Kind: signaling.KindOffer, Payload: nil, RoomID: testRoom},
		{From: "z", To: "b", Kind: signaling.KindOffer, Payload: offer, RoomID: testRoom},
		{From: "z", To: "a", Kind: signaling.KindOffer, Payload: offer, RoomID: "other-room"},
		{From: "q", To: "a", Kind: signaling.KindOffer, Payload: offer, RoomID: testRoom},
		{From: "z", To: "a", Kind: signaling.KindAnswer, Payload: offer, RoomID: testRoom},
	}
	for _, env := range bad {
		transport.inject(env)
	}

	current := peers(s)
	require.Len(t, current, 1, "unknown senders never create connections")
	assert.Equal(t, StateIdle, current["z"].State)

	_, accepted, _, _, _, _ := net.engine("a", "z").stats()
	assert.Zero(t, accepted)
	assert.Empty(t, transport.sentTo("z"))
}

func TestReconcileMatchesMemberSet(t *testing.T) {
	net := newFakeNet()
	s := startSession(t, &fakeTransport{}, net, "m", withNegotiationTimeout(-1))
	ctx := context.Background()

	pool := []ParticipantID{"a", "b", "c", "m", "x", "y", "z"}
	rng := rand.New(rand.NewSource(42))
	model := map[ParticipantID]bool{}

	for i := 0; i < 200; i++ {
		var m signaling.Membership
		switch rng.Intn(3) {
		case 0:
			m.Snapshot = []ParticipantID{}
			for _, id := range pool {
				if rng.Intn(2) == 0 {
					m.Snapshot = append(m.Snapshot, id, id)
				}
			}
			model = map[ParticipantID]bool{}
			for _, id := range m.Snapshot {
				model[id] = true
			}
		case 1:
			id := pool[rng.Intn(len(pool))]
			m.Joined = []ParticipantID{id, id}
			model[id] = true
		default:
			id := pool[rng.Intn(len(pool))]
			m.Left = []ParticipantID{id}
			delete(model, id)
		}
		delete(model, "m")
		require.NoError(t, s.Apply(ctx, m))

		var want []ParticipantID
		for id := range model {
			want = append(want, id)
		}
		slices.Sort(want)

		var got []ParticipantID
		for id := range peers(s) {
			got = append(got, id)
		}
		slices.Sort(got)
		require.Equal(t, want, got, "step %d", i)

		members, err := s.Members(ctx)
		require.NoError(t, err)
		require.Equal(t, want, members, "step %d", i)
	}
}

func TestRemoveDuringNegotiation(t *testing.T) {
	net := newFakeNet()
	transport := &fakeTransport{}
	s := startSession(t, transport, net, "m")
	ctx := context.Background()

	release := net.holdOffers("m")
	t.Cleanup(release)

	require.NoError(t, s.Reconcile(ctx, []ParticipantID{"a"}))
	state, ok := stateOf(s, "a")
	require.True(t, ok)
	require.Equal(t, StateOffering, state)

	require.NoError(t, s.Reconcile(ctx, nil))
	_, ok = stateOf(s, "a")
	require.False(t, ok)

	release()

	assert.Never(t, func() bool {
		return len(transport.sentTo("a")) > 0
	}, 200*time.Millisecond, 10*time.Millisecond, "a stale offer must never be sent")

	_, _, _, _, _, closed := net.engine("m", "a").stats()
	assert.True(t, closed)
}

func TestNegotiationWatchdog(t *testing.T) {
	net := newFakeNet()
	s := startSession(t, &fakeTransport{}, net, "m",
		withNegotiationTimeout(30*time.Millisecond),
		withBackoff(time.Hour, time.Hour),
	)

	require.NoError(t, s.Reconcile(context.Background(), []ParticipantID{"a"}))

	// Nobody answers, so the offer times out.
	require.Eventually(t, func() bool {
		state, _ := stateOf(s, "a")
		return state == StateFailed
	}, time.Second, 5*time.Millisecond)

	stats, ok, err := s.RetryStats(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Attempt)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, time.Hour, stats.Delay)
}

func TestLinkFailureRecovers(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	a := joinRelay(t, relay, net, "a")
	b := joinRelay(t, relay, net, "b")
	c := joinRelay(t, relay, net, "c")

	requireConnected(t, a, "b", "c")
	requireConnected(t, b, "a", "c")
	requireConnected(t, c, "a", "b")

	before := net.engine("a", "c")
	net.fail("a", "c")

	requireConnected(t, a, "b", "c")
	requireConnected(t, c, "a", "b")
	require.NotSame(t, before, net.engine("a", "c"), "a fresh engine carries the recovered link")

	for _, link := range []struct {
		s      *Session
		remote ParticipantID
	}{{a, "c"}, {c, "a"}} {
		stats, ok, err := link.s.RetryStats(context.Background(), link.remote)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 0, stats.Attempt, "attempt resets once connected")
		assert.GreaterOrEqual(t, stats.Total, 1)
	}

	// The a-b link never noticed.
	_, ok, err := a.RetryStats(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, net.engines("a", "b"), 1)
}

func TestRetryAfterTransientLoss(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()

	// The first offer from b to a is lost; the watchdog fails the link and
	// the supervisor brings it back.
	var dropped bool
	relay.SetFilter(func(env signaling.Envelope) bool {
		if !dropped && env.Kind == signaling.KindOffer && env.From == "b" {
			dropped = true
			return false
		}
		return true
	})

	opts := []sessionOption{withNegotiationTimeout(50 * time.Millisecond)}
	a := joinRelay(t, relay, net, "a", opts...)
	b := joinRelay(t, relay, net, "b", opts...)

	requireConnected(t, a, "b")
	requireConnected(t, b, "a")

	stats, ok, err := b.RetryStats(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.Total, 1)
	assert.Zero(t, stats.Attempt)
}

func TestMediaToggleDoesNotRenegotiate(t *testing.T) {
	relay := signaling.NewMemoryRelay(discardLogger())
	net := newFakeNet()
	media := &fakeMedia{audio: true, video: true}

	ep := relay.Join(testRoom, "a")
	t.Cleanup(ep.Close)
	a, err := New(Options{
		RoomID:    testRoom,
		Self:      "a",
		Transport: ep,
		Engines:   net.factory("a"),
		Media:     func(context.Context) (MediaSource, error) { return media, nil },
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	joinRelay(t, relay, net, "b")
	requireConnected(t, a, "b")

	a.SetAudioEnabled(false)
	a.SetVideoEnabled(false)

	media.mu.Lock()
	assert.False(t, media.audio)
	assert.False(t, media.video)
	media.mu.Unlock()

	require.Len(t, net.engines("a", "b"), 1)
	state, _ := stateOf(a, "b")
	assert.Equal(t, StateConnected, state)

	a.Stop()
	media.mu.Lock()
	assert.True(t, media.closed)
	media.mu.Unlock()
}
