package inbound

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-inbound/bencode"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/decrypt"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/test"
	"github.com/meow-io/go-inbound/pipeline"
	"github.com/meow-io/go-inbound/supervisor"
	"github.com/stretchr/testify/require"
)

var key1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type node struct {
	t        *testing.T
	i        *Inbound
	address  ids.ID
	identity []byte
	sent     uint64
}

func newNode(t *testing.T, name string) *node {
	require := require.New(t)
	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix(name),
		config.WithDeferredGroupRetryMs(20),
	)
	i, err := NewInbound(c)
	require.Nil(err)
	require.True(i.New())
	require.Nil(i.Initialize(key1))
	require.True(i.Running())
	t.Cleanup(func() {
		if err := i.Shutdown(); err != nil {
			t.Error(err)
		}
	})

	n := &node{t: t, i: i, address: ids.NewID(), sent: 100}
	n.identity, err = i.CreateIdentity(n.address, 1)
	require.Nil(err)
	require.Nil(i.SetRegistered(true))
	return n
}

// connect lets from speak first to to.
func connect(t *testing.T, from, to *node) {
	require := require.New(t)
	secret := make([]byte, 32)
	_, err := crypto_rand.Read(secret)
	require.Nil(err)
	ratchetPub, ratchetPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	require.Nil(to.i.AcceptSession(from.address, 1, secret, ratchetPriv[:]))
	require.Nil(from.i.InitiateSession(to.address, 1, secret, ratchetPub[:]))
}

// envelope encrypts content for to. Sealed envelopes hide the sender from everyone but to.
func (n *node) envelope(to *node, guid string, content *envelope.Content, sealed bool) []byte {
	require := require.New(n.t)
	plaintext, err := content.Serialize()
	require.Nil(err)
	ct, err := n.i.Encrypt(to.address, 1, plaintext)
	require.Nil(err)
	n.sent++
	env := &envelope.Envelope{Type: envelope.TypeCiphertext, Timestamp: n.sent, ServerTimestamp: n.sent + 1, SourceAddress: &n.address, SourceDevice: 1, Destination: &to.address, Content: ct}
	if sealed {
		env.Type = envelope.TypeUnidentifiedSender
		env.SourceAddress = nil
		env.SourceDevice = 0
		env.Content, err = decrypt.Seal(to.identity, n.address, 1, ct)
		require.Nil(err)
	}
	if guid != "" {
		env.ServerGUID = &guid
	}
	raw, err := env.Serialize()
	require.Nil(err)
	return raw
}

func (n *node) deliver(raw []byte) error {
	c, err := n.i.SubmitEncrypted(raw, 500, envelope.SourceTests)
	require.Nil(n.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Wait(ctx)
}

func (n *node) bodies() []string {
	entries, err := n.i.Inbox(100)
	require.Nil(n.t, err)
	out := make([]string, 0)
	for k := len(entries) - 1; k >= 0; k-- {
		out = append(out, string(entries[k].Body))
	}
	return out
}

func data(body string) *envelope.Content {
	return &envelope.Content{Kind: envelope.KindData, Body: []byte(body)}
}

func TestDeliverEncrypted(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	connect(t, alice, bob)

	require.Nil(bob.deliver(alice.envelope(bob, "g1", data("hello"), false)))
	require.Nil(bob.deliver(alice.envelope(bob, "g2", data("sealed hello"), true)))

	entries, err := bob.i.Inbox(10)
	require.Nil(err)
	require.Len(entries, 2)
	require.Equal([]string{"hello", "sealed hello"}, bob.bodies())
	for _, e := range entries {
		require.Equal(alice.address, e.Source)
		require.Equal(uint32(1), e.Device)
		require.Equal(uint64(500), e.ServerDeliveryTimestamp)
		require.Equal(envelope.KindData, e.Kind)
		require.Nil(e.GroupID)
	}
	require.True(entries[0].SealedSender)
	require.False(entries[1].SealedSender)

	deadline := time.After(5 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case u := <-bob.i.Updates():
			if iu, ok := u.(*InboxUpdate); ok {
				require.Equal(alice.address, iu.Entry.Source)
				seen++
			}
		case <-deadline:
			t.Fatal("inbox updates never arrived")
		}
	}

	require.Equal(0, bob.i.QueueDepth())
	require.False(bob.i.HasPendingWork())
}

func TestDeliverFailures(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	carol := newNode(t, "carol")
	connect(t, alice, bob)

	raw := alice.envelope(bob, "g1", data("first"), false)
	require.Nil(bob.deliver(raw))

	err := bob.deliver(raw)
	require.True(errors.Is(err, decrypt.ErrDuplicateMessage), "decrypt-time duplicate is reported")
	require.True(pipeline.IsExpectedFailure(err))
	require.True(pipeline.AckBehaviorFor(err).ShouldAck())

	err = carol.deliver(alice.envelope(bob, "", data("misrouted"), false))
	require.ErrorIs(err, pipeline.ErrWrongDestination)

	require.Nil(bob.i.Block(alice.address))
	err = bob.deliver(alice.envelope(bob, "", data("blocked"), false))
	require.ErrorIs(err, pipeline.ErrBlockedSender)
	require.Nil(bob.i.Unblock(alice.address))
	require.Nil(bob.deliver(alice.envelope(bob, "", data("unblocked"), false)))

	require.Equal([]string{"first", "unblocked"}, bob.bodies())
}

func TestDeferredGroupMessages(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	connect(t, alice, bob)

	groupID := ids.NewID()
	require.Nil(bob.i.UpsertGroup(&groups.Group{ID: groupID, Revision: 1, LocalMember: true}))
	require.Nil(bob.i.SetGroupMember(groupID, alice.address, true))

	early := data("early")
	early.Group = &envelope.GroupContextV2{ID: groupID, Revision: 2}
	require.Nil(bob.deliver(alice.envelope(bob, "", early, false)), "deferral completes successfully")
	require.Empty(bob.bodies())

	require.Nil(bob.i.UpsertGroup(&groups.Group{ID: groupID, Revision: 2, LocalMember: true}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(func() bool {
		return len(bob.bodies()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Nil(bob.i.AwaitFullDrain(ctx))
	require.Equal([]string{"early"}, bob.bodies())
}

func TestGroupChange(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	connect(t, alice, bob)
	dave := ids.NewID()

	groupID := ids.NewID()
	require.Nil(bob.i.UpsertGroup(&groups.Group{ID: groupID, Revision: 4, LocalMember: true}))
	require.Nil(bob.i.SetGroupMember(groupID, alice.address, true))

	announcementsOnly := true
	body, err := bencode.Serialize(&groupChange{Added: []ids.ID{dave}, AnnouncementsOnly: &announcementsOnly})
	require.Nil(err)
	update := &envelope.Content{Kind: envelope.KindGroupUpdate, Body: body, Group: &envelope.GroupContextV2{ID: groupID, Revision: 5, HasChange: true}}
	require.Nil(bob.deliver(alice.envelope(bob, "", update, false)))

	require.Nil(bob.i.DB.RunReadOnly("check group", func() error {
		g, ok, err := bob.i.groups.Group(bob.i.DB.Tx, groupID)
		require.Nil(err)
		require.True(ok)
		require.Equal(uint32(5), g.Revision)
		require.True(g.AnnouncementsOnly)
		mode, err := bob.i.groups.DiscardMode(bob.i.DB.Tx, dave, &envelope.GroupContextV2{ID: groupID, Revision: 5})
		require.Nil(err)
		require.Equal(groups.DiscardVisible, mode, "dave is a member but not an admin")
		return nil
	}))

	announcement := data("announcement")
	announcement.Group = &envelope.GroupContextV2{ID: groupID, Revision: 5}
	require.Nil(bob.deliver(alice.envelope(bob, "", announcement, false)))

	entries, err := bob.i.Inbox(10)
	require.Nil(err)
	require.Len(entries, 2)
	require.Equal(envelope.KindData, entries[0].Kind)
	require.Equal(groupID, *entries[0].GroupID)
	require.Equal(envelope.KindGroupUpdate, entries[1].Kind)
}

func TestDrainWaitsForRegistrationAndSuspension(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	connect(t, alice, bob)

	require.Nil(bob.i.SetRegistered(false))
	c, err := bob.i.SubmitEncrypted(alice.envelope(bob, "g1", data("one"), false), 1, envelope.SourceTests)
	require.Nil(err)
	_, err = bob.i.SubmitEncrypted(alice.envelope(bob, "g1", data("copy"), false), 1, envelope.SourceTests)
	require.ErrorIs(err, pipeline.ErrDuplicatePendingEnvelope)
	require.False(pipeline.AckBehaviorFor(err).ShouldAck())
	time.Sleep(50 * time.Millisecond)
	require.Equal(1, bob.i.QueueDepth())
	require.False(bob.i.Status().Ready)

	bob.i.Suspend(supervisor.ReasonMaintenance)
	require.Nil(bob.i.SetRegistered(true))
	time.Sleep(50 * time.Millisecond)
	require.Equal(1, bob.i.QueueDepth())
	status := bob.i.Status()
	require.Equal([]string{"maintenance"}, status.Suspensions)
	require.True(status.Ready)
	require.Equal(StateRunning, status.State)

	bob.i.Unsuspend(supervisor.ReasonMaintenance)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Nil(c.Wait(ctx))
	require.Equal([]string{"one"}, bob.bodies())
}

func TestReopen(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	connect(t, alice, bob)
	require.Nil(bob.deliver(alice.envelope(bob, "", data("before"), false)))

	require.Nil(bob.i.Shutdown())
	require.True(bob.i.Initialized())
	_, err := bob.i.SubmitEncrypted([]byte("x"), 1, envelope.SourceTests)
	require.NotNil(err)

	require.Nil(bob.i.Open(key1))
	require.True(bob.i.Running())
	require.Empty(bob.i.Status().Suspensions)
	require.True(bob.i.Status().Ready)
	require.Nil(bob.deliver(alice.envelope(bob, "", data("after"), false)))
	require.Equal([]string{"before", "after"}, bob.bodies())
}

func TestPruneReceived(t *testing.T) {
	require := require.New(t)
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	connect(t, alice, bob)
	mc := clock.NewManualClock(time.Now())
	bob.i.clock = mc

	raw := alice.envelope(bob, "", data("once"), false)
	require.Nil(bob.deliver(raw))
	n, err := bob.i.pruneReceived()
	require.Nil(err)
	require.Equal(int64(0), n)

	mc.Advance(time.Duration(bob.i.config.ReceivedRetentionMs+1000) * time.Millisecond)
	n, err = bob.i.pruneReceived()
	require.Nil(err)
	require.Equal(int64(1), n)
}
