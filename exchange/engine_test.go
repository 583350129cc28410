package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[c.String()]
	return ok, nil
}

func (s *fakeStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[c.String()]
	if !ok {
		return nil, errNotFound{}
	}
	return d, nil
}

func (s *fakeStore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[c.String()] = data
	return nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	to peer.ID
	m  Message
}

func (s *fakeSender) SendMessage(ctx context.Context, p peer.ID, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: p, m: m})
	return nil
}

func (s *fakeSender) last() (sentMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentMessage{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func blockCid(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	h, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, h)
}

func newTestPeer(t *testing.T) peer.ID {
	t.Helper()
	return peer.ID("test-peer")
}

func TestEngineWantResolvesFromLocalStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	data := []byte("already have this")
	c := blockCid(t, data)
	require.NoError(t, store.Put(ctx, c, data))

	e := New(ctx, newTestPeer(t), store, &fakeSender{})

	ch := e.Want(ctx, c, 1)
	select {
	case got := <-ch:
		assert.Equal(t, data, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local resolution")
	}
}

func TestEngineWantResolvesOnReceiveMessage(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sender := &fakeSender{}
	e := New(ctx, newTestPeer(t), store, sender)

	data := []byte("arrives over the wire")
	c := blockCid(t, data)

	ch := e.Want(ctx, c, 1)

	from := peer.ID("remote")
	require.NoError(t, e.ReceiveMessage(ctx, from, Message{Blocks: []RawBlock{{Cid: c, Data: data}}}))

	select {
	case got := <-ch:
		assert.Equal(t, data, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for remote resolution")
	}

	has, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has, "received block must be persisted")
}

func TestEngineServeWantsRespondsWithBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	sender := &fakeSender{}
	e := New(ctx, newTestPeer(t), store, sender)

	data := []byte("i can serve this")
	c := blockCid(t, data)
	require.NoError(t, store.Put(ctx, c, data))

	from := peer.ID("asker")
	require.NoError(t, e.ReceiveMessage(ctx, from, Message{
		Wantlist: []Entry{{Cid: c, Priority: 1, WantType: WantBlock}},
	}))

	go e.ServeWants(ctx)

	require.Eventually(t, func() bool {
		last, ok := sender.last()
		return ok && len(last.m.Blocks) == 1
	}, time.Second, 10*time.Millisecond)

	last, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, from, last.to)
	assert.Equal(t, data, last.m.Blocks[0].Data)
	assert.True(t, last.m.Blocks[0].Cid.Equals(c))
}

func TestEngineServeWantsSendsDontHave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	sender := &fakeSender{}
	e := New(ctx, newTestPeer(t), store, sender)

	missing := blockCid(t, []byte("never stored"))
	from := peer.ID("asker")
	require.NoError(t, e.ReceiveMessage(ctx, from, Message{
		Wantlist: []Entry{{Cid: missing, Priority: 1, WantType: WantBlock, SendDontHave: true}},
	}))

	go e.ServeWants(ctx)

	require.Eventually(t, func() bool {
		last, ok := sender.last()
		return ok && len(last.m.Presences) == 1
	}, time.Second, 10*time.Millisecond)

	last, _ := sender.last()
	assert.False(t, last.m.Presences[0].Have)
}

func TestEngineReceiveBlockDropsMismatchedHash(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sender := &fakeSender{}
	e := New(ctx, newTestPeer(t), store, sender)

	data := []byte("trustworthy bytes")
	c := blockCid(t, data)
	ch := e.Want(ctx, c, 1)

	from := peer.ID("liar")
	require.NoError(t, e.ReceiveMessage(ctx, from, Message{Blocks: []RawBlock{{Cid: c, Data: []byte("forged bytes")}}}))

	select {
	case <-ch:
		t.Fatal("waiter resolved for a mis-hashed block")
	case <-time.After(50 * time.Millisecond):
	}

	has, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.False(t, has, "mis-hashed block must not be stored")

	require.NoError(t, e.ReceiveMessage(ctx, from, Message{Blocks: []RawBlock{{Cid: c, Data: data}}}))
	select {
	case got := <-ch:
		assert.Equal(t, data, got)
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved after an honest answer arrived")
	}
}

type fakeFinder struct {
	peers []peer.AddrInfo
}

func (f fakeFinder) FindProviders(ctx context.Context, c cid.Cid, count int) (<-chan peer.AddrInfo, error) {
	ch := make(chan peer.AddrInfo, len(f.peers))
	for _, p := range f.peers {
		ch <- p
	}
	close(ch)
	return ch, nil
}

type fakeConnector struct {
	mu        sync.Mutex
	connected []peer.ID
}

func (f *fakeConnector) Connect(ctx context.Context, pi peer.AddrInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, pi.ID)
	return nil
}

func TestEngineGetResolvesWhenProviderAnswers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sender := &fakeSender{}
	e := New(ctx, newTestPeer(t), store, sender)

	data := []byte("fetched over the network")
	c := blockCid(t, data)
	provider := peer.AddrInfo{ID: peer.ID("provider")}
	finder := fakeFinder{peers: []peer.AddrInfo{provider}}
	connector := &fakeConnector{}

	resultCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := e.Get(ctx, c, finder, connector)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- got
	}()

	require.Eventually(t, func() bool {
		_, ok := sender.last()
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, e.ReceiveMessage(ctx, provider.ID, Message{Blocks: []RawBlock{{Cid: c, Data: data}}}))

	select {
	case got := <-resultCh:
		assert.Equal(t, data, got)
	case err := <-errCh:
		t.Fatalf("get failed: %s", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for network get to resolve")
	}
}

func TestEngineReceiptsTrackBytes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sender := &fakeSender{}
	e := New(ctx, newTestPeer(t), store, sender)

	data := []byte("served bytes")
	c := blockCid(t, data)
	require.NoError(t, store.Put(ctx, c, data))

	from := peer.ID("asker")
	e.respondTo(ctx, from, Entry{Cid: c, WantType: WantBlock})

	receipts := e.Receipts()
	require.Len(t, receipts, 1)
	assert.Equal(t, uint64(len(data)), receipts[0].BytesSent)
}
