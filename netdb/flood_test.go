package netdb

import (
	"testing"
	"time"

	"i2p-router/i2np"
)

type fakeSender struct {
	sent []struct {
		to  Hash
		msg i2np.Message
	}
}

func (f *fakeSender) SendMessage(to Hash, msg i2np.Message) error {
	f.sent = append(f.sent, struct {
		to  Hash
		msg i2np.Message
	}{to, msg})
	return nil
}

func alwaysFloodfillOrReplied(Hash) bool { return true }

func TestHandleDatabaseStoreInsertsAndAcksRouterInfo(t *testing.T) {
	db := New(Config{}, nil, nil, nil)
	sender := &fakeSender{}
	ri := newSignedRouterInfo(t, time.Now().UnixMilli(), false)

	payload := buildDatabaseStorePayload(ri.Hash(), StoreTypeRouterInfo, 99, 7, EncodeRouterInfo(ri))
	msg := i2np.New(i2np.TypeDatabaseStore, 1, 10*time.Second, payload)

	if err := HandleDatabaseStore(db, msg, hashFromByte(1), sender, nil, time.Now(), alwaysFloodfillOrReplied, nil); err != nil {
		t.Fatalf("HandleDatabaseStore: %v", err)
	}

	if _, ok := db.RouterInfo(ri.Hash()); !ok {
		t.Fatalf("expected RouterInfo to be stored")
	}

	var ackSeen bool
	for _, s := range sender.sent {
		if s.msg.Type == i2np.TypeDeliveryStatus {
			ackSeen = true
		}
	}
	if !ackSeen {
		t.Fatalf("expected a DeliveryStatus ack to be sent for a nonzero reply token")
	}
}

func TestHandleDatabaseStoreRejectsBadStorePayload(t *testing.T) {
	db := New(Config{}, nil, nil, nil)
	msg := i2np.New(i2np.TypeDatabaseStore, 1, 10*time.Second, []byte("too short"))

	if err := HandleDatabaseStore(db, msg, hashFromByte(1), &fakeSender{}, nil, time.Now(), alwaysFloodfillOrReplied, nil); err == nil {
		t.Fatalf("expected error for truncated DatabaseStore payload")
	}
}

func TestHandleDatabaseLookupReturnsFoundRouterInfo(t *testing.T) {
	db := New(Config{}, nil, nil, nil)
	ri := newSignedRouterInfo(t, time.Now().UnixMilli(), false)
	if _, err := db.StoreRouterInfo(ri); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}

	data, isRI, _, ok := HandleDatabaseLookup(db, ri.Hash(), nil, time.Now())
	if !ok || !isRI {
		t.Fatalf("expected a found RouterInfo, got ok=%v isRI=%v", ok, isRI)
	}
	decoded, err := DecodeRouterInfo(data)
	if err != nil || decoded.Hash() != ri.Hash() {
		t.Fatalf("expected matching decoded RouterInfo, err=%v", err)
	}
}

func TestHandleDatabaseLookupFallsBackToSearchReply(t *testing.T) {
	db := New(Config{}, nil, nil, nil)
	ff := newSignedRouterInfo(t, time.Now().UnixMilli(), true)
	if _, err := db.StoreRouterInfo(ff); err != nil {
		t.Fatalf("StoreRouterInfo: %v", err)
	}

	missing := hashFromByte(200)
	_, _, closer, ok := HandleDatabaseLookup(db, missing, nil, time.Now())
	if ok {
		t.Fatalf("expected lookup miss for unknown key")
	}
	if len(closer) == 0 {
		t.Fatalf("expected at least one closer floodfill candidate")
	}
}

func TestHandleDatabaseSearchReplyAdvancesPendingLookup(t *testing.T) {
	requests := NewRequests()
	db := New(Config{}, nil, nil, nil)
	key := hashFromByte(5)

	p, created := requests.Create(key, false, time.Millisecond, time.Second, nil)
	if !created {
		t.Fatalf("expected lookup to be created")
	}

	var dialed []Hash
	err := HandleDatabaseSearchReply(requests, db, key, []Hash{hashFromByte(1), hashFromByte(2)}, func(peer, k Hash) error {
		dialed = append(dialed, peer)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleDatabaseSearchReply: %v", err)
	}
	if len(dialed) != 2 {
		t.Fatalf("expected both peers to be dialed, got %v", dialed)
	}
	if p.Attempts != 2 {
		t.Fatalf("expected attempts to be recorded, got %d", p.Attempts)
	}
}
