package crewchat

import (
	"reflect"
	"testing"
)

func TestPresenceStore(t *testing.T) {
	store := NewPresenceStore()

	store.ApplyList([]int64{3, 1})
	if !store.IsOnline(1) || !store.IsOnline(3) {
		t.Fatal("snapshot users not online")
	}

	store.SetOnline(2)
	if got := store.Online(); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Errorf("Online = %v, want [1 2 3]", got)
	}

	store.SetOffline(3)
	if store.IsOnline(3) {
		t.Error("user 3 still online")
	}

	// A fresh snapshot replaces everything.
	store.ApplyList([]int64{9})
	if got := store.Online(); !reflect.DeepEqual(got, []int64{9}) {
		t.Errorf("Online after snapshot = %v, want [9]", got)
	}
}

func TestPresenceStoreNotifications(t *testing.T) {
	store := NewPresenceStore()

	fired := 0
	unsub := store.OnChanged(func() { fired++ })

	store.SetOnline(1)
	store.SetOnline(1) // no state change, no notification
	store.SetOffline(1)
	store.SetOffline(1)

	if fired != 2 {
		t.Errorf("expected 2 notifications, got %d", fired)
	}

	unsub()
	store.SetOnline(2)
	if fired != 2 {
		t.Error("notification after unsubscribe")
	}
}
