package state

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func onlineData(shift string) *VehicleData {
	return &VehicleData{
		ID:    1,
		VIN:   "5YJ3E1EA1NF000001",
		State: "online",
		DriveState: &DriveState{
			ShiftState: shift,
			Speed:      25,
		},
		ChargeState: &ChargeState{BatteryLevel: 60},
	}
}

func TestPutThenGetReturnsIdenticalSnapshot(t *testing.T) {
	cache := NewCache()
	data := onlineData("D")
	put := cache.Put(1, data)
	got, ok := cache.Get(1)
	if !ok {
		t.Fatal("snapshot missing after Put")
	}
	if !reflect.DeepEqual(put, got) {
		t.Errorf("Get returned a different snapshot than Put: %+v vs %+v", put, got)
	}
	if got.Data != data {
		t.Error("cache must store the document without a lossy transform")
	}
	if !got.Online || got.Asleep {
		t.Error("online document should set presence accordingly")
	}
}

func TestGetUnknownVehicle(t *testing.T) {
	cache := NewCache()
	if _, ok := cache.Get(99); ok {
		t.Error("Get should report miss for unseen vehicle")
	}
}

func TestFetchedAtIsMonotonic(t *testing.T) {
	cache := NewCache()
	times := []time.Time{
		time.Unix(2000, 0),
		time.Unix(1000, 0), // clock stepped backwards
		time.Unix(3000, 0),
	}
	i := 0
	cache.now = func() time.Time { t := times[i]; i++; return t }

	cache.Put(1, onlineData("P"))
	first, _ := cache.Get(1)
	cache.Put(1, onlineData("P"))
	second, _ := cache.Get(1)
	if second.FetchedAt.Before(first.FetchedAt) {
		t.Error("FetchedAt went backwards")
	}
	cache.Put(1, onlineData("P"))
	third, _ := cache.Get(1)
	if !third.FetchedAt.Equal(time.Unix(3000, 0)) {
		t.Errorf("FetchedAt = %s, want to advance with the clock", third.FetchedAt)
	}
}

func TestSetPresenceKeepsDocumentAndClock(t *testing.T) {
	cache := NewCache()
	cache.Put(1, onlineData("P"))
	before, _ := cache.Get(1)

	cache.SetPresence(1, false)
	after, _ := cache.Get(1)
	if after.Data != before.Data {
		t.Error("SetPresence must not touch the cached document")
	}
	if !after.FetchedAt.Equal(before.FetchedAt) {
		t.Error("SetPresence must not advance the staleness clock")
	}
	if after.Online || !after.Asleep {
		t.Error("presence flags not updated")
	}
	if after.Generation == before.Generation {
		t.Error("presence change should be observable via the generation counter")
	}
}

func TestPutRecordsParkTransition(t *testing.T) {
	cache := NewCache()
	cache.Put(1, onlineData("D"))
	driving, _ := cache.Get(1)
	if !driving.LastParkedAt.IsZero() {
		t.Error("LastParkedAt set while driving")
	}
	cache.Put(1, onlineData("P"))
	parked, _ := cache.Get(1)
	if parked.LastParkedAt.IsZero() {
		t.Error("LastParkedAt not set on driving-to-parked transition")
	}
	stamp := parked.LastParkedAt
	cache.Put(1, onlineData("P"))
	still, _ := cache.Get(1)
	if !still.LastParkedAt.Equal(stamp) {
		t.Error("LastParkedAt must not move while the vehicle stays parked")
	}
}

func TestApplyStreamLeavesOldSnapshotsIntact(t *testing.T) {
	cache := NewCache()
	cache.Put(1, onlineData("D"))
	old, _ := cache.Get(1)

	speed := 60.0
	soc := 59
	applied := cache.ApplyStream(StreamUpdate{
		VehicleID: 1,
		Time:      time.Now(),
		Speed:     &speed,
		SOC:       &soc,
	})
	if !applied {
		t.Fatal("update for cached vehicle should apply")
	}
	fresh, _ := cache.Get(1)
	if fresh.Data.DriveState.Speed != 60 {
		t.Errorf("speed = %v after merge", fresh.Data.DriveState.Speed)
	}
	if fresh.Data.ChargeState.BatteryLevel != 59 {
		t.Errorf("battery = %v after merge", fresh.Data.ChargeState.BatteryLevel)
	}
	if old.Data.DriveState.Speed != 25 || old.Data.ChargeState.BatteryLevel != 60 {
		t.Error("merge leaked into a previously returned snapshot")
	}
	if !fresh.FetchedAt.Equal(old.FetchedAt) {
		t.Error("stream merges must not advance FetchedAt")
	}
}

func TestApplyStreamWithoutDocumentIsDropped(t *testing.T) {
	cache := NewCache()
	speed := 30.0
	if cache.ApplyStream(StreamUpdate{VehicleID: 7, Speed: &speed}) {
		t.Error("update for unseen vehicle must be dropped")
	}
}

func TestApplyStreamPreservesExtras(t *testing.T) {
	cache := NewCache()
	var data VehicleData
	payload := `{"id":1,"vin":"V","state":"online","drive_state":{"shift_state":"D"},"future":"kept"}`
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		t.Fatal(err)
	}
	cache.Put(1, &data)
	shift := "P"
	cache.ApplyStream(StreamUpdate{VehicleID: 1, ShiftState: &shift})
	fresh, _ := cache.Get(1)
	if _, ok := fresh.Data.Extra["future"]; !ok {
		t.Error("stream merge dropped pass-through fields")
	}
	if fresh.LastParkedAt.IsZero() {
		t.Error("shift to P over the stream should record the park transition")
	}
}
