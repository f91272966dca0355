package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"homereach/models"
)

func TestAppStateOperations(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LastCommonName(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unset common name, got %v", err)
	}
	if err := store.SetLastCommonName("nas-cn-1"); err != nil {
		t.Fatalf("SetLastCommonName failed: %v", err)
	}
	cn, err := store.LastCommonName()
	if err != nil {
		t.Fatalf("LastCommonName failed: %v", err)
	}
	if cn != "nas-cn-1" {
		t.Fatalf("unexpected common name %q", cn)
	}
	if err := store.SetLastCommonName(""); err != nil {
		t.Fatalf("clear common name failed: %v", err)
	}
	if _, err := store.LastCommonName(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestConnectedDeviceSnapshots(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LastConnectedDevice(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty table, got %v", err)
	}

	base := time.UnixMilli(nowUnixMilli())
	older := models.ConnectedDevice{
		DeviceID:              "dev-1",
		FriendlyName:          "Living Room",
		CertificateCommonName: "cn-1",
		Paths:                 []models.RemotePath{models.NewRemotePath(models.PathKindLocal, "192.168.1.5", 443)},
		ConnectedAt:           base.Add(-time.Minute),
	}
	newer := models.ConnectedDevice{
		DeviceID:              "dev-2",
		FriendlyName:          "Office",
		CertificateCommonName: "cn-2",
		Paths: []models.RemotePath{
			models.NewRemotePath(models.PathKindRemote, "relay.example.com", 0),
			models.NewRemotePath(models.PathKindPublic, "203.0.113.7", 8443),
		},
		ConnectedAt: base,
	}
	if err := store.SaveConnectedDevice(older); err != nil {
		t.Fatalf("save older failed: %v", err)
	}
	if err := store.SaveConnectedDevice(newer); err != nil {
		t.Fatalf("save newer failed: %v", err)
	}

	last, err := store.LastConnectedDevice()
	if err != nil {
		t.Fatalf("LastConnectedDevice failed: %v", err)
	}
	if last.CertificateCommonName != "cn-2" {
		t.Fatalf("expected newest snapshot, got %q", last.CertificateCommonName)
	}
	if len(last.Paths) != 2 || last.Paths[0].Port != nil || *last.Paths[1].Port != 8443 {
		t.Fatalf("unexpected decoded paths: %+v", last.Paths)
	}

	byCN, err := store.ConnectedDevice("cn-1")
	if err != nil {
		t.Fatalf("ConnectedDevice failed: %v", err)
	}
	if byCN.FriendlyName != "Living Room" {
		t.Fatalf("unexpected snapshot %+v", byCN)
	}

	if err := store.ClearConnectedDevices(); err != nil {
		t.Fatalf("ClearConnectedDevices failed: %v", err)
	}
	if _, err := store.LastConnectedDevice(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestConnectedDeviceHistoryIsPruned(t *testing.T) {
	store := newTestStore(t)
	store.connectedDeviceHistory = 2

	base := time.UnixMilli(nowUnixMilli())
	for i := 0; i < 4; i++ {
		err := store.SaveConnectedDevice(models.ConnectedDevice{
			CertificateCommonName: fmt.Sprintf("cn-%d", i),
			ConnectedAt:           base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("save snapshot %d failed: %v", i, err)
		}
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM connected_devices`).Scan(&count); err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 snapshots after prune, got %d", count)
	}
	if _, err := store.ConnectedDevice("cn-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest snapshot pruned, got %v", err)
	}
}
