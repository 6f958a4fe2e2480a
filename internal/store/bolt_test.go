package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEEAddress:      "0x00158d00012a3b4c",
		NetworkAddress:   0x1234,
		ManufacturerCode: 0x115F,
		LogicalType:      "EndDevice",
		JoinedAt:         time.Now().Truncate(time.Millisecond),
		LastSeen:         time.Now().Truncate(time.Millisecond),
		Endpoints: []Endpoint{
			{ID: 1, ProfileID: 0x0104, DeviceID: 0x0015, InClusters: []uint16{0, 6}, OutClusters: []uint16{6}},
		},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}

	if got.NetworkAddress != dev.NetworkAddress {
		t.Errorf("nwk = 0x%04X, want 0x%04X", got.NetworkAddress, dev.NetworkAddress)
	}
	if got.ManufacturerCode != dev.ManufacturerCode {
		t.Errorf("manufacturer code = 0x%04X, want 0x%04X", got.ManufacturerCode, dev.ManufacturerCode)
	}
	if !got.JoinedAt.Equal(dev.JoinedAt) {
		t.Errorf("joined_at = %v, want %v", got.JoinedAt, dev.JoinedAt)
	}
	if len(got.Endpoints) != 1 {
		t.Fatalf("endpoints = %d, want 1", len(got.Endpoints))
	}
	if got.Endpoints[0].InClusters[1] != 6 {
		t.Errorf("ep in clusters = %v, want [0 6]", got.Endpoints[0].InClusters)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "0x00158d00012a3b4c", NetworkAddress: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.IEEEAddress)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListAndFindDevices(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		dev := &Device{IEEEAddress: fmt.Sprintf("0x000000000000000%d", i), NetworkAddress: uint16(i)}
		if err := s.SaveDevice(dev); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	dev, err := s.FindByNetworkAddress(2)
	if err != nil {
		t.Fatal(err)
	}
	if dev.IEEEAddress != "0x0000000000000002" {
		t.Errorf("found %s, want 0x0000000000000002", dev.IEEEAddress)
	}
	if _, err := s.FindByNetworkAddress(0x9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateDevice("0x0000000000000001", func(*Device) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.SaveDevice(&Device{IEEEAddress: "0x0000000000000001", NetworkAddress: 1}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateDevice("0x0000000000000001", func(d *Device) error {
		d.NetworkAddress = 0x4242
		d.SetEndpoint(Endpoint{ID: 2})
		d.SetEndpoint(Endpoint{ID: 1})
		d.SetEndpoint(Endpoint{ID: 2, DeviceID: 7})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("0x0000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if got.NetworkAddress != 0x4242 {
		t.Errorf("nwk = 0x%04X, want 0x4242", got.NetworkAddress)
	}
	if len(got.Endpoints) != 2 || got.Endpoints[0].ID != 1 || got.Endpoints[1].DeviceID != 7 {
		t.Errorf("endpoints = %+v", got.Endpoints)
	}

	failErr := errors.New("abort")
	if err := s.UpdateDevice("0x0000000000000001", func(d *Device) error {
		d.NetworkAddress = 1
		return failErr
	}); !errors.Is(err, failErr) {
		t.Fatalf("err = %v, want abort", err)
	}
	got, _ = s.GetDevice("0x0000000000000001")
	if got.NetworkAddress != 0x4242 {
		t.Error("failed update must not be saved")
	}
}

func TestBackupHistory(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendBackup(&BackupRecord{}); err == nil {
		t.Fatal("expected error for empty id")
	}

	for i, id := range []string{"b-1", "b-2", "b-3"} {
		rec := &BackupRecord{
			ID:          id,
			CreatedAt:   time.Date(2024, 1, i+1, 0, 0, 0, 0, time.UTC),
			PanID:       0x1A62,
			Channel:     15,
			DeviceCount: i,
			Document:    []byte(`{"metadata":{}}`),
		}
		if err := s.AppendBackup(rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListBackups()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != "b-1" || recs[2].ID != "b-3" {
		t.Fatalf("history order wrong: %d records", len(recs))
	}

	rec, err := s.GetBackup("b-2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DeviceCount != 1 || string(rec.Document) != `{"metadata":{}}` {
		t.Errorf("record = %+v", rec)
	}
	if _, err := s.GetBackup("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
