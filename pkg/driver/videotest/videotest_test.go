package videotest

import (
	"errors"
	"io"
	"testing"

	"github.com/syncflow/mediacore/pkg/driver/availability"
)

func TestRecordEveryFormat(t *testing.T) {
	for _, p := range DefaultProperties {
		t.Run(string(p.FrameFormat), func(t *testing.T) {
			d := New("cam")
			if err := d.Open(); err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			r, err := d.VideoRecord(p)
			if err != nil {
				t.Fatal(err)
			}
			img, release, err := r.Read()
			if err != nil {
				t.Fatal(err)
			}
			defer release()
			if b := img.Bounds(); b.Dx() != p.Width || b.Dy() != p.Height {
				t.Errorf("expected %dx%d, got %v", p.Width, p.Height, b)
			}
		})
	}
}

func TestExclusiveOpen(t *testing.T) {
	d := New("cam")
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if err := d.Open(); !errors.Is(err, availability.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if opens, closes := d.Counts(); opens != 1 || closes != 1 {
		t.Errorf("expected 1/1, got %d/%d", opens, closes)
	}
}

func TestCloseAndDisconnect(t *testing.T) {
	d := New("cam")
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	r, err := d.VideoRecord(DefaultProperties[0])
	if err != nil {
		t.Fatal(err)
	}

	d.Disconnect()
	if _, _, err := r.Read(); !errors.Is(err, availability.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if err := d.Open(); err == nil {
		t.Error("expected reopening a disconnected device to fail")
	}

	d.Close()
	d2 := New("cam2")
	if err := d2.Open(); err != nil {
		t.Fatal(err)
	}
	r, err = d2.VideoRecord(DefaultProperties[0])
	if err != nil {
		t.Fatal(err)
	}
	d2.Close()
	if _, _, err := r.Read(); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}
