package screen

import "testing"

func TestSizes(t *testing.T) {
	props := sizes(1920, 1080)
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}
	if props[0].Width != 1920 || props[0].Height != 1080 {
		t.Errorf("unexpected native size %dx%d", props[0].Width, props[0].Height)
	}
	if props[1].Width != 960 || props[1].Height != 540 {
		t.Errorf("unexpected half size %dx%d", props[1].Width, props[1].Height)
	}

	// Half sizes stay even for 4:2:0 output.
	if props := sizes(1366, 770); props[1].Width != 682 || props[1].Height != 384 {
		t.Errorf("expected 682x384, got %dx%d", props[1].Width, props[1].Height)
	}

	if props := sizes(1, 1); len(props) != 1 {
		t.Errorf("expected only the native size, got %d", len(props))
	}
}
