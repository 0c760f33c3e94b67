package driver

import (
	"errors"
	"testing"

	"github.com/syncflow/mediacore/pkg/driver/availability"
	"github.com/syncflow/mediacore/pkg/io/audio"
	"github.com/syncflow/mediacore/pkg/io/video"
	"github.com/syncflow/mediacore/pkg/prop"
)

type fakeAdapter struct {
	opens, closes int
	props         []prop.Media
	openErr       error
}

func (a *fakeAdapter) Open() error {
	if a.openErr != nil {
		return a.openErr
	}
	a.opens++
	return nil
}

func (a *fakeAdapter) Close() error {
	a.closes++
	return nil
}

func (a *fakeAdapter) Properties() []prop.Media {
	return append([]prop.Media(nil), a.props...)
}

type fakeVideoAdapter struct {
	fakeAdapter
}

func (a *fakeVideoAdapter) VideoRecord(p prop.Media) (video.Reader, error) {
	return video.ReaderFunc(nil), nil
}

type fakeAudioAdapter struct {
	fakeAdapter
}

func (a *fakeAudioAdapter) AudioRecord(p prop.Media) (audio.Reader, error) {
	return audio.ReaderFunc(nil), nil
}

func filterTrue(d Driver) bool {
	return true
}
func filterFalse(d Driver) bool {
	return false
}

func TestFilterNot(t *testing.T) {
	if FilterNot(filterTrue)(nil) != false {
		t.Error("FilterNot(filterTrue)() must be false")
	}
	if FilterNot(filterFalse)(nil) != true {
		t.Error("FilterNot(filterFalse)() must be true")
	}
}

func TestFilterAnd(t *testing.T) {
	if FilterAnd(filterTrue, filterTrue)(nil) != true {
		t.Error("FilterAnd(filterTrue, filterTrue)() must be true")
	}
	if FilterAnd(filterTrue, filterFalse)(nil) != false {
		t.Error("FilterAnd(filterTrue, filterFalse)() must be false")
	}
	if FilterAnd(filterFalse, filterTrue, filterTrue)(nil) != false {
		t.Error("FilterAnd(filterFalse, filterTrue, filterTrue)() must be false")
	}
}

func TestManagerQuery(t *testing.T) {
	m := NewManager()
	if err := m.Register(&fakeVideoAdapter{}, Info{Label: "cam1", DeviceType: Camera}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&fakeAudioAdapter{}, Info{Label: "mic0", DeviceType: Microphone}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&fakeVideoAdapter{}, Info{Label: "cam0", DeviceType: Camera}); err != nil {
		t.Fatal(err)
	}

	if err := m.Register(&fakeAudioAdapter{}, Info{Label: "mic0"}); err == nil {
		t.Error("expected duplicate label to be rejected")
	}
	if err := m.Register(&fakeAudioAdapter{}, Info{}); err == nil {
		t.Error("expected empty label to be rejected")
	}

	all := m.Query(nil)
	if len(all) != 3 || all[0].ID() != "cam0" || all[1].ID() != "cam1" || all[2].ID() != "mic0" {
		t.Fatalf("expected drivers sorted by ID, got %v", ids(all))
	}

	if v := m.Query(FilterVideoRecorder()); len(v) != 2 {
		t.Errorf("expected 2 video recorders, got %v", ids(v))
	}
	if a := m.Query(FilterAudioRecorder()); len(a) != 1 || a[0].ID() != "mic0" {
		t.Errorf("expected mic0, got %v", ids(a))
	}
	if c := m.Query(FilterAnd(FilterDeviceType(Camera), FilterNot(FilterID("cam0")))); len(c) != 1 || c[0].ID() != "cam1" {
		t.Errorf("expected cam1, got %v", ids(c))
	}

	if _, ok := m.Lookup("cam1"); !ok {
		t.Error("expected cam1 to be found")
	}
	if _, ok := m.Lookup("nope"); ok {
		t.Error("expected nope to be missing")
	}
}

func TestWrapperStates(t *testing.T) {
	a := &fakeVideoAdapter{fakeAdapter: fakeAdapter{props: []prop.Media{{Video: prop.Video{Width: 2, Height: 2}}}}}
	d := wrapAdapter(a, Info{Label: "cam0", DeviceType: Camera})

	if d.Properties() != nil {
		t.Error("closed driver must not report properties")
	}
	if _, err := d.VideoRecord(prop.Media{}); err == nil {
		t.Error("expected recording a closed driver to fail")
	}

	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if err := d.Open(); !errors.Is(err, availability.ErrBusy) {
		t.Errorf("expected ErrBusy on second open, got %v", err)
	}

	props := d.Properties()
	if len(props) != 1 || props[0].DeviceID != "cam0" {
		t.Errorf("expected properties tagged with the device ID, got %+v", props)
	}

	if _, err := d.VideoRecord(props[0]); err != nil {
		t.Fatal(err)
	}
	if d.Status() != StateRunning {
		t.Errorf("expected %s, got %s", StateRunning, d.Status())
	}
	if _, err := d.AudioRecord(props[0]); !errors.Is(err, availability.ErrUnimplemented) {
		t.Errorf("expected ErrUnimplemented, got %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if a.opens != 1 || a.closes != 1 {
		t.Errorf("expected one open and one close, got %d/%d", a.opens, a.closes)
	}
}

func ids(ds []Driver) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID()
	}
	return out
}
