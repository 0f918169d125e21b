package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/signalsfoundry/intersection-arbiter/internal/logging"
	"github.com/signalsfoundry/intersection-arbiter/model"
)

func sampleSnapshot() model.Snapshot {
	return model.Snapshot{
		Seq: 3,
		Roads: [model.NumRoads]model.RoadState{
			{Demand: 7, Light: model.Red},
			{Demand: 3, Light: model.Red},
			{Demand: 0, Light: model.Green},
			{Demand: 7, Light: model.Red},
		},
		Emergency: model.EmergencyCondition{Road: 0, Class: model.VehicleAmbulance},
		Grant:     &model.Grant{Road: 2, DemandBefore: 4, DemandAfter: 0},
	}
}

func TestFormatStatusBlock(t *testing.T) {
	got := Format(sampleSnapshot())
	want := "Traffic status:\n" +
		"Road 1: 7 cars and an ambulance, Light: RED\n" +
		"Road 2: 3 cars, Light: RED\n" +
		"Road 3: 0 cars, Light: GREEN\n" +
		"Road 4: 7 cars, Light: RED\n" +
		"------------------------\n"
	if got != want {
		t.Fatalf("Format mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestFormatVehicleArticles(t *testing.T) {
	snap := sampleSnapshot()
	snap.Emergency = model.EmergencyCondition{Road: 1, Class: model.VehiclePolice}
	if got := Format(snap); !strings.Contains(got, "Road 2: 3 cars and a police car,") {
		t.Fatalf("police line missing: %s", got)
	}
	snap.Emergency = model.EmergencyCondition{Road: 3, Class: model.VehicleFireBrigade}
	if got := Format(snap); !strings.Contains(got, "Road 4: 7 cars and a fire brigade,") {
		t.Fatalf("fire brigade line missing: %s", got)
	}
}

func TestFormatAllClear(t *testing.T) {
	if got := Format(model.Snapshot{AllClear: true}); got != "All roads are cleared.\n" {
		t.Fatalf("Format(all clear) = %q", got)
	}
}

type seqRecorder []uint64

func (r *seqRecorder) Publish(s model.Snapshot) { *r = append(*r, s.Seq) }

func TestConsoleAndFanout(t *testing.T) {
	var buf bytes.Buffer
	var seen seqRecorder
	sink := Fanout{NewConsole(&buf), &seen, nil}
	sink.Publish(sampleSnapshot())

	if !strings.HasPrefix(buf.String(), "Traffic status:\n") {
		t.Fatalf("console output = %q", buf.String())
	}
	if len(seen) != 1 || seen[0] != 3 {
		t.Fatalf("recorder saw %v, want [3]", seen)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(logging.New(logging.Config{Format: "json", Output: &buf}))
	sink.Publish(sampleSnapshot())
	sink.Publish(model.Snapshot{Seq: 4, AllClear: true})

	out := buf.String()
	for _, want := range []string{`"granted_road":2`, `"emergency_vehicle":"ambulance"`, `"green":2`, `"msg":"intersection clear"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
}

func TestDebugLogSinkRespectsLevel(t *testing.T) {
	var info, debug bytes.Buffer
	NewDebugLog(logging.New(logging.Config{Format: "json", Output: &info})).Publish(sampleSnapshot())
	if info.Len() != 0 {
		t.Fatalf("debug sink logged at info level: %s", info.String())
	}

	NewDebugLog(logging.New(logging.Config{Level: "debug", Format: "json", Output: &debug})).Publish(sampleSnapshot())
	if !strings.Contains(debug.String(), `"level":"DEBUG"`) || !strings.Contains(debug.String(), `"msg":"traffic status"`) {
		t.Fatalf("debug sink output = %s", debug.String())
	}
}
