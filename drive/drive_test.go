package drive

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestApply(t *testing.T) {
	for _, test := range []struct {
		name     string
		start    [2]int
		dir      Direction
		duty     int
		wantDuty [2]int
	}{
		{"cw", [2]int{0, 0}, CW, 300, [2]int{300, 0}},
		{"ccw", [2]int{0, 0}, CCW, 200, [2]int{0, 200}},
		{"reverse clears other channel", [2]int{300, 0}, CCW, 200, [2]int{0, 200}},
		{"stop brakes", [2]int{300, 0}, Stop, 300, [2]int{0, 0}},
		{"zero duty brakes", [2]int{0, 250}, CCW, 0, [2]int{0, 0}},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := &Recorder{Duty: test.start}
			if err := Apply(r, test.dir, test.duty); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.wantDuty, r.Duty); diff != "" {
				t.Errorf("unexpected duty: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestApplyInvalid(t *testing.T) {
	if err := Apply(&Recorder{}, Direction(3), 100); err == nil {
		t.Error("Apply with invalid direction succeeded")
	}
}

func TestRecorderOutput(t *testing.T) {
	r := &Recorder{}
	Apply(r, CCW, 120)
	if dir, duty := r.Output(); dir != CCW || duty != 120 {
		t.Errorf("Output() = %v, %d; want CCW, 120", dir, duty)
	}
}
