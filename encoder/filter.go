package encoder

const (
	medianTaps  = 3
	averageTaps = 7
)

// Filter removes glitches and dither from a raw quadrature count. History lives in
// fixed rings owned by the filter, so Push never allocates.
type Filter struct {
	spikeThreshold int64

	median    [medianTaps]int64
	medianIdx int
	average   [averageTaps]int64
	avgIdx    int

	initialized  bool
	lastRaw      int64
	lastFiltered int64
}

func NewFilter(spikeThreshold int64) *Filter {
	return &Filter{spikeThreshold: spikeThreshold}
}

// Push feeds one raw sample and returns the filtered count along with the filtered
// count of the previous tick.
func (f *Filter) Push(raw int64) (filtered, prev int64) {
	if !f.initialized {
		for i := range f.median {
			f.median[i] = raw
		}
		for i := range f.average {
			f.average[i] = raw
		}
		f.lastRaw = raw
		f.lastFiltered = raw
		f.initialized = true
	}

	// A jump this large in one tick is electrical noise, not motion.
	delta := raw - f.lastRaw
	f.lastRaw = raw
	if abs(delta) > f.spikeThreshold {
		raw = f.lastFiltered
	}

	f.median[f.medianIdx] = raw
	f.medianIdx = (f.medianIdx + 1) % medianTaps
	a, b, c := f.median[0], f.median[1], f.median[2]
	med := a + b + c - min(a, b, c) - max(a, b, c)

	f.average[f.avgIdx] = med
	f.avgIdx = (f.avgIdx + 1) % averageTaps
	var sum int64
	for _, v := range f.average {
		sum += v
	}
	filtered = sum / averageTaps

	prev = f.lastFiltered
	if abs(filtered-prev) < 1 {
		filtered = prev
	} else {
		f.lastFiltered = filtered
	}
	return filtered, prev
}

// Reset discards history; the next Push re-seeds every tap.
func (f *Filter) Reset() {
	f.initialized = false
	f.medianIdx = 0
	f.avgIdx = 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
