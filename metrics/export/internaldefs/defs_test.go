package internaldefs

import "testing"

func TestHistogramBoundSuffix(t *testing.T) {
	want := []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}
	if len(HistogramBoundSuffix) != len(want) {
		t.Fatalf("got %v", HistogramBoundSuffix)
	}
	for i := range want {
		if HistogramBoundSuffix[i] != want[i] {
			t.Fatalf("suffix %d: got %q want %q", i, HistogramBoundSuffix[i], want[i])
		}
	}
}

func TestCumulative(t *testing.T) {
	got := Cumulative([]uint64{1, 0, 2})
	want := [BucketCount]uint64{1, 1, 3, 3, 3, 3, 3, 3}
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
	if Cumulative(nil) != ([BucketCount]uint64{}) {
		t.Fatal("nil input should give zero buckets")
	}
	long := make([]uint64, BucketCount+3)
	for i := range long {
		long[i] = 1
	}
	if c := Cumulative(long); c[BucketCount-1] != uint64(BucketCount) {
		t.Fatalf("extra buckets counted: %v", c)
	}
}
