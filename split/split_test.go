package split

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/petermcgor/clprep/lesion"
)

func subject(id, site string, volumes ...float64) lesion.SubjectRecord {
	var total float64
	for _, v := range volumes {
		total += v
	}
	count := 0
	for _, v := range volumes {
		if v > 0 {
			count++
		}
	}
	return lesion.SubjectRecord{
		SubjectID:      id,
		Site:           site,
		LesionCount:    count,
		TotalVolumeMM3: total,
	}
}

// cohort builds a synthetic multi-site cohort with a volume gradient so that
// burden bins are populated.
func cohort(n int) []lesion.SubjectRecord {
	sites := []string{"insider", "advanced", "nih3t", "ucl"}
	out := make([]lesion.SubjectRecord, 0, n)
	for i := 0; i < n; i++ {
		vol := float64(i%20) * 12.5
		out = append(out, subject(fmt.Sprintf("sub-%03d", i), sites[i%len(sites)], vol))
	}
	return out
}

func TestEverySubjectExactlyOnce(t *testing.T) {
	subjects := cohort(97)
	res, err := Split(subjects, Options{Seed: 7, Partitions: TrainTest(0.8)})
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for _, a := range res.Assignments {
		seen[a.SubjectID]++
	}
	for _, s := range subjects {
		if seen[s.SubjectID] != 1 {
			t.Errorf("subject %s assigned %d times, want 1", s.SubjectID, seen[s.SubjectID])
		}
	}
	if len(res.Assignments) != len(subjects) {
		t.Errorf("assignments = %d, want %d", len(res.Assignments), len(subjects))
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	subjects := cohort(60)

	first, err := Split(subjects, Options{Seed: 42, Partitions: Folds(3)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Split(subjects, Options{Seed: 42, Partitions: Folds(3)})
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first.Assignments, second.Assignments) {
		t.Error("same seed produced different assignments")
	}

	third, err := Split(subjects, Options{Seed: 43, Partitions: Folds(3)})
	if err != nil {
		t.Fatal(err)
	}
	if reflect.DeepEqual(first.Assignments, third.Assignments) {
		t.Error("different seeds produced identical assignments; shuffle is not wired to the seed")
	}
}

// The two-subject example: {A: site=1, lesions=[3,1,0]}, {B: site=2,
// lesions=[5]}, two folds, fixed seed. Both strata are singletons, so each
// fold must receive exactly one subject, the same way every run.
func TestTinyCohortTwoFolds(t *testing.T) {
	subjects := []lesion.SubjectRecord{
		subject("A", "1", 3, 1, 0),
		subject("B", "2", 5),
	}

	first, err := Split(subjects, Options{Seed: 11, Partitions: Folds(2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Assignments) != 2 {
		t.Fatalf("assignments = %d, want 2", len(first.Assignments))
	}
	if first.Assignments[0].Partition == first.Assignments[1].Partition {
		t.Errorf("both subjects landed in %s; folds must be disjoint and balanced", first.Assignments[0].Partition)
	}

	second, err := Split(subjects, Options{Seed: 11, Partitions: Folds(2)})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Assignments, second.Assignments) {
		t.Error("repeated run with the same seed differed")
	}

	if len(first.Report.SmallStrata) == 0 {
		t.Error("singleton strata should be reported as too small to divide")
	}
}

func TestFewerPositiveSubjectsThanBins(t *testing.T) {
	// Three positive-burden subjects against the default five bins: the
	// quantile cut points clamp to the cohort size instead of erroring.
	subjects := []lesion.SubjectRecord{
		subject("A", "1", 10),
		subject("B", "1", 20),
		subject("C", "1", 30),
		subject("D", "1"),
	}

	res, err := Split(subjects, Options{Seed: 5, Partitions: TrainTest(0.5)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Assignments) != 4 {
		t.Fatalf("assignments = %d, want 4", len(res.Assignments))
	}

	bins := map[int]bool{}
	for _, a := range res.Assignments {
		bins[a.BurdenBin] = true
	}
	if !bins[0] {
		t.Error("zero-lesion subject missing from bin 0")
	}
	for b := range bins {
		if b > 3 {
			t.Errorf("burden bin %d exceeds the positive-subject count", b)
		}
	}
}

func TestProportionsWithinTolerance(t *testing.T) {
	// 400 subjects, 4 sites x 5 bins evenly filled: every stratum is
	// divisible, so partition proportions should track global proportions
	// tightly.
	subjects := cohort(400)
	res, err := Split(subjects, Options{Seed: 3, Partitions: TrainTest(0.75)})
	if err != nil {
		t.Fatal(err)
	}

	tol := 0.05
	if violations := res.Report.Check(tol); len(violations) > 0 {
		t.Errorf("%d proportion deviations exceed %.2f; first: %+v", len(violations), tol, violations[0])
	}

	train := res.Report.PartitionSizes["train"]
	if got := float64(train) / 400; math.Abs(got-0.75) > 0.02 {
		t.Errorf("train share = %v, want ~0.75", got)
	}
}

func TestExcludedSubjectsAreNotPartitioned(t *testing.T) {
	subjects := cohort(40)
	subjects[5].Excluded = true
	subjects[5].ExcludeReason = "qc_fail"

	res, err := Split(subjects, Options{Seed: 1, Partitions: TrainTest(0.8)})
	if err != nil {
		t.Fatal(err)
	}

	for _, a := range res.Assignments {
		if a.SubjectID == subjects[5].SubjectID {
			t.Error("excluded subject was partitioned")
		}
	}
	if len(res.Excluded) != 1 {
		t.Errorf("excluded = %d, want 1", len(res.Excluded))
	}
	if res.Report.TotalExcluded != 1 {
		t.Errorf("report excluded = %d, want 1", res.Report.TotalExcluded)
	}
}

func TestZeroLesionStratum(t *testing.T) {
	subjects := []lesion.SubjectRecord{}
	for i := 0; i < 20; i++ {
		subjects = append(subjects, subject(fmt.Sprintf("z%02d", i), "s1"))
	}
	for i := 0; i < 20; i++ {
		subjects = append(subjects, subject(fmt.Sprintf("p%02d", i), "s1", 100))
	}

	res, err := Split(subjects, Options{Seed: 9, Partitions: TrainTest(0.5)})
	if err != nil {
		t.Fatal(err)
	}

	for _, a := range res.Assignments {
		wantBin := 0
		if a.SubjectID[0] == 'p' {
			wantBin = 1 // all positive volumes identical: one positive bin
		}
		if (a.BurdenBin == 0) != (wantBin == 0) {
			t.Errorf("subject %s bin = %d, want zero-stratum split by prefix", a.SubjectID, a.BurdenBin)
		}
	}
}

func TestResidualPolicyOverride(t *testing.T) {
	// A policy that always picks the last partition.
	lastOnly := func(deficit []float64) int { return len(deficit) - 1 }

	subjects := []lesion.SubjectRecord{
		subject("A", "1", 3),
		subject("B", "2", 5),
		subject("C", "3", 1),
	}
	res, err := Split(subjects, Options{Seed: 1, Partitions: TrainTest(0.5), Residual: lastOnly})
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range res.Assignments {
		if a.Partition != "test" {
			t.Errorf("custom residual policy ignored: %s went to %s", a.SubjectID, a.Partition)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	res, err := Split(cohort(50), Options{Seed: 5, Partitions: TrainTest(0.8)})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := res.Report.WriteSummary(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"seed", "partition train", "partition test", "max proportion deviation"} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := Split(cohort(10), Options{Partitions: nil}); err == nil {
		t.Error("expected error for missing partitions")
	}
	if _, err := Split(nil, Options{Partitions: TrainTest(0.8)}); err == nil {
		t.Error("expected error for empty cohort")
	}
	if _, err := Split(cohort(10), Options{Partitions: []Partition{{Name: "a", Ratio: 0}, {Name: "b", Ratio: 0}}}); err == nil {
		t.Error("expected error for zero ratios")
	}
}
