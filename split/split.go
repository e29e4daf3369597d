// Package split assigns subjects to disjoint partitions while approximately
// preserving the cohort's site and lesion-burden composition in every
// partition. All of a subject's scans travel together: the unit of assignment
// is the subject, never the scan, so no subject can leak across the
// train/test boundary.
package split

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/petermcgor/clprep/lesion"
)

// Partition names one output group and the share of subjects it should
// receive. Ratios are normalized over the partition list, so 80/20 and
// 0.8/0.2 mean the same thing.
type Partition struct {
	Name  string
	Ratio float64
}

// Folds returns k equal partitions named fold-0 .. fold-(k-1).
func Folds(k int) []Partition {
	out := make([]Partition, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, Partition{Name: fmt.Sprintf("fold-%d", i), Ratio: 1})
	}
	return out
}

// TrainTest returns the study's default two-way split.
func TrainTest(trainRatio float64) []Partition {
	return []Partition{
		{Name: "train", Ratio: trainRatio},
		{Name: "test", Ratio: 1 - trainRatio},
	}
}

// ResidualPolicy picks the partition that receives a subject left over after
// proportional allocation. deficit[i] is how far partition i currently is
// below its target size; the policy returns a partition index.
type ResidualPolicy func(deficit []float64) int

// FillSmallest sends each residual subject to the partition furthest below
// its target, breaking ties by partition index. This is a heuristic, not a
// contract: small strata have no uniquely correct assignment, which is why
// the policy is swappable.
func FillSmallest(deficit []float64) int {
	best := 0
	for i, d := range deficit {
		if d > deficit[best] {
			best = i
		}
	}
	return best
}

// Options configures a split.
type Options struct {
	// Seed fixes the shuffle order. The same seed over the same records
	// reproduces the assignment exactly. A negative seed draws one from the
	// clock (balanced, but not reproducible).
	Seed int64

	// Bins is the number of lesion-burden strata beyond the dedicated
	// zero-lesion stratum. Values < 1 default to 5, matching the splits the
	// study has published.
	Bins int

	// BinByCount switches burden binning from total lesion volume to lesion
	// count.
	BinByCount bool

	Partitions []Partition

	// Residual defaults to FillSmallest.
	Residual ResidualPolicy
}

// Assignment is one row of the output table.
type Assignment struct {
	SubjectID string `csv:"subject_id"`
	Partition string `csv:"partition"`
	Site      string `csv:"site"`
	BurdenBin int    `csv:"burden_bin"`
}

// Result is a completed split.
type Result struct {
	Assignments []Assignment
	Excluded    []lesion.SubjectRecord
	Report      Report
}

type stratumKey struct {
	Site string
	Bin  int
}

// Split partitions the included subjects. Excluded subjects are carried into
// Result.Excluded, never assigned. Strata smaller than the partition count
// cannot be divided proportionally; they are assigned by the residual policy
// and reported, not rejected.
func Split(subjects []lesion.SubjectRecord, opts Options) (*Result, error) {
	if len(opts.Partitions) < 2 {
		return nil, fmt.Errorf("split: need at least 2 partitions, got %d", len(opts.Partitions))
	}
	if opts.Bins < 1 {
		opts.Bins = 5
	}
	if opts.Residual == nil {
		opts.Residual = FillSmallest
	}

	ratios, err := normalizeRatios(opts.Partitions)
	if err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	included := make([]lesion.SubjectRecord, 0, len(subjects))
	res := &Result{}
	for _, s := range subjects {
		if s.Excluded {
			res.Excluded = append(res.Excluded, s)
			continue
		}
		included = append(included, s)
	}
	if len(included) == 0 {
		return nil, fmt.Errorf("split: no included subjects to partition")
	}

	edges, err := binEdges(included, opts)
	if err != nil {
		return nil, err
	}

	// Bucket subjects into (site, burden-bin) strata. Subject order inside a
	// stratum starts sorted so that the seeded shuffle is the only source of
	// variation.
	strata := make(map[stratumKey][]lesion.SubjectRecord)
	for _, s := range included {
		key := stratumKey{Site: s.Site, Bin: burdenBin(s, edges, opts.BinByCount)}
		strata[key] = append(strata[key], s)
	}

	keys := make([]stratumKey, 0, len(strata))
	for k := range strata {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Site != keys[j].Site {
			return keys[i].Site < keys[j].Site
		}
		return keys[i].Bin < keys[j].Bin
	})

	nParts := len(opts.Partitions)
	counts := make([]int, nParts)
	targets := make([]float64, nParts)
	for i, r := range ratios {
		targets[i] = r * float64(len(included))
	}

	assignTo := func(s lesion.SubjectRecord, part int, key stratumKey) {
		counts[part]++
		res.Assignments = append(res.Assignments, Assignment{
			SubjectID: s.SubjectID,
			Partition: opts.Partitions[part].Name,
			Site:      s.Site,
			BurdenBin: key.Bin,
		})
	}

	var residuals []struct {
		rec lesion.SubjectRecord
		key stratumKey
	}

	for _, key := range keys {
		members := strata[key]
		sort.Slice(members, func(i, j int) bool { return members[i].SubjectID < members[j].SubjectID })
		rng.Shuffle(len(members), func(i, j int) {
			members[i], members[j] = members[j], members[i]
		})

		if len(members) < nParts {
			res.Report.SmallStrata = append(res.Report.SmallStrata, Stratum{Site: key.Site, Bin: key.Bin, Subjects: len(members)})
		}

		// Largest-remainder allocation within the stratum: every partition
		// first receives its floored proportional share, and whatever is left
		// falls through to the residual policy.
		next := 0
		for part := 0; part < nParts; part++ {
			share := int(math.Floor(ratios[part] * float64(len(members))))
			for i := 0; i < share; i++ {
				assignTo(members[next], part, key)
				next++
			}
		}
		for ; next < len(members); next++ {
			residuals = append(residuals, struct {
				rec lesion.SubjectRecord
				key stratumKey
			}{members[next], key})
		}
	}

	// Final pass: place residual subjects where the imbalance is greatest.
	deficit := make([]float64, nParts)
	for _, r := range residuals {
		for i := range deficit {
			deficit[i] = targets[i] - float64(counts[i])
		}
		part := opts.Residual(deficit)
		if part < 0 || part >= nParts {
			return nil, fmt.Errorf("split: residual policy chose invalid partition %d", part)
		}
		assignTo(r.rec, part, r.key)
	}

	sort.Slice(res.Assignments, func(i, j int) bool {
		return res.Assignments[i].SubjectID < res.Assignments[j].SubjectID
	})

	res.Report = buildReport(res, opts, seed, len(included))

	return res, nil
}

func normalizeRatios(parts []Partition) ([]float64, error) {
	var total float64
	for _, p := range parts {
		if p.Ratio < 0 {
			return nil, fmt.Errorf("split: partition %q has negative ratio %v", p.Name, p.Ratio)
		}
		total += p.Ratio
	}
	if total <= 0 {
		return nil, fmt.Errorf("split: partition ratios sum to zero")
	}

	out := make([]float64, len(parts))
	for i, p := range parts {
		out[i] = p.Ratio / total
	}
	return out, nil
}

// binEdges computes the quantile cut points over the positive-burden
// subjects. Zero-burden subjects occupy a stratum of their own (bin 0);
// everything else lands in bins 1..Bins.
func binEdges(subjects []lesion.SubjectRecord, opts Options) ([]float64, error) {
	burdens := make([]float64, 0, len(subjects))
	for _, s := range subjects {
		if b := burden(s, opts.BinByCount); b > 0 {
			burdens = append(burdens, b)
		}
	}
	if len(burdens) == 0 {
		return nil, nil
	}

	// Fewer positive-burden subjects than requested bins: quantile cut points
	// are undefined past one per subject, so clamp. The resulting tiny strata
	// are reported, never an error.
	bins := opts.Bins
	if len(burdens) < bins {
		bins = len(burdens)
	}

	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		edge, err := stats.Percentile(burdens, 100*float64(i)/float64(bins))
		if err != nil {
			return nil, fmt.Errorf("split: computing burden bin edges: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func burden(s lesion.SubjectRecord, byCount bool) float64 {
	if byCount {
		return float64(s.LesionCount)
	}
	return s.TotalVolumeMM3
}

func burdenBin(s lesion.SubjectRecord, edges []float64, byCount bool) int {
	b := burden(s, byCount)
	if b <= 0 {
		return 0
	}
	for i, edge := range edges {
		if b <= edge {
			return i + 1
		}
	}
	return len(edges) + 1
}
