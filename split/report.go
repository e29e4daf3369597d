package split

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"
)

// Stratum identifies one (site, burden-bin) cell and how many subjects it
// held.
type Stratum struct {
	Site     string
	Bin      int
	Subjects int
}

// Deviation records how far one partition's share of a category drifts from
// the cohort-wide share.
type Deviation struct {
	Partition string
	Category  string // "site:<name>" or "bin:<n>"
	Have      float64
	Global    float64
}

func (d Deviation) Abs() float64 {
	return math.Abs(d.Have - d.Global)
}

// Report summarizes a completed split so imbalance is visible to the caller
// rather than silently accepted.
type Report struct {
	Seed           int64
	TotalIncluded  int
	TotalExcluded  int
	PartitionSizes map[string]int

	// StratumCounts maps partition -> stratum -> subjects.
	StratumCounts map[string]map[Stratum]int

	// SmallStrata lists strata with fewer subjects than partitions: these
	// cannot be divided evenly and were placed by the residual policy.
	SmallStrata []Stratum

	Deviations   []Deviation
	MaxDeviation float64
}

func buildReport(res *Result, opts Options, seed int64, totalIncluded int) Report {
	rep := res.Report // keep SmallStrata accumulated during the split
	rep.Seed = seed
	rep.TotalIncluded = totalIncluded
	rep.TotalExcluded = len(res.Excluded)
	rep.PartitionSizes = make(map[string]int)
	rep.StratumCounts = make(map[string]map[Stratum]int)

	globalSite := make(map[string]float64)
	globalBin := make(map[int]float64)
	partSite := make(map[string]map[string]float64)
	partBin := make(map[string]map[int]float64)

	for _, a := range res.Assignments {
		rep.PartitionSizes[a.Partition]++

		sc := rep.StratumCounts[a.Partition]
		if sc == nil {
			sc = make(map[Stratum]int)
			rep.StratumCounts[a.Partition] = sc
		}
		sc[Stratum{Site: a.Site, Bin: a.BurdenBin}]++

		globalSite[a.Site]++
		globalBin[a.BurdenBin]++
		if partSite[a.Partition] == nil {
			partSite[a.Partition] = make(map[string]float64)
			partBin[a.Partition] = make(map[int]float64)
		}
		partSite[a.Partition][a.Site]++
		partBin[a.Partition][a.BurdenBin]++
	}

	n := float64(len(res.Assignments))
	for _, p := range opts.Partitions {
		pn := float64(rep.PartitionSizes[p.Name])
		if pn == 0 {
			continue
		}
		for site, g := range globalSite {
			d := Deviation{
				Partition: p.Name,
				Category:  "site:" + site,
				Have:      partSite[p.Name][site] / pn,
				Global:    g / n,
			}
			rep.Deviations = append(rep.Deviations, d)
		}
		for bin, g := range globalBin {
			d := Deviation{
				Partition: p.Name,
				Category:  fmt.Sprintf("bin:%d", bin),
				Have:      partBin[p.Name][bin] / pn,
				Global:    g / n,
			}
			rep.Deviations = append(rep.Deviations, d)
		}
	}

	sort.Slice(rep.Deviations, func(i, j int) bool {
		if rep.Deviations[i].Partition != rep.Deviations[j].Partition {
			return rep.Deviations[i].Partition < rep.Deviations[j].Partition
		}
		return rep.Deviations[i].Category < rep.Deviations[j].Category
	})

	for _, d := range rep.Deviations {
		if d.Abs() > rep.MaxDeviation {
			rep.MaxDeviation = d.Abs()
		}
	}

	return rep
}

// Check returns the deviations that exceed tol. Strata listed in SmallStrata
// are expected to deviate; they are still included so the caller sees the
// whole picture.
func (r *Report) Check(tol float64) []Deviation {
	var out []Deviation
	for _, d := range r.Deviations {
		if d.Abs() > tol {
			out = append(out, d)
		}
	}
	return out
}

// WriteSummary renders a human-readable balance summary.
func (r *Report) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "seed\t%d\n", r.Seed)
	fmt.Fprintf(tw, "subjects included\t%d\n", r.TotalIncluded)
	fmt.Fprintf(tw, "subjects excluded\t%d\n", r.TotalExcluded)

	names := make([]string, 0, len(r.PartitionSizes))
	for name := range r.PartitionSizes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(tw, "partition %s\t%d subjects\n", name, r.PartitionSizes[name])
	}

	fmt.Fprintf(tw, "max proportion deviation\t%.4f\n", r.MaxDeviation)

	if len(r.SmallStrata) > 0 {
		cells := make([]string, 0, len(r.SmallStrata))
		for _, s := range r.SmallStrata {
			cells = append(cells, fmt.Sprintf("%s/bin-%d (n=%d)", s.Site, s.Bin, s.Subjects))
		}
		fmt.Fprintf(tw, "strata too small to divide evenly\t%s\n", strings.Join(cells, ", "))
	}

	return tw.Flush()
}
