package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"wipetrace/internal/classify"
)

const ruleWidth = 72

func rule(w io.Writer, ch string) {
	fmt.Fprintln(w, strings.Repeat(ch, ruleWidth))
}

func section(w io.Writer, title string) {
	rule(w, "-")
	fmt.Fprintln(w, title)
	rule(w, "-")
	fmt.Fprintln(w)
}

// PrintReport writes a human-readable summary of doc.
func PrintReport(w io.Writer, doc *Document) {
	if doc == nil {
		fmt.Fprintln(w, "No analysis available")
		return
	}

	rule(w, "=")
	fmt.Fprintln(w, "                       WIPE DETECTION ANALYSIS")
	rule(w, "=")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Session:        %s\n", doc.SessionID)
	if doc.Source != "" {
		fmt.Fprintf(w, "Source:         %s\n", doc.Source)
	}
	fmt.Fprintf(w, "Image Size:     %s (%d bytes)\n", FormatBytes(doc.ImageSize), doc.ImageSize)
	fmt.Fprintf(w, "Blocks:         %d x %d bytes\n", doc.TotalBlocks, doc.BlockSize)
	if doc.ImageDigest != nil {
		fmt.Fprintf(w, "Digest:         %s\n", doc.ImageDigest)
	}
	if doc.Partial {
		fmt.Fprintf(w, "PARTIAL:        %s\n", doc.PartialError)
	}
	fmt.Fprintln(w)

	section(w, "SUMMARY")
	fmt.Fprintf(w, "Intent Score:       %.3f  %s\n", doc.IntentScore, FormatMetricBar(doc.IntentScore, 0, 1, 20))
	fmt.Fprintf(w, "  -> %s\n", interpretAssessment(doc.Assessment))
	fmt.Fprintf(w, "Coherence Bonus:    %.2f\n", doc.CoherenceBonus)
	if doc.MultiPassGroups > 0 {
		fmt.Fprintf(w, "Multi-pass Groups:  %d\n", doc.MultiPassGroups)
	}
	fmt.Fprintf(w, "Average Entropy:    %.3f  %s\n", doc.AverageEntropy, FormatMetricBar(doc.AverageEntropy, 0, 8, 20))
	var suspiciousShare float64
	if doc.TotalBlocks > 0 {
		suspiciousShare = float64(doc.SuspiciousBlocks) / float64(doc.TotalBlocks)
	}
	fmt.Fprintf(w, "Suspicious Blocks:  %d (%.1f%%)\n", doc.SuspiciousBlocks, 100*suspiciousShare)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Class counts:")
	for _, c := range classify.Classes {
		fmt.Fprintf(w, "  %-8s %d\n", c, doc.ClassCounts[string(c)])
	}
	fmt.Fprintln(w)

	section(w, "REGIONS")
	if len(doc.Regions) == 0 {
		fmt.Fprintln(w, "No suspicious regions.")
		fmt.Fprintln(w)
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSTART\tEND\tCLASS\tBLOCKS\tHOMOG\tCONF\tDETAIL")
		for i, r := range doc.Regions {
			fmt.Fprintf(tw, "%d\t%#x\t%#x\t%s\t%d\t%.3f\t%.3f\t%s\n",
				i+1, r.StartOffset, r.EndOffset, r.Class, r.BlockCount,
				r.Homogeneity, r.Confidence, regionDetail(r))
		}
		tw.Flush()
		fmt.Fprintln(w)
	}

	rule(w, "=")
	fmt.Fprintf(w, "ASSESSMENT: %s\n", doc.Assessment)
	rule(w, "=")
}

func regionDetail(r Region) string {
	var parts []string
	if r.DominantByte != nil {
		parts = append(parts, fmt.Sprintf("fill 0x%02X", *r.DominantByte))
	}
	if r.Period > 0 {
		parts = append(parts, fmt.Sprintf("period %d", r.Period))
	}
	parts = append(parts, fmt.Sprintf("H=%.2f", r.MeanEntropy))
	if r.PassGroup > 0 {
		parts = append(parts, fmt.Sprintf("pass group %d", r.PassGroup))
	}
	if r.Excluded {
		parts = append(parts, "excluded")
	}
	return strings.Join(parts, ", ")
}

func interpretAssessment(a string) string {
	switch a {
	case "HIGH":
		return "Strong evidence of deliberate wiping"
	case "MEDIUM":
		return "Some wipe-like regions; review the region list"
	default:
		return "No significant evidence of deliberate wiping"
	}
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatMetricBar draws value on [min, max] as a bar of the given width.
func FormatMetricBar(value, min, max float64, width int) string {
	if max <= min || width <= 0 {
		return ""
	}
	ratio := (value - min) / (max - min)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio*float64(width) + 0.5)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
