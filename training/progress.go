package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/tsawler/go-pds/layers"
)

// ProgressBar renders per-batch training progress on a terminal
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out) // New line after completion
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line(time.Since(pb.startTime)))
}

func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		totalTime := time.Duration(float64(elapsed) / percentage)
		eta = totalTime - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %s/%s",
		pb.description,
		percentage*100,
		bar,
		humanize.Comma(int64(pb.current)),
		humanize.Comma(int64(pb.total)),
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %sbatch/s", humanize.FtoaWithDigits(rate, 2))
	}

	// Sorted so the line is stable between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(", %s=%.4g", key, pb.metrics[key])
	}

	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a layer-by-layer model description
type ModelArchitecturePrinter struct {
	out       io.Writer
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(out io.Writer, modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{out: out, modelName: modelName}
}

// PrintArchitecture prints every part of an embedding model
func (p *ModelArchitecturePrinter) PrintArchitecture(model *EmbeddingModel) {
	fmt.Fprintf(p.out, "%s[%s](\n", p.modelName, model.Heads())

	var total, trainable int64
	for _, part := range model.parts() {
		spec := part.Spec()
		fmt.Fprintf(p.out, "  (%s): Sequential(\n", spec.Name)
		for _, layer := range spec.Layers {
			fmt.Fprintf(p.out, "    %s\n", p.formatLayer(layer))
			total += layer.ParameterCount
			if !layer.Frozen {
				trainable += layer.ParameterCount
			}
		}
		fmt.Fprintf(p.out, "  )\n")
	}
	fmt.Fprintf(p.out, ")\n")

	fmt.Fprintf(p.out, "Total parameters: %s\n", humanize.Comma(total))
	fmt.Fprintf(p.out, "Trainable parameters: %s\n", humanize.Comma(trainable))
	fmt.Fprintf(p.out, "Non-trainable parameters: %s\n", humanize.Comma(total-trainable))
	fmt.Fprintf(p.out, "Params size: %s\n", humanize.Bytes(uint64(total*8)))
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name,
			layers.GetIntParam(layer.Parameters, "input_size", 0),
			layers.GetIntParam(layer.Parameters, "output_size", 0),
			layers.GetBoolParam(layer.Parameters, "use_bias", true))
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%g)", layer.Name,
			layers.GetFloatParam(layer.Parameters, "negative_slope", layers.DefaultNegativeSlope))
	case layers.Normalize:
		return fmt.Sprintf("(%s): Normalize(eps=%g)", layer.Name,
			layers.GetFloatParam(layer.Parameters, "eps", layers.DefaultNormalizeEps))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}
