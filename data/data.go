// Package data loads samples and weights from CSV and splits them into the
// training, validation and test sets a run consumes.
package data

import (
	"bytes"
	"encoding/csv"
	"math/rand"
	"sort"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-pds/tensor"
	"github.com/tsawler/go-pds/training"
)

// Sample is one labelled feature vector.
type Sample struct {
	Features []float64
	Label    float64
}

// LoadSamples reads a CSV with a header row. The label comes from
// labelColumn; features come from featureColumns in order, or from every
// other column in header order when featureColumns is empty.
func LoadSamples(fs afero.Fs, path, labelColumn string, featureColumns []string) ([]Sample, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	if len(featureColumns) == 0 {
		header, err := csv.NewReader(bytes.NewReader(raw)).Read()
		if err != nil {
			return nil, errors.Wrapf(err, "reading header of %s", path)
		}
		for _, col := range header {
			if col != labelColumn {
				featureColumns = append(featureColumns, col)
			}
		}
	}

	records, err := gocsv.CSVToMaps(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	samples := make([]Sample, 0, len(records))
	for row, record := range records {
		s := Sample{Features: make([]float64, len(featureColumns))}
		if s.Label, err = field(record, labelColumn); err != nil {
			return nil, errors.Wrapf(err, "%s row %d", path, row+1)
		}
		for k, col := range featureColumns {
			if s.Features[k], err = field(record, col); err != nil {
				return nil, errors.Wrapf(err, "%s row %d", path, row+1)
			}
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("%s has no samples", path)
	}
	return samples, nil
}

func field(record map[string]string, column string) (float64, error) {
	v, ok := record[column]
	if !ok {
		return 0, errors.Errorf("missing column %q", column)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "column %q", column)
	}
	return f, nil
}

type pairWeightRecord struct {
	I      int     `csv:"i"`
	J      int     `csv:"j"`
	Weight float64 `csv:"weight"`
}

type sampleWeightRecord struct {
	Weight float64 `csv:"weight"`
}

// LoadPairWeights reads an i,j,weight CSV into a table over size samples.
func LoadPairWeights(fs afero.Fs, path string, size int) (*training.PairWeightTable, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var records []*pairWeightRecord
	if err := gocsv.Unmarshal(f, &records); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}

	weights := make([]float64, len(records))
	pairs := make([][2]int, len(records))
	for k, r := range records {
		weights[k] = r.Weight
		pairs[k] = [2]int{r.I, r.J}
	}
	table, err := training.NewPairWeightTable(weights, pairs, size)
	if err != nil {
		return nil, errors.Wrapf(err, "pair weights in %s", path)
	}
	return table, nil
}

// LoadSampleWeights reads a single-column weight CSV.
func LoadSampleWeights(fs afero.Fs, path string) ([]float64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var records []*sampleWeightRecord
	if err := gocsv.Unmarshal(f, &records); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	weights := make([]float64, len(records))
	for i, r := range records {
		if r.Weight < 0 {
			return nil, errors.Errorf("%s row %d: negative weight %g", path, i+1, r.Weight)
		}
		weights[i] = r.Weight
	}
	return weights, nil
}

// Splits holds the three partitions of a sample set.
type Splits struct {
	Train, Val, Test []Sample
}

// Split partitions samples stratified by label. After sorting by label
// descending, one random sample of every full group of 3 goes to test; of
// what remains, one random sample of every full group of 4 goes to
// validation. The rest is training. Each partition is shuffled with rng.
func Split(samples []Sample, rng *rand.Rand) (Splits, error) {
	if rng == nil {
		return Splits{}, errors.New("split requires a random source")
	}
	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Label > sorted[b].Label })

	var s Splits
	var rest []Sample
	s.Test, rest = pickOnePerGroup(sorted, 3, rng)
	s.Val, s.Train = pickOnePerGroup(rest, 4, rng)

	for _, part := range [][]Sample{s.Train, s.Val, s.Test} {
		rng.Shuffle(len(part), func(a, b int) { part[a], part[b] = part[b], part[a] })
	}
	return s, nil
}

// pickOnePerGroup draws one sample from every full group of size; partial
// trailing groups stay in rest.
func pickOnePerGroup(samples []Sample, size int, rng *rand.Rand) (picked, rest []Sample) {
	full := len(samples) / size * size
	for lo := 0; lo < full; lo += size {
		k := rng.Intn(size)
		for i := lo; i < lo+size; i++ {
			if i-lo == k {
				picked = append(picked, samples[i])
			} else {
				rest = append(rest, samples[i])
			}
		}
	}
	rest = append(rest, samples[full:]...)
	return picked, rest
}

// Combine returns train followed by val.
func Combine(train, val []Sample) []Sample {
	out := make([]Sample, 0, len(train)+len(val))
	out = append(out, train...)
	return append(out, val...)
}

// Labels returns the labels of samples.
func Labels(samples []Sample) []float64 {
	labels := make([]float64, len(samples))
	for i, s := range samples {
		labels[i] = s.Label
	}
	return labels
}

// ToDataset converts samples into a training dataset of dtype.
func ToDataset(samples []Sample, dtype tensor.DType) (*training.Dataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}
	rows := make([][]float64, len(samples))
	for i, s := range samples {
		rows[i] = s.Features
	}
	return training.NewDataset(rows, Labels(samples), dtype)
}

// CountAboveThreshold counts labels strictly above the elevated and the
// sep thresholds.
func CountAboveThreshold(labels []float64, elevated, sep float64) (elevatedCount, sepCount int) {
	for _, y := range labels {
		if y > elevated {
			elevatedCount++
		}
		if y > sep {
			sepCount++
		}
	}
	return elevatedCount, sepCount
}
