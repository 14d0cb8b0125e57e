package callbacks

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Metric names always present in a MetricHistory record.
const (
	MetricLR         = "lr"
	MetricIterations = "iterations"
	MetricLoss       = "loss"
)

// Record is one step's snapshot: metric name to value.
type Record map[string]float64

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// MetricHistory is an append-only sequence of per-step records.
//
// The zero value is an empty history ready to use.
type MetricHistory struct {
	records []Record
}

func (h *MetricHistory) append(r Record) {
	h.records = append(h.records, r)
}

// Len returns the number of records.
func (h *MetricHistory) Len() int {
	return len(h.records)
}

// At returns a copy of the i-th record.
func (h *MetricHistory) At(i int) Record {
	return h.records[i].clone()
}

// Records returns copies of all records in order.
func (h *MetricHistory) Records() []Record {
	out := make([]Record, len(h.records))
	for i, r := range h.records {
		out[i] = r.clone()
	}
	return out
}

// Clone returns a deep copy that shares nothing with h.
func (h *MetricHistory) Clone() *MetricHistory {
	return &MetricHistory{records: h.Records()}
}

// Keys returns the union of metric names across all records.
//
// "iterations" and "lr" come first, the rest are sorted.
func (h *MetricHistory) Keys() []string {
	seen := make(map[string]struct{})
	for _, r := range h.records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for _, k := range []string{MetricIterations, MetricLR} {
		if _, ok := seen[k]; ok {
			keys = append(keys, k)
			delete(seen, k)
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// Column returns the values of one metric across all records.
//
// Returns ErrMissingMetric if any record lacks it.
func (h *MetricHistory) Column(name string) ([]float64, error) {
	out := make([]float64, len(h.records))
	for i, r := range h.records {
		v, ok := r[name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingMetric, "metric %q at record %d", name, i)
		}
		out[i] = v
	}
	return out, nil
}

// Series returns paired columns, e.g. Series("lr", "loss") for a rate-vs-loss curve.
func (h *MetricHistory) Series(x, y string) (xs, ys []float64, err error) {
	if xs, err = h.Column(x); err != nil {
		return nil, nil, err
	}
	if ys, err = h.Column(y); err != nil {
		return nil, nil, err
	}
	return xs, ys, nil
}

// SuggestRate returns the learning rate at which the loss fell fastest.
//
// The slope between consecutive records is (loss[i+1]-loss[i]) / (lr[i+1]-lr[i]);
// the rate at the start of the steepest negative segment is returned. Segments with
// non-finite values or no change in rate are skipped.
func (h *MetricHistory) SuggestRate() (float64, error) {
	lrs, losses, err := h.Series(MetricLR, MetricLoss)
	if err != nil {
		return 0, err
	}
	if len(lrs) < 2 {
		return 0, errors.New("callbacks: need at least two records to suggest a rate")
	}

	best := math.Inf(1)
	rate := math.NaN()
	for i := 0; i+1 < len(lrs); i++ {
		dx := lrs[i+1] - lrs[i]
		if dx == 0 {
			continue
		}
		slope := (losses[i+1] - losses[i]) / dx
		if math.IsNaN(slope) || math.IsInf(slope, 0) {
			continue
		}
		if slope < best {
			best = slope
			rate = lrs[i]
		}
	}

	if math.IsNaN(rate) || best >= 0 {
		return 0, errors.New("callbacks: loss never decreased")
	}
	return rate, nil
}

// WriteCSV writes the history as CSV with a header row of metric names.
//
// Records lacking a metric leave the cell empty.
func (h *MetricHistory) WriteCSV(w io.Writer) error {
	keys := h.Keys()
	cw := csv.NewWriter(w)

	if err := cw.Write(keys); err != nil {
		return errors.Wrap(err, "write csv header")
	}

	row := make([]string, len(keys))
	for i, r := range h.records {
		for j, k := range keys {
			v, ok := r[k]
			if !ok {
				row[j] = ""
				continue
			}
			row[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write csv record %d", i)
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteJSON writes the history as a JSON array of objects.
//
// Non-finite values (NaN losses from a diverging sweep) are written as null.
func (h *MetricHistory) WriteJSON(w io.Writer) error {
	out := make([]map[string]*float64, len(h.records))
	for i, r := range h.records {
		obj := make(map[string]*float64, len(r))
		for k, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				obj[k] = nil
				continue
			}
			v := v
			obj[k] = &v
		}
		out[i] = obj
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(out), "encode history")
}

// SaveHistory writes h to path, choosing CSV or JSON from the file extension.
func SaveHistory(h *MetricHistory, path string) (err error) {
	var write func(io.Writer) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		write = h.WriteCSV
	case ".json":
		write = h.WriteJSON
	default:
		return errors.Errorf("callbacks: unsupported history format %q (want .csv or .json)", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %q", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "close %q", path)
		}
	}()

	return write(f)
}
