package models

// Dataset is a labelled sample matrix. Features are row-major, one row per sample.
type Dataset struct {
	Features [][]float64 `json:"x"`
	Labels   []int       `json:"y"`
}

// Len returns the number of samples.
func (d Dataset) Len() int {
	return len(d.Labels)
}

// Dim returns the feature dimension, or 0 for an empty dataset.
func (d Dataset) Dim() int {
	if len(d.Features) == 0 {
		return 0
	}
	return len(d.Features[0])
}

// Slice returns the samples in [from, to).
func (d Dataset) Slice(from, to int) Dataset {
	return Dataset{Features: d.Features[from:to], Labels: d.Labels[from:to]}
}

// ClientData holds one participant's train and test partitions.
type ClientData struct {
	ID    string  `json:"id"`
	Group string  `json:"group,omitempty"`
	Train Dataset `json:"train"`
	Test  Dataset `json:"test"`
}
