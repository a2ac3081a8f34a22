package learner

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/fedgroup/internal/dataset"
	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// bytesPerParam is the wire size of one float64 parameter.
const bytesPerParam = 8

// Config holds the architecture and optimizer settings of a softmax regression model.
type Config struct {
	InputDim     int     `mapstructure:"input_dim" json:"input_dim"`
	NumClasses   int     `mapstructure:"num_classes" json:"num_classes"`
	LearningRate float64 `mapstructure:"learning_rate" json:"learning_rate"`
	Seed         int64   `mapstructure:"seed" json:"seed"`
}

// Validate checks the model settings
func (c Config) Validate() error {
	switch {
	case c.InputDim <= 0:
		return errors.NewValidationError(errors.CodeOutOfRange, "input_dim must be positive")
	case c.NumClasses < 2:
		return errors.NewValidationError(errors.CodeOutOfRange, "num_classes must be at least 2")
	case c.LearningRate <= 0:
		return errors.NewValidationError(errors.CodeOutOfRange, "learning_rate must be positive")
	}
	return nil
}

// SoftmaxRegression is a multinomial logistic regression trained with mini-batch SGD.
// Parameters are flattened as the weight matrix (classes x dim, row-major) followed by the bias.
type SoftmaxRegression struct {
	config  Config
	weights *mat.Dense
	bias    []float64
}

// NewSoftmaxRegression creates a model initialized from config.Seed
func NewSoftmaxRegression(config Config) (*SoftmaxRegression, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &SoftmaxRegression{
		config:  config,
		weights: mat.NewDense(config.NumClasses, config.InputDim, nil),
		bias:    make([]float64, config.NumClasses),
	}
	m.Reinitialize(config.Seed)
	return m, nil
}

// NumParams returns the flattened parameter count.
func (m *SoftmaxRegression) NumParams() int {
	return m.config.NumClasses*m.config.InputDim + m.config.NumClasses
}

// Params returns a copy of the current parameters.
func (m *SoftmaxRegression) Params() models.Params {
	p := make(models.Params, 0, m.NumParams())
	p = append(p, m.weights.RawMatrix().Data...)
	p = append(p, m.bias...)
	return p
}

// SetParams installs p. It panics when p has the wrong length, since callers
// validate shapes before touching a handle.
func (m *SoftmaxRegression) SetParams(p models.Params) {
	if len(p) != m.NumParams() {
		panic(errors.NewAggregationError(errors.CodeShapeMismatch, "parameter vector has wrong length"))
	}
	nw := m.config.NumClasses * m.config.InputDim
	copy(m.weights.RawMatrix().Data, p[:nw])
	copy(m.bias, p[nw:])
}

// Reinitialize draws Glorot-uniform weights and zero bias from seed.
func (m *SoftmaxRegression) Reinitialize(seed int64) models.Params {
	rng := rand.New(rand.NewSource(seed))
	limit := math.Sqrt(6.0 / float64(m.config.InputDim+m.config.NumClasses))
	raw := m.weights.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * limit
	}
	for i := range m.bias {
		m.bias[i] = 0
	}
	return m.Params()
}

// Train runs epochs passes of mini-batch SGD over data.
func (m *SoftmaxRegression) Train(data models.Dataset, epochs, batchSize int) (models.Params, models.Cost) {
	if batchSize <= 0 || batchSize > data.Len() {
		batchSize = data.Len()
	}
	for e := 0; e < epochs; e++ {
		for _, batch := range dataset.Batches(data, batchSize, constants.BatchShuffleSeed+int64(e)) {
			m.step(batch)
		}
	}

	steps := 0
	if batchSize > 0 {
		steps = data.Len() / batchSize
	}
	return m.Params(), models.Cost{
		BytesWritten: m.Size(),
		Flops:        int64(epochs*steps*batchSize) * m.FLOPs(),
		BytesRead:    m.Size(),
	}
}

// TrainIters runs iters SGD steps over wrap-around mini-batches.
func (m *SoftmaxRegression) TrainIters(data models.Dataset, iters, batchSize int) (models.Params, models.Cost) {
	if data.Len() == 0 {
		return m.Params(), models.Cost{BytesWritten: m.Size(), BytesRead: m.Size()}
	}
	if batchSize <= 0 || batchSize > data.Len() {
		batchSize = data.Len()
	}

	it := dataset.NewIterBatches(data, batchSize, constants.BatchShuffleSeed)
	for i := 0; i < iters; i++ {
		m.step(it.Next())
	}

	return m.Params(), models.Cost{
		BytesWritten: m.Size(),
		Flops:        int64(iters*batchSize) * m.FLOPs(),
		BytesRead:    m.Size(),
	}
}

// Evaluate returns the number of correct predictions and the mean cross-entropy.
func (m *SoftmaxRegression) Evaluate(data models.Dataset) (int, float64) {
	n := data.Len()
	if n == 0 {
		return 0, 0
	}

	probs := m.forward(data)
	correct := 0
	loss := 0.0
	for i := 0; i < n; i++ {
		row := probs.RawRowView(i)
		if floats.MaxIdx(row) == data.Labels[i] {
			correct++
		}
		loss -= math.Log(math.Max(row[data.Labels[i]], 1e-12))
	}
	return correct, loss / float64(n)
}

// Gradient returns the mean cross-entropy gradient over data.
func (m *SoftmaxRegression) Gradient(data models.Dataset) models.Params {
	gw, gb := m.gradient(data)
	if gw == nil {
		return models.NewParams(m.NumParams())
	}
	g := make(models.Params, 0, m.NumParams())
	g = append(g, gw.RawMatrix().Data...)
	g = append(g, gb...)
	return g
}

// Size returns the serialized parameter size in bytes.
func (m *SoftmaxRegression) Size() int64 {
	return int64(m.NumParams() * bytesPerParam)
}

// FLOPs counts one forward and backward pass over a single sample.
func (m *SoftmaxRegression) FLOPs() int64 {
	c, d := int64(m.config.NumClasses), int64(m.config.InputDim)
	forward := 2*c*d + 4*c
	backward := 2*c*d + 2*c
	return forward + backward
}

// Clone returns an independent model with identical parameters.
func (m *SoftmaxRegression) Clone() interfaces.Model {
	c := &SoftmaxRegression{
		config:  m.config,
		weights: mat.DenseCopyOf(m.weights),
		bias:    append([]float64(nil), m.bias...),
	}
	return c
}

func (m *SoftmaxRegression) step(batch models.Dataset) {
	gw, gb := m.gradient(batch)
	if gw == nil {
		return
	}
	lr := m.config.LearningRate
	gw.Scale(lr, gw)
	m.weights.Sub(m.weights, gw)
	floats.AddScaled(m.bias, -lr, gb)
}

func (m *SoftmaxRegression) gradient(batch models.Dataset) (*mat.Dense, []float64) {
	n := batch.Len()
	if n == 0 {
		return nil, nil
	}

	// delta = (softmax - onehot) / n
	delta := m.forward(batch)
	for i, label := range batch.Labels {
		delta.Set(i, label, delta.At(i, label)-1)
	}
	delta.Scale(1/float64(n), delta)

	x := featureMatrix(batch, m.config.InputDim)
	gw := mat.NewDense(m.config.NumClasses, m.config.InputDim, nil)
	gw.Mul(delta.T(), x)

	gb := make([]float64, m.config.NumClasses)
	for i := 0; i < n; i++ {
		floats.Add(gb, delta.RawRowView(i))
	}
	return gw, gb
}

// forward returns row-wise class probabilities (n x classes).
func (m *SoftmaxRegression) forward(batch models.Dataset) *mat.Dense {
	x := featureMatrix(batch, m.config.InputDim)
	logits := mat.NewDense(batch.Len(), m.config.NumClasses, nil)
	logits.Mul(x, m.weights.T())

	for i := 0; i < batch.Len(); i++ {
		row := logits.RawRowView(i)
		floats.Add(row, m.bias)
		softmax(row)
	}
	return logits
}

func featureMatrix(batch models.Dataset, dim int) *mat.Dense {
	x := mat.NewDense(batch.Len(), dim, nil)
	for i, row := range batch.Features {
		x.SetRow(i, row)
	}
	return x
}

func softmax(row []float64) {
	maxV := floats.Max(row)
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxV)
		sum += row[i]
	}
	floats.Scale(1/sum, row)
}
