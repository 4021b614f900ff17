package selector

import "fmt"

// Activation names a layer activation function.
type Activation string

const (
	// ReLU rectifies negative pre-activations to zero.
	ReLU Activation = "relu"
	// Linear passes pre-activations through unchanged.
	Linear Activation = "linear"
)

// Layer is one entry in the declarative model description consumed by Build.
// The concrete variants are Dense and Dropout.
type Layer interface {
	layerSpec()
	validate() error
}

// Dense is a fully connected layer.
type Dense struct {
	Units      int
	Activation Activation
}

func (Dense) layerSpec() {}

func (d Dense) validate() error {
	if d.Units < 1 {
		return fmt.Errorf("selector: dense layer units must be >= 1, got %d", d.Units)
	}
	switch d.Activation {
	case ReLU, Linear:
		return nil
	default:
		return fmt.Errorf("selector: unknown activation %q", d.Activation)
	}
}

// Dropout zeroes a random fraction of its input during training; it is the
// identity at prediction time (inverted dropout scaling keeps expectations
// equal).
type Dropout struct {
	Rate float64
}

func (Dropout) layerSpec() {}

func (d Dropout) validate() error {
	if d.Rate < 0 || d.Rate >= 1 {
		return fmt.Errorf("selector: dropout rate must be in [0, 1), got %g", d.Rate)
	}
	return nil
}

// DefaultLayers is the stock selector architecture: a wide ReLU layer with
// dropout, a bottleneck at the output width, and a linear output layer.
func DefaultLayers(outputDim int) []Layer {
	return []Layer{
		Dense{Units: 1024, Activation: ReLU},
		Dropout{Rate: 0.25},
		Dense{Units: outputDim, Activation: ReLU},
		Dropout{Rate: 0.25},
		Dense{Units: outputDim, Activation: Linear},
	}
}
