// Package network implements fully connected neural networks on
// Gorgonia computational graphs
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NeuralNet is a differentiable network on a Gorgonia graph
type NeuralNet interface {
	Graph() *G.ExprGraph
	Features() int
	Outputs() int

	// Learnables returns the learnable nodes of the network in a
	// fixed order. Two networks built with the same constructor
	// arguments have index-aligned Learnables.
	Learnables() G.Nodes
	Model() []G.ValueGrad

	// Prediction returns the node holding the network output, and
	// Output the value of that node after the last graph run
	Prediction() *G.Node
	Output() G.Value
}

// Set copies the learnable weights of source into dest. The networks
// must have been built with the same constructor arguments so that
// their learnables align.
func Set(dest, source NeuralNet) error {
	sourceNodes := source.Learnables()
	destNodes := dest.Learnables()
	if len(sourceNodes) != len(destNodes) {
		return fmt.Errorf("set: mismatched learnables \n\twant(%v)"+
			"\n\thave(%v)", len(destNodes), len(sourceNodes))
	}

	for i, destLearnable := range destNodes {
		value := sourceNodes[i].Value().(*tensor.Dense).Clone().(*tensor.Dense)
		if err := G.Let(destLearnable, value); err != nil {
			return fmt.Errorf("set: could not set learnable %v: %v",
				destLearnable.Name(), err)
		}
	}
	return nil
}

// mlp implements a multi-layered perceptron rooted at an existing
// input node of a computational graph
type mlp struct {
	g          *G.ExprGraph
	layers     []Layer
	input      *G.Node
	numOutputs int
	numInputs  int

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
	predVal    G.Value
}

// NewMLP returns a new multi-layered perceptron computed from the
// input node. The network has len(hiddenSizes) hidden layers plus a
// final linear layer of size outputs with a bias unit and no
// activation. Every learnable node is named under prefix so that
// parameter groups can be identified by name.
//
// For index i, hiddenSizes[i] is the number of units in hidden layer
// i, biases[i] denotes whether that layer has a bias unit, and
// activations[i] is that layer's activation. The init parameter
// determines the weight initialization scheme.
func NewMLP(input *G.Node, outputs int, g *G.ExprGraph, hiddenSizes []int,
	biases []bool, init G.InitWFn, activations []*Activation,
	prefix string) (NeuralNet, error) {
	if len(hiddenSizes) != len(activations) {
		msg := "newmlp: invalid number of activations\n\twant(%d)" +
			"\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(activations))
	}
	if len(hiddenSizes) != len(biases) {
		msg := "newmlp: invalid number of biases\n\twant(%d)\n\thave(%d)"
		return nil, fmt.Errorf(msg, len(hiddenSizes), len(biases))
	}
	if !input.IsMatrix() {
		return nil, fmt.Errorf("newmlp: input must be a matrix node")
	}

	features := input.Shape()[1]

	// A final linear layer ensures the network predicts outputs values
	hiddenSizes = append(hiddenSizes, outputs)
	biases = append(biases, true)
	activations = append(activations, Identity())

	layers := make([]Layer, len(hiddenSizes))
	in := features
	for i, out := range hiddenSizes {
		name := fmt.Sprintf("%v/L%d", prefix, i)
		layers[i] = newFCLayer(g, in, out, biases[i], activations[i], init,
			name)
		in = out
	}

	network := mlp{
		g:          g,
		layers:     layers,
		input:      input,
		numOutputs: outputs,
		numInputs:  features,
	}
	if _, err := network.fwd(input); err != nil {
		return nil, fmt.Errorf("newmlp: could not compute forward pass: %v",
			err)
	}

	return &network, nil
}

// Graph returns the computational graph of the mlp
func (e *mlp) Graph() *G.ExprGraph {
	return e.g
}

// Features returns the number of input features to the mlp
func (e *mlp) Features() int {
	return e.numInputs
}

// Outputs returns the number of outputs from the network
func (e *mlp) Outputs() int {
	return e.numOutputs
}

// Learnables returns the learnable nodes in the mlp
func (e *mlp) Learnables() G.Nodes {
	// Lazy instantiation
	if e.learnables == nil {
		e.learnables = e.computeLearnables()
	}
	return e.learnables
}

func (e *mlp) computeLearnables() G.Nodes {
	learnables := make([]*G.Node, 0, 2*len(e.layers))
	for i := range e.layers {
		learnables = append(learnables, e.layers[i].Weights())
		if bias := e.layers[i].Bias(); bias != nil {
			learnables = append(learnables, bias)
		}
	}
	return G.Nodes(learnables)
}

// Model returns the learnable nodes with their gradients
func (e *mlp) Model() []G.ValueGrad {
	// Lazy instantiation
	if e.model == nil {
		model := make([]G.ValueGrad, 0, len(e.Learnables()))
		for _, node := range e.Learnables() {
			model = append(model, node)
		}
		e.model = model
	}
	return e.model
}

// fwd performs the forward pass of the mlp on the input node
func (e *mlp) fwd(input *G.Node) (*G.Node, error) {
	pred := input
	var err error
	for i, l := range e.layers {
		if pred, err = l.fwd(pred); err != nil {
			msg := "fwd: could not compute forward pass of layer %v: %v"
			return nil, fmt.Errorf(msg, i, err)
		}
	}

	e.prediction = pred
	G.Read(e.prediction, &e.predVal)

	return pred, nil
}

// Output returns the output of the mlp after the last graph run
func (e *mlp) Output() G.Value {
	return e.predVal
}

// Prediction returns the node of the computational graph that stores
// the output of the mlp
func (e *mlp) Prediction() *G.Node {
	return e.prediction
}
