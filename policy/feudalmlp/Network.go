package feudalmlp

import (
	"fmt"
	"strings"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gofeudal/network"
)

// Learnable name prefixes identifying the two parameter groups. The
// perception network belongs to the worker group: only the worker's
// loss shapes the embedding.
const (
	managerPrefix string = "manager/"
	workerPrefix  string = "worker/"
)

// numEps avoids division by zero when normalizing goals and 0·log(0)
// in the entropy term
const numEps float64 = 1e-8

// net is one instantiation of the feudal network for a fixed batch
// size: the shared perception network, the manager's goal and value
// heads, and the worker's actor and value heads, all on one
// computational graph. Acting nets hold only the forward pass;
// training nets additionally hold the loss and its gradients.
type net struct {
	g     *G.ExprGraph
	batch int

	obs  *G.Node // batch x obsDim
	gsum *G.Node // batch x embedding, pooled recent goals

	learnables G.Nodes

	zVal        G.Value
	gHatVal     G.Value
	logitsVal   G.Value
	workerVVal  G.Value
	managerVVal G.Value

	// Training inputs, nil on an acting net
	actions       *G.Node // batch x numActions, one-hot
	sDiff         *G.Node // batch x embedding, unit transition directions
	workerAdv     *G.Node
	managerAdv    *G.Node
	workerTarget  *G.Node
	managerTarget *G.Node
	lossVal       G.Value

	vm G.VM
}

// newNet builds a feudal network for the given batch size. When train
// is true the graph includes the loss and gradient nodes and the
// network's virtual machine accumulates gradients on its learnables.
func newNet(conf Config, obsDim, numActions, batch int,
	train bool) (*net, error) {
	g := G.NewGraph()
	init := conf.InitWFn.InitWFn()

	obs := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, obsDim),
		G.WithName("observation"))
	gsum := G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, conf.EmbeddingSize), G.WithName("goalSum"))

	percept, err := network.NewMLP(obs, conf.EmbeddingSize, g,
		conf.PerceptHidden, conf.PerceptBiases, init,
		conf.PerceptActivations, workerPrefix+"percept")
	if err != nil {
		return nil, fmt.Errorf("newNet: could not construct perception "+
			"network: %v", err)
	}
	z := G.Must(G.Rectify(percept.Prediction()))

	goalHead, err := network.NewMLP(z, conf.EmbeddingSize, g, nil, nil,
		init, nil, managerPrefix+"goal")
	if err != nil {
		return nil, fmt.Errorf("newNet: could not construct goal head: %v",
			err)
	}

	// Normalize goals row-wise so each goal is a direction in the
	// embedding space
	goal := goalHead.Prediction()
	norm := G.Must(G.Sqrt(G.Must(G.Sum(G.Must(G.Square(goal)), 1))))
	norm = G.Must(G.Add(norm, G.NewConstant(numEps)))
	norm = G.Must(G.Reshape(norm, tensor.Shape{batch, 1}))
	gHat := G.Must(G.BroadcastHadamardDiv(goal, norm, nil, []byte{1}))

	managerCritic, err := network.NewMLP(z, 1, g, nil, nil, init, nil,
		managerPrefix+"value")
	if err != nil {
		return nil, fmt.Errorf("newNet: could not construct manager "+
			"critic: %v", err)
	}

	workerIn := G.Must(G.Concat(1, z, gsum))
	actor, err := network.NewMLP(workerIn, numActions, g, nil, nil, init,
		nil, workerPrefix+"actor")
	if err != nil {
		return nil, fmt.Errorf("newNet: could not construct actor: %v", err)
	}
	workerCritic, err := network.NewMLP(z, 1, g, nil, nil, init, nil,
		workerPrefix+"critic")
	if err != nil {
		return nil, fmt.Errorf("newNet: could not construct worker "+
			"critic: %v", err)
	}

	n := &net{
		g:     g,
		batch: batch,
		obs:   obs,
		gsum:  gsum,
	}
	n.learnables = append(n.learnables, percept.Learnables()...)
	n.learnables = append(n.learnables, goalHead.Learnables()...)
	n.learnables = append(n.learnables, managerCritic.Learnables()...)
	n.learnables = append(n.learnables, actor.Learnables()...)
	n.learnables = append(n.learnables, workerCritic.Learnables()...)

	G.Read(z, &n.zVal)
	G.Read(gHat, &n.gHatVal)
	G.Read(actor.Prediction(), &n.logitsVal)
	G.Read(workerCritic.Prediction(), &n.workerVVal)
	G.Read(managerCritic.Prediction(), &n.managerVVal)

	if !train {
		n.vm = G.NewTapeMachine(g)
		return n, nil
	}

	n.actions = G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, numActions), G.WithName("actions"))
	n.sDiff = G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, conf.EmbeddingSize), G.WithName("sDiff"))
	n.workerAdv = G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("workerAdvantage"))
	n.managerAdv = G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("managerAdvantage"))
	n.workerTarget = G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("workerTarget"))
	n.managerTarget = G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("managerTarget"))

	// Worker: policy gradient with externally computed advantages
	// plus an entropy bonus and a value regression term
	pi := G.Must(G.SoftMax(actor.Prediction(), 1))
	logPi := G.Must(G.Log(G.Must(G.Add(pi, G.NewConstant(numEps)))))
	selLogPi := G.Must(G.Sum(G.Must(G.HadamardProd(logPi, n.actions)), 1))
	policyLoss := G.Must(G.Neg(G.Must(G.Mean(G.Must(G.HadamardProd(
		selLogPi, n.workerAdv))))))
	negEntropy := G.Must(G.Mean(G.Must(G.Sum(G.Must(G.HadamardProd(pi,
		logPi)), 1))))

	workerV := G.Must(G.Reshape(workerCritic.Prediction(),
		tensor.Shape{batch}))
	workerVLoss := G.Must(G.Mean(G.Must(G.Square(G.Must(G.Sub(workerV,
		n.workerTarget))))))

	// Manager: push goals toward the directions the embedding moved,
	// weighted by advantage, plus its own value regression term
	cos := G.Must(G.Sum(G.Must(G.HadamardProd(n.sDiff, gHat)), 1))
	managerLoss := G.Must(G.Neg(G.Must(G.Mean(G.Must(G.HadamardProd(cos,
		n.managerAdv))))))

	managerV := G.Must(G.Reshape(managerCritic.Prediction(),
		tensor.Shape{batch}))
	managerVLoss := G.Must(G.Mean(G.Must(G.Square(G.Must(G.Sub(managerV,
		n.managerTarget))))))

	loss := G.Must(G.Add(policyLoss, G.Must(G.Mul(
		G.NewConstant(conf.EntropyScale), negEntropy))))
	loss = G.Must(G.Add(loss, managerLoss))
	valueScale := G.NewConstant(conf.ValueScale)
	loss = G.Must(G.Add(loss, G.Must(G.Mul(valueScale, workerVLoss))))
	loss = G.Must(G.Add(loss, G.Must(G.Mul(valueScale, managerVLoss))))
	G.Read(loss, &n.lossVal)

	if _, err := G.Grad(loss, n.learnables...); err != nil {
		return nil, fmt.Errorf("newNet: could not compute gradient: %v",
			err)
	}
	n.vm = G.NewTapeMachine(g, G.BindDualValues(n.learnables...))

	return n, nil
}

// run feeds the given input values and executes the graph. The
// caller extracts outputs (and gradients) and then resets the machine.
func (n *net) run(feeds map[*G.Node]*tensor.Dense) error {
	for node, value := range feeds {
		if err := G.Let(node, value); err != nil {
			return fmt.Errorf("run: could not feed %v: %v", node.Name(),
				err)
		}
	}
	if err := n.vm.RunAll(); err != nil {
		n.vm.Reset()
		return fmt.Errorf("run: %v", err)
	}
	return nil
}

// paramsWithPrefix returns the learnables whose name starts with
// prefix, in construction order
func (n *net) paramsWithPrefix(prefix string) G.Nodes {
	var params G.Nodes
	for _, l := range n.learnables {
		if strings.HasPrefix(l.Name(), prefix) {
			params = append(params, l)
		}
	}
	return params
}

// setFrom copies the parameter values of source into n. The nets must
// share an architecture.
func (n *net) setFrom(source *net) error {
	if len(source.learnables) != len(n.learnables) {
		return fmt.Errorf("setFrom: mismatched learnables \n\twant(%v)"+
			"\n\thave(%v)", len(n.learnables), len(source.learnables))
	}
	for i, dest := range n.learnables {
		value := source.learnables[i].Value().(*tensor.Dense)
		if err := G.Let(dest, value.Clone().(*tensor.Dense)); err != nil {
			return fmt.Errorf("setFrom: could not set %v: %v", dest.Name(),
				err)
		}
	}
	return nil
}
