package initwfn

import G "gorgonia.org/gorgonia"

// ConstantConfig describes a weight initializer that sets every
// weight to the same value
type ConstantConfig struct {
	Value float64
}

// NewConstant returns a constant weight initializer
func NewConstant(value float64) (*InitWFn, error) {
	return newInitWFn(ConstantConfig{Value: value})
}

// Type returns the type of initialization algorithm the configuration
// describes
func (c ConstantConfig) Type() Type {
	return Constant
}

// Create returns the initialization algorithm as a Gorgonia InitWFn
func (c ConstantConfig) Create() G.InitWFn {
	return G.ValuesOf(c.Value)
}
