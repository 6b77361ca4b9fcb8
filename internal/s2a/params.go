package s2a

import (
	"fmt"
	"strings"

	"github.com/example/go-s2a/internal/runtime/autograd"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

// PolicyMode says whether the optimizer may update a parameter.
type PolicyMode int

const (
	Trainable PolicyMode = iota
	Frozen
	// FrozenWithTrainableSubrange freezes every row along dimension 0 except
	// [Start, End).
	FrozenWithTrainableSubrange
)

func (m PolicyMode) String() string {
	switch m {
	case Frozen:
		return "frozen"
	case FrozenWithTrainableSubrange:
		return "frozen-with-trainable-subrange"
	default:
		return "trainable"
	}
}

// TrainingPolicy is consulted by the optimizer for every parameter.
type TrainingPolicy struct {
	Mode       PolicyMode
	Start, End int
}

// RowTrainable reports whether row r (dimension 0) may be updated.
func (p TrainingPolicy) RowTrainable(r int) bool {
	switch p.Mode {
	case Frozen:
		return false
	case FrozenWithTrainableSubrange:
		return r >= p.Start && r < p.End
	default:
		return true
	}
}

// Param is a named model parameter together with the optimizer metadata its
// role assigns.
type Param struct {
	Name  string
	Var   *autograd.Var
	Role  Role
	Bias  bool
	FanIn int

	LRScale     float64
	WeightDecay bool
	Policy      TrainingPolicy
}

// Params is the ordered registry of model parameters.
type Params struct {
	list   []*Param
	byName map[string]*Param
}

func newParams() *Params {
	return &Params{byName: map[string]*Param{}}
}

// All returns parameters in construction order.
func (ps *Params) All() []*Param {
	return ps.list
}

// Get looks up a parameter by its dotted name.
func (ps *Params) Get(name string) (*Param, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Count is the total number of scalar weights.
func (ps *Params) Count() int {
	n := 0
	for _, p := range ps.list {
		n += p.Var.Value.ElemCount()
	}

	return n
}

// ZeroGrad clears every accumulated gradient.
func (ps *Params) ZeroGrad() {
	for _, p := range ps.list {
		p.Var.ZeroGrad()
	}
}

// builder hands out parameters under a dotted prefix.
type builder struct {
	ps     *Params
	prefix string
}

func (b builder) path(parts ...string) builder {
	prefix := b.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return builder{ps: b.ps, prefix: prefix}
}

func (b builder) resolve(name string) string {
	if b.prefix == "" {
		return name
	}

	return b.prefix + "." + name
}

func (b builder) add(name string, role Role, bias bool, fanIn int, shape ...int64) *Param {
	full := b.resolve(name)
	if _, dup := b.ps.byName[full]; dup {
		panic(fmt.Sprintf("s2a: duplicate parameter %q", full))
	}

	p := &Param{
		Name:  full,
		Var:   autograd.NewVar(tensor.MustZeros(shape...), true),
		Role:  role,
		Bias:  bias,
		FanIn: fanIn,
	}
	b.ps.list = append(b.ps.list, p)
	b.ps.byName[full] = p

	return p
}

type linear struct {
	W *Param // [out, in]
	B *Param // optional [out]
}

func newLinear(b builder, name string, in, out int, bias bool, role Role) *linear {
	lb := b.path(name)
	l := &linear{W: lb.add("weight", role, false, in, int64(out), int64(in))}

	if bias {
		l.B = lb.add("bias", role, true, in, int64(out))
	}

	return l
}

func (l *linear) forward(tp *autograd.Tape, x *autograd.Var) (*autograd.Var, error) {
	var b *autograd.Var
	if l.B != nil {
		b = l.B.Var
	}

	return tp.Linear(x, l.W.Var, b)
}

type layerNorm struct {
	W, B *Param
}

const layerNormEps = 1e-5

func newLayerNorm(b builder, name string, width int) *layerNorm {
	lb := b.path(name)

	return &layerNorm{
		W: lb.add("weight", RoleNorm, false, width, int64(width)),
		B: lb.add("bias", RoleNorm, true, width, int64(width)),
	}
}

func (ln *layerNorm) forward(tp *autograd.Tape, x *autograd.Var) (*autograd.Var, error) {
	return tp.LayerNorm(x, ln.W.Var, ln.B.Var, layerNormEps)
}
