package models

import (
	"github.com/born-ml/barlow/internal/layers"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// residualBlock is a pre-activation (ResNet V2) basic block:
//
//	preact = relu(bn1(x))
//	y = conv2(relu(bn2(conv1(preact))))
//	out = y + shortcut
//
// The shortcut is x itself, or a 1x1 projection of preact when the stride or the
// channel count changes.
type residualBlock[B tensor.Backend] struct {
	bn1      *layers.BatchNorm2D[B]
	conv1    *nn.Conv2D[B]
	bn2      *layers.BatchNorm2D[B]
	conv2    *nn.Conv2D[B]
	shortcut *nn.Conv2D[B] // nil for identity
}

func newResidualBlock[B tensor.Backend](in, out, stride int, backend B) *residualBlock[B] {
	b := &residualBlock[B]{
		bn1:   layers.NewBatchNorm2D(in, backend),
		conv1: nn.NewConv2D(in, out, 3, 3, stride, 1, false, backend),
		bn2:   layers.NewBatchNorm2D(out, backend),
		conv2: nn.NewConv2D(out, out, 3, 3, 1, 1, false, backend),
	}
	if stride != 1 || in != out {
		b.shortcut = nn.NewConv2D(in, out, 1, 1, stride, 0, false, backend)
	}
	return b
}

func (b *residualBlock[B]) forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	preact := nn.ReLUFunc(b.bn1.Forward(x))

	shortcut := x
	if b.shortcut != nil {
		shortcut = b.shortcut.Forward(preact)
	}

	y := b.conv1.Forward(preact)
	y = b.conv2.Forward(nn.ReLUFunc(b.bn2.Forward(y)))
	return y.Add(shortcut)
}

func (b *residualBlock[B]) setTraining(training bool) {
	b.bn1.SetTraining(training)
	b.bn2.SetTraining(training)
}

func (b *residualBlock[B]) parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 7)
	params = append(params, b.bn1.Parameters()...)
	params = append(params, b.conv1.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	if b.shortcut != nil {
		params = append(params, b.shortcut.Parameters()...)
	}
	return params
}

func (b *residualBlock[B]) convs() map[string]*nn.Conv2D[B] {
	convs := map[string]*nn.Conv2D[B]{"conv1": b.conv1, "conv2": b.conv2}
	if b.shortcut != nil {
		convs["shortcut"] = b.shortcut
	}
	return convs
}

func (b *residualBlock[B]) stateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	layers.Merge(sd, layers.WithPrefix("bn1.", b.bn1.StateDict()))
	layers.Merge(sd, layers.WithPrefix("bn2.", b.bn2.StateDict()))
	for name, conv := range b.convs() {
		layers.Merge(sd, layers.WithPrefix(name+".", convState(conv)))
	}
	return sd
}

func (b *residualBlock[B]) loadStateDict(sd map[string]*tensor.RawTensor) error {
	if err := b.bn1.LoadStateDict(layers.StripPrefix("bn1.", sd)); err != nil {
		return errors.Wrap(err, "bn1")
	}
	if err := b.bn2.LoadStateDict(layers.StripPrefix("bn2.", sd)); err != nil {
		return errors.Wrap(err, "bn2")
	}
	for name, conv := range b.convs() {
		if err := loadConvState(conv, layers.StripPrefix(name+".", sd)); err != nil {
			return errors.Wrap(err, name)
		}
	}
	return nil
}

// convState exports a bias-free convolution's kernel.
func convState[B tensor.Backend](c *nn.Conv2D[B]) map[string]*tensor.RawTensor {
	return layers.StateDict(map[string]*nn.Parameter[B]{"weight": c.Parameters()[0]})
}

func loadConvState[B tensor.Backend](c *nn.Conv2D[B], sd map[string]*tensor.RawTensor) error {
	return layers.LoadStateDict(map[string]*nn.Parameter[B]{"weight": c.Parameters()[0]}, sd)
}
