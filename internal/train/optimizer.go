package train

import (
	"github.com/born-ml/barlow/internal/config"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// NewOptimizer builds the optimizer named by cfg over params.
func NewOptimizer[B tensor.Backend](cfg config.Train, params []*nn.Parameter[*autodiff.Backend[B]], backend *autodiff.Backend[B]) (Optimizer, error) {
	switch cfg.Optimizer {
	case config.OptimizerAdam:
		return optim.NewAdam(params, optim.AdamConfig{
			LR:    float32(cfg.LR),
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-8,
		}, backend), nil
	case config.OptimizerSGD:
		return optim.NewSGD(params, optim.SGDConfig{
			LR:       float32(cfg.LR),
			Momentum: float32(cfg.Momentum),
		}, backend), nil
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown optimizer %q", cfg.Optimizer)
	}
}
