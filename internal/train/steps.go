package train

import (
	"github.com/born-ml/barlow/internal/callbacks"
	"github.com/born-ml/barlow/internal/data"
	"github.com/born-ml/barlow/internal/models"
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// MetricAccuracy is logged by ClassificationStep.
const MetricAccuracy = "accuracy"

// StepFunc runs the forward pass for one batch and returns the scalar loss
// (shape [1], recorded on the tape) plus any extra metrics to log.
type StepFunc[B tensor.Backend] func(batch *data.Batch[*autodiff.Backend[B]]) (*tensor.Tensor[float32, *autodiff.Backend[B]], callbacks.Logs)

// ClassificationStep trains a classifier with cross-entropy and logs accuracy.
func ClassificationStep[B tensor.Backend](model *models.Classifier[*autodiff.Backend[B]], backend *autodiff.Backend[B]) StepFunc[B] {
	return func(batch *data.Batch[*autodiff.Backend[B]]) (*tensor.Tensor[float32, *autodiff.Backend[B]], callbacks.Logs) {
		logits := model.Forward(batch.Images)
		lossRaw := backend.CrossEntropy(logits.Raw(), batch.Labels.Raw())
		loss := tensor.New[float32, *autodiff.Backend[B]](lossRaw, backend)

		acc := nn.Accuracy(logits, batch.Labels)
		return loss, callbacks.Logs{MetricAccuracy: float64(acc)}
	}
}

// BarlowStep pretrains a BarlowEncoder on two augmented views of each batch.
// Labels are ignored.
func BarlowStep[B tensor.Backend](model *models.BarlowEncoder[*autodiff.Backend[B]], augmenter *data.Augmenter, lambda float32) StepFunc[B] {
	return func(batch *data.Batch[*autodiff.Backend[B]]) (*tensor.Tensor[float32, *autodiff.Backend[B]], callbacks.Logs) {
		v1, v2 := data.Views(augmenter, batch.Images)
		return models.BarlowTwinsLoss(model.Forward(v1), model.Forward(v2), lambda), nil
	}
}
