// Package models defines the self-supervised model architectures:
//
//   - Encoder: pre-activation residual CNN with global average pooling
//   - Classifier: encoder + dense softmax head for downstream fine-tuning
//   - ProjectionHead: dense -> batchnorm -> relu stack used during pretraining
//   - BarlowEncoder: encoder + projection head, trained with BarlowTwinsLoss
//
// Every model implements Born's nn.Module, so it can be saved with nn.Save and
// restored with nn.Load.
package models
