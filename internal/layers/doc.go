// Package layers provides the building blocks the encoder and projection head need
// on top of Born's nn package: batch normalization, global average pooling,
// He-normal initialization, an L2 kernel regularizer and state-dict helpers.
//
// All layers are generic over tensor.Backend and record on the autodiff tape
// when used with autodiff.Backend.
package layers
