// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package callbacks provides training-lifecycle policies: a learning-rate range
// finder and a best-loss checkpoint trigger.
//
// Policies never touch the optimizer. They return a Directive and the training
// loop applies it.
package callbacks
