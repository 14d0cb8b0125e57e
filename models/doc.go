// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package models provides the Barlow Twins model zoo on Born: a residual
// encoder, a classifier for fine-tuning, and the projection head and loss used
// for self-supervised pretraining.
package models
