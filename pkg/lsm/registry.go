// Copyright 2025-2026 The Intentional-Gesture Authors. SPDX-License-Identifier: Apache-2.0

package lsm

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OracleFactory creates a VelocityOracle configured from the hyperparameters in ctx.
type OracleFactory func(ctx *context.Context) (VelocityOracle, error)

// EncoderFactory creates a ModalityEncoder configured from the hyperparameters in ctx.
type EncoderFactory func(ctx *context.Context) (ModalityEncoder, error)

var (
	muRegistry sync.Mutex
	oracles    = make(map[string]OracleFactory)
	encoders   = make(map[string]EncoderFactory)
)

// RegisterOracle makes a velocity oracle available under name, usually called from an init()
// function. Registering a name twice replaces the previous factory.
func RegisterOracle(name string, factory OracleFactory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := oracles[name]; found {
		klog.Warningf("velocity oracle %q registered more than once", name)
	}
	oracles[name] = factory
}

// RegisterEncoder makes a modality encoder available under name, usually called from an init()
// function.
func RegisterEncoder(name string, factory EncoderFactory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := encoders[name]; found {
		klog.Warningf("modality encoder %q registered more than once", name)
	}
	encoders[name] = factory
}

// OracleNames returns the registered velocity oracles, sorted.
func OracleNames() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.Sorted(maps.Keys(oracles))
}

// EncoderNames returns the registered modality encoders, sorted.
func EncoderNames() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.Sorted(maps.Keys(encoders))
}

// NewOracle creates the velocity oracle registered under name.
func NewOracle(ctx *context.Context, name string) (VelocityOracle, error) {
	muRegistry.Lock()
	factory, found := oracles[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown velocity oracle %q, registered oracles are %q -- "+
			"maybe the package implementing it was not imported?", name, OracleNames())
	}
	oracle, err := factory(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating velocity oracle %q", name)
	}
	return oracle, nil
}

// NewEncoder creates the modality encoder registered under name.
func NewEncoder(ctx *context.Context, name string) (ModalityEncoder, error) {
	muRegistry.Lock()
	factory, found := encoders[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown modality encoder %q, registered encoders are %q -- "+
			"maybe the package implementing it was not imported?", name, EncoderNames())
	}
	encoder, err := factory(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating modality encoder %q", name)
	}
	return encoder, nil
}
