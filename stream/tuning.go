// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "github.com/atelier-ml/atelier/lib/config"

// TuningFromConfig converts the config file's per-kind stream settings
// into the session's tuning map. Kinds absent from the config keep
// their built-in defaults.
func TuningFromConfig(cfg *config.Config) map[StreamKind]ChannelTuning {
	tuning := make(map[StreamKind]ChannelTuning, len(cfg.Streams))
	for name, streamCfg := range cfg.Streams {
		kind := StreamKind(name)
		if !kind.Valid() {
			continue
		}
		tuning[kind] = ChannelTuning{
			Backoff: Policy{
				Base:        streamCfg.BackoffBase.Std(),
				Cap:         streamCfg.BackoffCap.Std(),
				Jitter:      streamCfg.BackoffJitter.Std(),
				MaxAttempts: streamCfg.MaxAttempts,
			},
			IdleTimeout: streamCfg.IdleTimeout.Std(),
		}
	}
	return tuning
}
