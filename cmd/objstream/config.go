package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"

	"github.com/pithecene-io/objstream/objstream"
)

// clientOptions translates the resume policy and any retry.<operation>.*
// overrides into client options. Unset keys keep the default binding.
//
// Example config file:
//
//	retry:
//	  read_object:
//	    max-attempts: 5
//	    total-timeout: 2m
//	  delete_object:
//	    retryable-codes: [unavailable]
func clientOptions(v *viper.Viper) ([]objstream.Option, error) {
	policy, err := objstream.ParseResumePolicy(v.GetString("resume-policy"))
	if err != nil {
		return nil, err
	}
	opts := []objstream.Option{objstream.WithResumePolicy(policy)}

	for _, op := range objstream.Operations() {
		spec, changed, err := retrySpec(v, op)
		if err != nil {
			return nil, err
		}
		if changed {
			opts = append(opts, objstream.WithRetrySpec(op, spec))
		}
	}
	return opts, nil
}

// retrySpec overlays the retry.<op>.* keys onto op's default spec.
func retrySpec(v *viper.Viper, op objstream.Operation) (objstream.RetrySpec, bool, error) {
	spec := objstream.SpecFor(op)
	base := "retry." + op.String() + "."
	changed := false

	durations := map[string]*time.Duration{
		"initial-delay":   &spec.InitialDelay,
		"max-delay":       &spec.MaxDelay,
		"rpc-timeout":     &spec.InitialRPCTimeout,
		"max-rpc-timeout": &spec.MaxRPCTimeout,
		"total-timeout":   &spec.TotalTimeout,
	}
	for key, dst := range durations {
		if v.IsSet(base + key) {
			*dst = v.GetDuration(base + key)
			changed = true
		}
	}

	floats := map[string]*float64{
		"delay-multiplier":       &spec.DelayMultiplier,
		"rpc-timeout-multiplier": &spec.RPCTimeoutMultiplier,
	}
	for key, dst := range floats {
		if v.IsSet(base + key) {
			*dst = v.GetFloat64(base + key)
			changed = true
		}
	}

	if v.IsSet(base + "max-attempts") {
		spec.MaxAttempts = v.GetInt(base + "max-attempts")
		changed = true
	}

	if v.IsSet(base + "retryable-codes") {
		parsed, err := parseCodes(v.GetStringSlice(base + "retryable-codes"))
		if err != nil {
			return spec, false, fmt.Errorf("%sretryable-codes: %w", base, err)
		}
		spec.RetryableCodes = parsed
		changed = true
	}

	if err := spec.Validate(); err != nil {
		return spec, false, fmt.Errorf("retry.%s: %w", op, err)
	}
	return spec, changed, nil
}

// parseCodes accepts status code names in any case, with or without
// underscores ("unavailable", "DEADLINE_EXCEEDED", "ResourceExhausted").
// Entries may also be comma separated, as they arrive from the environment.
func parseCodes(names []string) ([]codes.Code, error) {
	var out []codes.Code
	for _, entry := range names {
		for _, name := range strings.Split(entry, ",") {
			name = normalizeCode(name)
			if name == "" {
				continue
			}
			c, ok := codeNames[name]
			if !ok {
				return nil, fmt.Errorf("unknown status code %q", name)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

var codeNames = func() map[string]codes.Code {
	m := make(map[string]codes.Code)
	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		m[normalizeCode(c.String())] = c
	}
	return m
}()

func normalizeCode(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}
