package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/transitsuite/tspjob/internal/domain"
)

// bindInputs decodes a Run Record's persisted input_snapshot back into
// the map a Handler receives, validating required input_schema params
// are present (spec.md §4.1's input_schema / §4.5 "bind inputs").
func bindInputs(def *domain.JobDefinition, snapshot []byte) (map[string]any, error) {
	input := map[string]any{}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if err := json.Unmarshal(snapshot, &input); err != nil {
			return nil, fmt.Errorf("decode input_snapshot: %w", err)
		}
	}
	for _, p := range def.InputSchema {
		if !p.Required {
			continue
		}
		if _, ok := input[p.Name]; !ok {
			return nil, fmt.Errorf("missing required input %q", p.Name)
		}
	}
	return input, nil
}

// metricsToJSON serializes a run's accumulated metrics for persistence
// into RunRecord.Metrics.
func metricsToJSON(m map[string]float64) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// stableInputHash mirrors dispatcher.stableInputHash exactly so the
// Worker Pool can recompute the lease key a per_job_and_input_hash
// singleton job was dispatched under, from the persisted input
// snapshot, without the dispatcher package exporting the function.
func stableInputHash(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		b, _ := json.Marshal(input[k])
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// BindInputs exports bindInputs for alternate Execution Engine
// implementations (internal/temporalexec) that need the same
// input_snapshot decoding and required-param validation the in-process
// pool uses, without re-deriving it.
func BindInputs(def *domain.JobDefinition, snapshot []byte) (map[string]any, error) {
	return bindInputs(def, snapshot)
}

// LeaseKeyFor exports leaseKeyFor for alternate Execution Engine
// implementations that must recompute the same lease key the
// Dispatcher acquired a singleton job's lease under.
func LeaseKeyFor(def *domain.JobDefinition, run *domain.RunRecord) string {
	return leaseKeyFor(def, run)
}

// ComputeBackoff exports computeBackoff for alternate Execution Engine
// implementations so every implementation of spec.md §4.5's outcome
// interpretation applies the identical retry/backoff formula.
func ComputeBackoff(r domain.RetryPolicy, attempt int) time.Duration {
	return computeBackoff(r, attempt)
}

// MetricsToJSON exports metricsToJSON for alternate Execution Engine
// implementations persisting a run's accumulated metrics.
func MetricsToJSON(m map[string]float64) []byte {
	return metricsToJSON(m)
}
