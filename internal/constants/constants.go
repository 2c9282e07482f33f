// Package constants provides named defaults used throughout the coordination
// codebase. This centralizes magic numbers for better maintainability and
// documentation.
package constants

import "time"

// Sampling defaults. These mirror the values the models were calibrated with;
// every one of them can be overridden from the command line.
const (
	// DefaultSeed is the random seed used when none is supplied.
	DefaultSeed = 0

	// DefaultBurnIn is the number of warm-up samples discarded before
	// posterior draws are collected.
	DefaultBurnIn = 2000

	// DefaultNumSamples is the number of posterior samples drawn per chain.
	DefaultNumSamples = 2000

	// DefaultNumChains is the number of independent NUTS chains.
	DefaultNumChains = 4

	// DefaultNumJobsPerInference is the number of sampler worker processes
	// per inference. The effective value is capped at the chain count.
	DefaultNumJobsPerInference = DefaultNumChains

	// DefaultNUTSInitMethod is the sampler initialization strategy.
	DefaultNUTSInitMethod = "jitter+adapt_diag"

	// DefaultTargetAccept is the target acceptance rate of the NUTS sampler.
	DefaultTargetAccept = 0.9

	// DefaultProgressFrequency is the per-chain draw cadence at which the
	// progress callback checkpoints partial state to disk.
	DefaultProgressFrequency = 100
)

// Posterior-predictive analysis (PPA) defaults.
const (
	// DefaultNumTimePointsPPA is the number of truncated fitting horizons
	// sampled when none are given explicitly.
	DefaultNumTimePointsPPA = 10

	// DefaultPPAWindow is the forecast window, in time steps, evaluated
	// past each truncated fitting horizon.
	DefaultPPAWindow = 5
)

// Retry policy for transient sampling failures.
const (
	// MaxInferenceRetries is the number of attempts before an experiment is
	// abandoned as failed.
	MaxInferenceRetries = 5

	// MinRetryWait and MaxRetryWait bound the uniformly sampled delay before
	// a retry. The jitter desynchronizes concurrent retries that contend on
	// shared native sampler resources.
	MinRetryWait = 5 * time.Second
	MaxRetryWait = 10 * time.Second
)

// Parallel dispatch defaults.
const (
	// DefaultNumInferenceJobs is the number of experiment blocks dispatched
	// in parallel.
	DefaultNumInferenceJobs = 1

	// DefaultCoreReservation is the fraction of machine cores kept free for
	// the dispatcher and the rest of the system when computing the parallel
	// capacity budget.
	DefaultCoreReservation = 0.25
)

// ExperimentIDColumn is the evidence-table column holding the unique
// experiment identifier.
const ExperimentIDColumn = "experiment_id"
