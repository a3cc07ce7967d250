// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"flag"
	"fmt"
	"strings"

	"github.com/strata-lang/strata/errors"
)

// FlagName names one startup flag.
type FlagName string

const (
	FlagNameWindow            FlagName = "window"
	FlagNameInorder           FlagName = "inorder"
	FlagNameNoDyn             FlagName = "no_dyn"
	FlagNamePartCheck         FlagName = "partcheck"
	FlagNameUnsafeMapper      FlagName = "unsafe_mapper"
	FlagNameSafeMapper        FlagName = "safe_mapper"
	FlagNameSafeCtrlRepl      FlagName = "safe_ctrlrepl"
	FlagNameReplay            FlagName = "replay"
	FlagNameProf              FlagName = "prof"
	FlagNameProfFootprint     FlagName = "prof_footprint"
	FlagNameProfLatency       FlagName = "prof_latency"
	FlagNameProfCallThreshold FlagName = "prof_call_threshold"
)

// RunFlags are the semantics-affecting startup flags.
type RunFlags struct {
	// Window is the outstanding child-operation cap per context.
	Window int
	// Inorder pipelines one operation at a time.
	Inorder bool
	// NoDyn disables dynamic disjointness testing.
	NoDyn bool
	// PartCheck verifies all partition invariants at runtime (slow).
	PartCheck bool
	// UnsafeMapper and SafeMapper toggle mapper-output validation;
	// SafeMapper wins when both are set.
	UnsafeMapper bool
	SafeMapper   bool
	// SafeCtrlRepl is the dynamic control-replication checking level.
	SafeCtrlRepl int
	// Replay names a trace file recorded by a prior run.
	Replay string

	// Profiling budgets.
	Prof              int
	ProfFootprint     bool
	ProfLatency       bool
	ProfCallThreshold int
}

// Flags adds the run flags to the provided flagset.
func (r *RunFlags) Flags(flags *flag.FlagSet) {
	r.flagsLimited(flags, "", nil)
}

// flagsLimited adds flags to the provided flagset with the given
// prefix, limited by the set of flag names defined in names.
func (r *RunFlags) flagsLimited(flags *flag.FlagSet, prefix string, names map[FlagName]bool) {
	if names == nil || names[FlagNameWindow] {
		flags.IntVar(&r.Window, prefix+string(FlagNameWindow), 1024,
			"outstanding child-operation cap per context")
	}
	if names == nil || names[FlagNameInorder] {
		flags.BoolVar(&r.Inorder, prefix+string(FlagNameInorder), false,
			"pipeline one operation at a time")
	}
	if names == nil || names[FlagNameNoDyn] {
		flags.BoolVar(&r.NoDyn, prefix+string(FlagNameNoDyn), false,
			"disable dynamic disjointness testing")
	}
	if names == nil || names[FlagNamePartCheck] {
		flags.BoolVar(&r.PartCheck, prefix+string(FlagNamePartCheck), false,
			"verify all partition invariants at runtime (slow)")
	}
	if names == nil || names[FlagNameUnsafeMapper] {
		flags.BoolVar(&r.UnsafeMapper, prefix+string(FlagNameUnsafeMapper), false,
			"disable validation of mapper decisions")
	}
	if names == nil || names[FlagNameSafeMapper] {
		flags.BoolVar(&r.SafeMapper, prefix+string(FlagNameSafeMapper), false,
			"enable validation of mapper decisions (overrides -unsafe_mapper)")
	}
	if names == nil || names[FlagNameSafeCtrlRepl] {
		flags.IntVar(&r.SafeCtrlRepl, prefix+string(FlagNameSafeCtrlRepl), 0,
			`control-replication divergence checking level

Level 0 performs no checking. Level 1 folds each shard's runtime
calls into a filter compared at every collective. Level 2 keeps the
full call sequence and reports the first diverging position.`)
	}
	if names == nil || names[FlagNameReplay] {
		flags.StringVar(&r.Replay, prefix+string(FlagNameReplay), "",
			"replay dynamic traces from a file recorded by a prior run")
	}
	if names == nil || names[FlagNameProf] {
		flags.IntVar(&r.Prof, prefix+string(FlagNameProf), 0,
			"number of operations to profile")
	}
	if names == nil || names[FlagNameProfFootprint] {
		flags.BoolVar(&r.ProfFootprint, prefix+string(FlagNameProfFootprint), false,
			"profile instance memory footprints")
	}
	if names == nil || names[FlagNameProfLatency] {
		flags.BoolVar(&r.ProfLatency, prefix+string(FlagNameProfLatency), false,
			"profile operation latencies")
	}
	if names == nil || names[FlagNameProfCallThreshold] {
		flags.IntVar(&r.ProfCallThreshold, prefix+string(FlagNameProfCallThreshold), 0,
			"minimum call duration (microseconds) recorded by the profiler")
	}
}

// Err checks if the flag values are consistent and valid.
func (r *RunFlags) Err() error {
	if r.Window < 1 {
		return fmt.Errorf("invalid window %d", r.Window)
	}
	if r.SafeCtrlRepl < 0 || r.SafeCtrlRepl > 2 {
		return fmt.Errorf("invalid safe_ctrlrepl level %d", r.SafeCtrlRepl)
	}
	return nil
}

// Override overrides the appropriate RunFlags fields based on the
// given map of flag names to values. Only the named flags are
// touched; the rest keep their current values.
func (r *RunFlags) Override(overrides map[string]string) (err error) {
	defer func() {
		if err != nil {
			err = errors.E("runflags.override", err)
		}
	}()
	var (
		args  []string
		names = make(map[FlagName]bool)
	)
	for k, v := range overrides {
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
		names[FlagName(k)] = true
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	r.flagsLimited(fs, "", names)
	if err = fs.Parse(args); err != nil {
		err = fmt.Errorf("parsing args [%s]: %v", strings.Join(args, ","), err)
		return
	}
	err = r.Err()
	return
}

// Configure stores the flags' settings into the provided Config.
func (r *RunFlags) Configure(c *Config) {
	c.Window = r.Window
	c.Inorder = r.Inorder
	c.NoDyn = r.NoDyn
	c.PartCheck = r.PartCheck
	c.UnsafeMapper = r.UnsafeMapper && !r.SafeMapper
	c.SafeCtrlRepl = r.SafeCtrlRepl
	c.Replay = r.Replay
	c.Prof = r.Prof
	c.ProfFootprint = r.ProfFootprint
	c.ProfLatency = r.ProfLatency
	c.ProfCallThreshold = r.ProfCallThreshold
}
