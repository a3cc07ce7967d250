// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runtime assembles the deferred-execution runtime: the
// region forest, the partitioning engine, physical data management,
// the operation pipeline, and the registration tables, behind the
// Runtime and Context types the application programs against.
package runtime

import (
	"context"
	"flag"
	"io/ioutil"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/mapper"
	"github.com/strata-lang/strata/op"
	"github.com/strata-lang/strata/partition"
	"github.com/strata-lang/strata/physical"
	"github.com/strata-lang/strata/pipeline"
	"github.com/strata-lang/strata/regiontree"
	"github.com/strata-lang/strata/substrate"
	yaml "gopkg.in/yaml.v2"
)

// Runtime is the top-level runtime object. Applications register
// tasks and functors on it, start a top-level task, and wait for
// shutdown.
type Runtime struct {
	Config Config
	Log    *log.Logger

	registry *registry
	forest   *regiontree.Forest
	data     *physical.Manager
	parts    *partition.Engine
	local    *substrate.Local
	pipe     *pipeline.Pipeline

	mu         sync.Mutex
	started    bool
	returnCode int

	done    chan struct{}
	doneErr error
}

// Initialize parses the startup flags out of args, returning the
// resulting configuration and the remaining arguments.
func Initialize(args []string) (Config, []string, error) {
	var rf RunFlags
	fs := flag.NewFlagSet("strata", flag.ContinueOnError)
	rf.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, errors.E("runtime.initialize", errors.Invalid, err)
	}
	if err := rf.Err(); err != nil {
		return Config{}, nil, errors.E("runtime.initialize", errors.Invalid, err)
	}
	config := DefaultConfig
	rf.Configure(&config)
	return config, fs.Args(), nil
}

// New builds a runtime from the configuration. The runtime is ready
// for registration calls; Start launches the top-level task.
func New(config Config, logger *log.Logger) (*Runtime, error) {
	if err := config.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Std
	}
	subcfg, err := config.substrateConfig()
	if err != nil {
		return nil, err
	}
	forest := regiontree.NewForest()
	forest.Partcheck = config.PartCheck
	forest.NoDynamic = config.NoDyn
	forest.Log = logger
	data := physical.NewManager(forest, logger)
	data.Checks = config.PartCheck
	r := &Runtime{
		Config:   config,
		Log:      logger,
		registry: newRegistry(),
		forest:   forest,
		data:     data,
		parts:    partition.NewEngine(forest, data, logger),
		local:    substrate.NewLocal(subcfg),
		done:     make(chan struct{}),
	}
	r.pipe = pipeline.New(pipeline.Config{
		Forest:       forest,
		Data:         data,
		Substrate:    r.local,
		Runner:       r,
		Mappers:      r.registry.mapper,
		Variants:     r.registry.variants,
		Projections:  r.registry.projection,
		Reductions:   r.registry.reduction,
		Window:       config.Window,
		Inorder:      config.Inorder,
		UnsafeMapper: config.UnsafeMapper,
		Log:          logger,
	})
	if config.Replay != "" {
		if err := r.loadReplay(config.Replay); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// loadReplay seeds the pipeline's dynamic traces from a file written
// by SaveTraces.
func (r *Runtime) loadReplay(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.E("runtime.replay", path, err)
	}
	var traces map[uint64][][]uint64
	if err := yaml.Unmarshal(b, &traces); err != nil {
		return errors.E("runtime.replay", errors.Invalid, path, err)
	}
	for id, offsets := range traces {
		r.pipe.SeedTrace(strata.TraceID(id), offsets)
	}
	return nil
}

// SaveTraces writes the dynamic traces recorded so far to a file
// loadable via the replay flag.
func (r *Runtime) SaveTraces(path string) error {
	traces := make(map[uint64][][]uint64)
	for id, offsets := range r.pipe.Traces() {
		traces[uint64(id)] = offsets
	}
	b, err := yaml.Marshal(traces)
	if err != nil {
		return errors.E("runtime.savetraces", err)
	}
	if err := ioutil.WriteFile(path, b, 0666); err != nil {
		return errors.E("runtime.savetraces", path, err)
	}
	return nil
}

// RegisterTask records a task id with a diagnostic name. Id zero
// generates a fresh one.
func (r *Runtime) RegisterTask(id strata.TaskID, name string) (strata.TaskID, error) {
	return r.registry.registerTask(id, name)
}

// RegisterVariant attaches an implementation to a registered task.
// Variant id zero generates a fresh one.
func (r *Runtime) RegisterVariant(tid strata.TaskID, vid strata.VariantID, proc strata.ProcKind, props VariantProperties, body TaskBody) (strata.VariantID, error) {
	return r.registry.registerVariant(tid, vid, proc, props, body)
}

// RegisterProjection registers a projection functor.
func (r *Runtime) RegisterProjection(id strata.ProjectionID, fn strata.ProjectionFunctor) (strata.ProjectionID, error) {
	return r.registry.registerProjection(id, fn)
}

// RegisterSharding registers a sharding functor.
func (r *Runtime) RegisterSharding(id strata.ShardingID, fn strata.ShardingFunctor) (strata.ShardingID, error) {
	return r.registry.registerSharding(id, fn)
}

// RegisterReduction registers a reduction operator.
func (r *Runtime) RegisterReduction(id strata.ReductionOpID, op strata.ReductionOp) (strata.ReductionOpID, error) {
	return r.registry.registerReduction(id, op)
}

// RegisterSerdez registers a field serializer.
func (r *Runtime) RegisterSerdez(id strata.CustomSerdezID, op strata.SerdezOp) (strata.CustomSerdezID, error) {
	return r.registry.registerSerdez(id, op)
}

// RegisterMapper installs a mapper under the given id, replacing any
// previous registration. Id zero replaces the default mapper.
func (r *Runtime) RegisterMapper(id strata.MapperID, m mapper.Mapper) error {
	return r.registry.registerMapper(id, m)
}

// SetTunable sets a tunable default on the default mapper.
func (r *Runtime) SetTunable(id strata.TunableID, value []byte) error {
	m := r.registry.mapper(0)
	d, ok := m.(*mapper.Default)
	if !ok {
		return errors.E("runtime.settunable", errors.NotSupported,
			errors.New("default mapper has been replaced"))
	}
	d.SetTunable(id, value)
	return nil
}

// Start launches the top-level task. It returns immediately; the
// task runs to completion in the background and its outcome is
// observed via WaitForShutdown.
func (r *Runtime) Start(ctx context.Context, id strata.TaskID, args []byte) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.E("runtime.start", errors.Invalid, errors.New("already started"))
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		launch := &op.TaskLauncher{TaskID: id, Args: args}
		var err error
		f, err := r.pipe.ExecuteTask(ctx, launch)
		if err == nil {
			err = f.GetVoid(ctx, true, "top-level task")
		}
		if err == nil {
			err = r.pipe.Drain(ctx)
		}
		r.mu.Lock()
		r.doneErr = err
		r.mu.Unlock()
		close(r.done)
	}()
	return nil
}

// WaitForShutdown blocks until the top-level task and all operations
// it spawned complete, then shuts down the substrate. It returns the
// application's return code; a runtime failure is returned as the
// error.
func (r *Runtime) WaitForShutdown(ctx context.Context) (int, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return 0, errors.E("runtime.shutdown", errors.Canceled, ctx.Err())
	}
	if err := r.local.Shutdown(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.returnCode, r.doneErr
}

// SetReturnCode sets the application's exit code. The last nonzero
// code set wins.
func (r *Runtime) SetReturnCode(code int) {
	if code == 0 {
		return
	}
	r.mu.Lock()
	r.returnCode = code
	r.mu.Unlock()
}

// RunTask implements pipeline.Runner: it resolves the task's variant
// and invokes the registered body with a fresh Context.
func (r *Runtime) RunTask(ctx context.Context, call *pipeline.TaskCall) ([]byte, error) {
	t, v, err := r.registry.variant(call.TaskID, call.Variant)
	if err != nil {
		return nil, err
	}
	tc := &Context{
		Call: call,
		rt:   r,
		leaf: v.props.Leaf,
		name: t.name,
	}
	b, err := v.body(ctx, tc)
	if err != nil {
		return nil, errors.E("runtime.runtask", t.name, errors.Execution, err)
	}
	return b, nil
}
