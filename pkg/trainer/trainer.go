// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the training of the photorealistic style transfer model.
//
// Each step fetches a batch of content images and a batch of style images, encodes both with the
// frozen encoder, applies the trainable transform at the configured layer, decodes the result with
// the frozen decoder, and computes the loss: the style and content losses on the frozen loss
// network features, plus the matting loss of the result against the Laplacian of the content
// images. Only the transform variables are updated, by Adam, with an inverse decay learning rate.
package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/photostyle/pkg/data"
	"github.com/gomlx/photostyle/pkg/laplacian"
	"github.com/gomlx/photostyle/pkg/matting"
	"github.com/gomlx/photostyle/pkg/nets"
	"github.com/gomlx/photostyle/pkg/schedule"
	"github.com/gomlx/photostyle/pkg/transform"
	"github.com/gomlx/photostyle/pkg/weights"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

var (
	// ErrSkipped is returned (wrapped) by Trainer.Step when a batch failed to load with a
	// transient error: nothing was changed, and the next Step can be attempted.
	ErrSkipped = errors.New("training iteration skipped")

	// ErrNonFinite is returned (wrapped) by Trainer.Step when the loss or its gradient is NaN or
	// infinite. The parameters are not updated, but the same data will likely fail again.
	ErrNonFinite = errors.New("training loss is not finite")
)

// State of the training loop. A step goes through StateFetch, StateForward (the losses and the
// gradients are computed), StateLoss and StateBackward (the loss and the gradient norm are checked)
// and StateOptimize (the transform variables are updated).
type State int

const (
	StateIdle State = iota
	StateFetch
	StateForward
	StateLoss
	StateBackward
	StateOptimize
	StateCheckpoint
	StateSnapshot
	StateDone
)

var stateNames = []string{"idle", "fetch", "forward", "loss", "backward", "optimize", "checkpoint", "snapshot", "done"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Result of one training step (or of an evaluation).
type Result struct {
	// Step is the number of completed training steps, including this one.
	Step int64

	// Loss is the total loss: Criterion + MattingWeight·Matting.
	Loss float64

	// Criterion is the weighted sum of Style and Content.
	Criterion, Style, Content float64

	// Matting loss of the transfer, unweighted.
	Matting float64

	// GradientNorm is the L2 norm of the gradient of Loss with respect to the transform variables.
	// It's only set by training steps.
	GradientNorm float64

	// LearningRate the next step will use.
	LearningRate float64

	// ContentImages, StyleImages and Transfer are shaped [B, H, W, 3].
	ContentImages, StyleImages, Transfer *tensors.Tensor

	// ContentNames and StyleNames of the images of the batch, if known.
	ContentNames, StyleNames []string
}

// Trainer holds the model, the optimizer and the data sources of a training run.
//
// It's not safe for concurrent use: Step, Evaluate and the checkpoint methods must be called from
// the same goroutine.
type Trainer struct {
	cfg     Config
	paths   Paths
	runID   string
	backend backends.Backend
	ctx     *mlctx.Context
	variant *nets.Variant

	optimizer   gradientsOptimizer
	trainedVars []*mlctx.Variable
	gradExec    *mlctx.Exec
	updateExec  *mlctx.Exec
	evalExec    *mlctx.Exec

	content, style *data.Batcher
	loader         *weights.Loader
	checkpoints    *checkpoints.Handler
	resumed        bool
	initialized    bool

	state   State
	onState []func(State)
	onStart *priorityHooks[OnStartFn]
	onStep  *priorityHooks[OnStepFn]
	onEnd   *priorityHooks[OnEndFn]

	stepDurations []time.Duration
}

// New creates a Trainer. Content and style sources should yield images shaped
// [cfg.FineSize, cfg.FineSize, 3]. They are usually infinite (see data.Cycle), but a source
// reporting data.ErrExhausted is restarted.
//
// The frozen networks are randomly initialized, unless LoadNetworks is called before the
// first step.
func New(backend backends.Backend, ctx *mlctx.Context, cfg Config, paths Paths, content, style data.Source) (*Trainer, error) {
	t := &Trainer{
		cfg:     cfg,
		paths:   paths,
		runID:   uuid.NewString(),
		backend: backend,
		ctx:     ctx,
		variant: nets.NewVariant(cfg.Arch, cfg.Transform.Layer, cfg.Mode),
		onStart: newPriorityHooks[OnStartFn](),
		onStep:  newPriorityHooks[OnStepFn](),
		onEnd:   newPriorityHooks[OnEndFn](),
	}
	var err error
	if t.content, err = data.NewBatcher(content, cfg.BatchSize); err != nil {
		return nil, err
	}
	if t.style, err = data.NewBatcher(style, cfg.BatchSize); err != nil {
		return nil, err
	}
	optimizer := optimizers.Adam().LearningRate(cfg.LearningRate).Done()
	var ok bool
	if t.optimizer, ok = optimizer.(gradientsOptimizer); !ok {
		return nil, errors.Errorf("optimizer %T can't apply precomputed gradients", optimizer)
	}
	if t.gradExec, err = mlctx.NewExec(backend, ctx, t.gradientGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create gradients executor")
	}
	if t.updateExec, err = mlctx.NewExec(backend, ctx, t.updateGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create update executor")
	}
	if t.evalExec, err = mlctx.NewExec(backend, ctx, t.evalGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation executor")
	}
	klog.V(1).Infof("trainer for variant %s, run %s", t.variant, t.runID)
	return t, nil
}

// Config returns the training configuration.
func (t *Trainer) Config() Config { return t.cfg }

// Context returns the model context.
func (t *Trainer) Context() *mlctx.Context { return t.ctx }

// RunID identifies this training run in the logs.
func (t *Trainer) RunID() string { return t.runID }

// State returns the current state.
func (t *Trainer) State() State { return t.state }

func (t *Trainer) setState(s State) {
	t.state = s
	for _, fn := range t.onState {
		fn(s)
	}
}

// Steps returns the number of training steps completed, including those of a checkpoint the
// training was continued from.
func (t *Trainer) Steps() int64 {
	return optimizers.GetGlobalStep(t.ctx)
}

// LearningRate returns the learning rate the next step will use.
func (t *Trainer) LearningRate() float64 {
	return schedule.LearningRate(t.cfg.LearningRate, t.cfg.LearningRateDecay, schedule.Steps(t.ctx))
}

// MedianStepDuration returns the median duration of the training steps run so far, or 1
// millisecond if no step was run.
func (t *Trainer) MedianStepDuration() time.Duration {
	if len(t.stepDurations) == 0 {
		return time.Millisecond
	}
	durations := slices.Clone(t.stepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// frozenScopes are the scopes of the pretrained networks.
var frozenScopes = []string{nets.EncoderScope, nets.LossNetScope, nets.DecoderScope}

// LoadNetworks mounts the network directories of the frozen networks: they are loaded into the
// variables when these are created. It must be called before the first step.
func (t *Trainer) LoadNetworks(paths Paths) error {
	if t.initialized {
		return errors.New("LoadNetworks must be called before the model is initialized")
	}
	if t.loader == nil {
		t.loader = weights.NewLoader()
		t.loader.Attach(t.ctx)
	}
	for ii, path := range []string{paths.Encoder, paths.LossNet, paths.Decoder} {
		if path == "" {
			return errors.Errorf("no network directory given for the %q network", frozenScopes[ii])
		}
		count, err := t.loader.MountNetwork(frozenScopes[ii], path)
		if err != nil {
			return errors.WithMessagef(err, "loading %q network", frozenScopes[ii])
		}
		klog.V(1).Infof("%q network: %d tensors from %q", frozenScopes[ii], count, path)
	}
	return nil
}

// Init creates the model variables, by building and running the evaluation graph once on blank
// images. It's called automatically by the other methods, but it can be called earlier to check
// that the networks weights fit the model.
//
// If Paths.Out is set, it opens the checkpoint directory CheckpointDir(Out, layer), and if it
// holds checkpoints the training resumes from the latest one: transform variables and step
// counters. The optimizer state always starts anew.
func (t *Trainer) Init() error {
	if t.initialized {
		return nil
	}
	if t.paths.Out != "" && t.checkpoints == nil {
		if err := t.openCheckpoints(); err != nil {
			return err
		}
	}
	blank := tensors.FromShape(shapes.Make(dtypes.Float32, t.cfg.BatchSize, t.cfg.FineSize, t.cfg.FineSize, 3))
	if _, err := t.evaluate(blank, blank); err != nil {
		return errors.WithMessage(err, "failed to initialize the model")
	}
	t.initialized = true
	if t.loader != nil {
		if err := t.loader.CheckComplete(t.ctx, frozenScopes...); err != nil {
			return err
		}
	}
	if t.resumed {
		klog.Infof("resuming from %q at step %d, learning rate %g", t.checkpoints.Dir(), t.Steps(), t.LearningRate())
	}
	return nil
}

// CheckpointDir returns the checkpoint directory of the transform for the given layer, under the
// output directory out.
func CheckpointDir(out string, layer nets.LayerID) string {
	return filepath.Join(out, layer.String())
}

// openCheckpoints attaches the checkpoint handler to the context, which loads the latest
// checkpoint of the directory, if any, as the variables are created.
func (t *Trainer) openCheckpoints() error {
	dir := CheckpointDir(t.paths.Out, t.cfg.Transform.Layer)
	// The hyperparameters of this run take precedence over those saved.
	excludeParams := maps.Keys(DefaultParams())
	t.ctx.EnumerateParams(func(_, key string, _ any) {
		excludeParams = append(excludeParams, key)
	})
	handler, err := checkpoints.Build(t.ctx).
		Dir(dir).
		Keep(t.cfg.NumCheckpoints).
		ExcludeParams(excludeParams...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "checkpoint directory %q", dir)
	}
	if t.resumed, err = handler.HasCheckpoints(); err != nil {
		return errors.WithMessagef(err, "checkpoint directory %q", dir)
	}
	t.checkpoints = handler
	return nil
}

// forward builds the model and the losses. It returns the total loss, the criterion, style,
// content and matting losses, and the transfer images.
func (t *Trainer) forward(ctx *mlctx.Context, inputs []*Node) []*Node {
	content, style := inputs[0], inputs[1]
	lapIndices, lapValues := inputs[2], inputs[3]
	if !content.Shape().Equal(style.Shape()) {
		exceptions.Panicf("content and style batches must have the same shape, got %s and %s",
			content.Shape(), style.Shape())
	}

	// Frozen encoder, trainable transform, frozen decoder.
	contentFeatures := t.variant.Encode(ctx, content)
	styleFeatures := t.variant.Encode(ctx, style)
	feature, _ := t.cfg.Transform.Apply(ctx,
		contentFeatures.At(t.cfg.Transform.Layer), styleFeatures.At(t.cfg.Transform.Layer))
	transfer := t.variant.Decode(ctx, feature, contentFeatures)

	// Losses.
	criterion := t.cfg.Criterion
	deepest := criterion.Deepest()
	transferLoss := nets.LossNetwork(ctx, t.cfg.Arch, transfer, deepest)
	styleLoss := nets.LossNetwork(ctx, t.cfg.Arch, style, deepest)
	contentLoss := nets.LossNetwork(ctx, t.cfg.Arch, content, deepest)
	loss, sLoss, cLoss := criterion.Compute(transferLoss, styleLoss, contentLoss)

	dims := content.Shape().Dimensions
	lap := matting.NewSparseMatrix(lapIndices, lapValues, dims[0]*dims[1]*dims[2])
	mLoss := matting.Loss(transfer, lap)
	total := Add(loss, MulScalar(mLoss, t.cfg.MattingWeight))
	return []*Node{total, loss, sLoss, cLoss, mLoss, transfer}
}

// gradientsOptimizer is an optimizer that can apply gradients computed in a separate graph.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *mlctx.Context, grads []*Node, lossDType dtypes.DType)
}

// gradientGraph is forward plus the gradient norm and the gradients of the total loss with respect
// to the trainable variables.
func (t *Trainer) gradientGraph(ctx *mlctx.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, true)
	outputs := t.forward(ctx, inputs)
	loss := outputs[0]

	t.trainedVars = t.trainedVars[:0]
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			t.trainedVars = append(t.trainedVars, v)
		}
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	sumSquares := ScalarZero(g, loss.DType())
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	outputs = append(outputs, Sqrt(sumSquares))
	return append(outputs, grads...)
}

// updateGraph applies the learning rate schedule and the optimizer update with the gradients
// computed by gradientGraph. It returns the new global step.
func (t *Trainer) updateGraph(ctx *mlctx.Context, grads []*Node) *Node {
	g := grads[0].Graph()
	ctx.SetTraining(g, true)
	// The optimizer matches the gradients to the trainable variables used by the graph.
	for _, v := range t.trainedVars {
		_ = v.ValueGraph(g)
	}
	schedule.New(ctx, g, dtypes.Float32).
		LearningRate(t.cfg.LearningRate).
		Decay(t.cfg.LearningRateDecay).
		Done()
	t.optimizer.UpdateGraphWithGradients(ctx, grads, dtypes.Float32)
	return optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
}

func (t *Trainer) evalGraph(ctx *mlctx.Context, inputs []*Node) []*Node {
	ctx.SetTraining(inputs[0].Graph(), false)
	return t.forward(ctx, inputs)
}

// laplacianOf builds the block-diagonal matting Laplacian of the content batch.
func (t *Trainer) laplacianOf(content *tensors.Tensor) (indices, values *tensors.Tensor, err error) {
	lap, err := laplacian.BuildBatch(content, t.cfg.Matting)
	if err != nil {
		return nil, nil, err
	}
	return matting.Parameters(lap, dtypes.Float32)
}

// run executes exec, converting panics during graph building to errors.
func run(exec *mlctx.Exec, args ...any) (outputs []*tensors.Tensor, err error) {
	var execErr error
	err = exceptions.TryCatch[error](func() {
		outputs, execErr = exec.Exec(args...)
	})
	if err == nil {
		err = execErr
	}
	return outputs, err
}

// execute runs exec on the batches and converts its first outputs to a Result. The outputs after
// the transfer images are returned as extra.
func (t *Trainer) execute(exec *mlctx.Exec, content, style *tensors.Tensor) (result Result, extra []*tensors.Tensor, err error) {
	indices, values, err := t.laplacianOf(content)
	if err != nil {
		return result, nil, errors.WithMessage(err, "failed to build the matting Laplacian of the content images")
	}
	outputs, err := run(exec, content, style, indices, values)
	if err != nil {
		return result, nil, err
	}
	scalars := make([]float64, 5)
	for ii := range scalars {
		scalars[ii] = float64(tensors.ToScalar[float32](outputs[ii]))
	}
	result = Result{
		Loss:          scalars[0],
		Criterion:     scalars[1],
		Style:         scalars[2],
		Content:       scalars[3],
		Matting:       scalars[4],
		ContentImages: content,
		StyleImages:   style,
		Transfer:      outputs[5],
	}
	return result, outputs[6:], nil
}

func (t *Trainer) evaluate(content, style *tensors.Tensor) (Result, error) {
	result, _, err := t.execute(t.evalExec, content, style)
	if err != nil {
		return result, err
	}
	result.Step = t.Steps()
	result.LearningRate = t.LearningRate()
	return result, nil
}

// Evaluate runs the model on the given batches, [B, H, W, 3] float32 images in [0, 1], without
// training. The batch size and image size must match the configuration.
func (t *Trainer) Evaluate(content, style *tensors.Tensor) (Result, error) {
	if err := t.Init(); err != nil {
		return Result{}, err
	}
	return t.evaluate(content, style)
}

// fetch the next batch of b, restarting its source once if it's exhausted.
func fetch(b *data.Batcher) (data.Batch, error) {
	batch, err := b.Next()
	if errors.Is(err, data.ErrExhausted) {
		klog.V(1).Infof("data source %q exhausted, restarting", b.Source.Name())
		if err = b.Source.Reset(); err != nil {
			return batch, errors.WithMessagef(err, "failed to restart data source %q", b.Source.Name())
		}
		batch, err = b.Next()
	}
	if err != nil {
		if data.IsTransient(err) {
			return batch, errors.WithMessagef(ErrSkipped, "reading %q: %v", b.Source.Name(), err)
		}
		return batch, errors.WithMessagef(err, "reading %q", b.Source.Name())
	}
	return batch, nil
}

// iteration holds the state of one step.
type iteration struct {
	content, style data.Batch
	start          time.Time
}

// Step runs one training iteration.
//
// If a batch fails to load with a transient error, it returns an error wrapping ErrSkipped, and
// nothing else happens. If the loss or its gradient is not finite, the result is returned along
// with an error wrapping ErrNonFinite, and the parameters are left unchanged. Other errors are
// fatal.
func (t *Trainer) Step(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := t.Init(); err != nil {
		return Result{}, err
	}
	it := iteration{start: time.Now()}
	t.setState(StateFetch)
	var err error
	if it.content, err = fetch(t.content); err != nil {
		return Result{}, err
	}
	if it.style, err = fetch(t.style); err != nil {
		return Result{}, err
	}

	t.setState(StateForward)
	result, extra, err := t.execute(t.gradExec, it.content.Images, it.style.Images)
	if err != nil {
		return result, errors.WithMessagef(err, "training step %d", t.Steps()+1)
	}
	result.Step = t.Steps()
	result.LearningRate = t.LearningRate()
	result.ContentNames = it.content.Names
	result.StyleNames = it.style.Names

	t.setState(StateLoss)
	if !isFinite(result.Loss) {
		err = errors.WithMessagef(ErrNonFinite, "step %d: loss=%g (criterion=%g, matting=%g)",
			result.Step+1, result.Loss, result.Criterion, result.Matting)
		klog.Errorf("%v", err)
		return result, err
	}

	t.setState(StateBackward)
	result.GradientNorm = float64(tensors.ToScalar[float32](extra[0]))
	if !isFinite(result.GradientNorm) {
		err = errors.WithMessagef(ErrNonFinite, "step %d: gradient norm=%g", result.Step+1, result.GradientNorm)
		klog.Errorf("%v", err)
		return result, err
	}

	t.setState(StateOptimize)
	grads := make([]any, len(extra)-1)
	for ii, grad := range extra[1:] {
		grads[ii] = grad
	}
	if _, err = run(t.updateExec, grads...); err != nil {
		return result, errors.WithMessagef(err, "training step %d update", result.Step+1)
	}
	t.stepDurations = append(t.stepDurations, time.Since(it.start))
	result.Step = t.Steps()
	result.LearningRate = t.LearningRate()
	return result, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// SaveCheckpoint writes a checkpoint of the transform variables and the step counters to the
// checkpoint directory, keeping the latest Config.NumCheckpoints ones. It requires Paths.Out.
func (t *Trainer) SaveCheckpoint() error {
	if err := t.Init(); err != nil {
		return err
	}
	if t.checkpoints == nil {
		return errors.New("no output directory configured for the checkpoints")
	}
	t.checkpoints.ExcludeVarsFromSaving(t.notCheckpointed()...)
	if err := t.checkpoints.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", t.checkpoints.Dir())
	}
	klog.V(1).Infof("checkpoint of step %d saved to %q", t.Steps(), t.checkpoints.Dir())
	return nil
}

// notCheckpointed returns the variables left out of the checkpoints: the frozen networks, read
// from their own directories, and the optimizer state.
func (t *Trainer) notCheckpointed() []*mlctx.Variable {
	keep := sets.Make[*mlctx.Variable]()
	keep.Insert(optimizers.GetGlobalStepVar(t.ctx), schedule.StepVar(t.ctx))
	keep.Insert(transform.Variables(t.ctx)...)
	var excluded []*mlctx.Variable
	for v := range t.ctx.IterVariables() {
		if !keep.Has(v) {
			excluded = append(excluded, v)
		}
	}
	return excluded
}

// LoadCheckpoint sets the transform variables from the latest checkpoint in dir, the checkpoint
// directory of another run with the same transform layer and configuration. The step counters
// start from 0.
//
// It's ignored, with a warning, if the training is resuming from its own checkpoint directory.
func (t *Trainer) LoadCheckpoint(dir string) error {
	if err := t.Init(); err != nil {
		return err
	}
	if t.resumed {
		klog.Warningf("ignoring checkpoint %q: resuming from %q", dir, t.checkpoints.Dir())
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "checkpoint directory %q", dir)
	}
	tmp := mlctx.New()
	if _, err := checkpoints.Load(tmp).Dir(dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint %q", dir)
	}
	if layer, found := tmp.GetParam(transform.ParamLayer); found && fmt.Sprint(layer) != t.cfg.Transform.Layer.String() {
		return errors.Errorf("checkpoint %q was trained for layer %v, but the transform layer is %s",
			dir, layer, t.cfg.Transform.Layer)
	}
	params, err := weights.FromContext(tmp, transform.Scope)
	if err != nil {
		return err
	}
	if err := weights.Restore(t.ctx, transform.Scope, params); err != nil {
		return errors.WithMessagef(err, "restoring checkpoint %q", dir)
	}
	klog.Infof("continuing from checkpoint %q (trained for %d steps)", dir, optimizers.GetGlobalStep(tmp))
	return nil
}
