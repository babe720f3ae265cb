package training

import (
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/autoregressive"
	"github.com/sprmsv/graphneuralpdesolver/curriculum"
	"github.com/sprmsv/graphneuralpdesolver/dataset"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Config wires a curriculum run: the operator and its normalizer, the
// schedule, the training dataset and optionally held-out trajectories,
// a checkpoint handler and a sink for per-epoch metrics.
type Config struct {
	Backend backends.Backend
	Context *context.Context

	Operator   autoregressive.Operator
	Normalizer *autoregressive.Normalizer
	Schedule   curriculum.Schedule

	Train *dataset.TrainingDataset

	// JumpSteps is the downsampling factor of the trajectories, the
	// base step multiplier of every operator application.
	JumpSteps int

	// Valid enables per-epoch evaluation when set. TrainEval
	// additionally evaluates the training trajectories with the same
	// metrics, to expose the generalization gap.
	Valid         *dataset.Trajectories
	TrainEval     *dataset.Trajectories
	EvalBatchSize int

	// Checkpoint, when set, is saved after every epoch.
	Checkpoint *checkpoints.Handler

	// MetricsWriter, when set, receives one JSON line per epoch.
	MetricsWriter io.Writer
}

// EpochMetrics is the per-epoch record of a run.
type EpochMetrics struct {
	Epoch       int     `json:"epoch"`
	DirectSteps int     `json:"direct_steps"`
	UnrollSteps int     `json:"unroll_steps"`
	TrainLoss   float64 `json:"train_loss"`

	Eval      *EvalResult `json:"eval,omitempty"`
	TrainEval *EvalResult `json:"train_eval,omitempty"`
}

func (cfg *Config) validate() error {
	if cfg.Backend == nil || cfg.Context == nil || cfg.Operator == nil ||
		cfg.Normalizer == nil || cfg.Train == nil || len(cfg.Schedule) == 0 {
		return errors.WithMessage(gnpde.ErrConfiguration,
			"training requires a backend, context, operator, normalizer, dataset and schedule")
	}
	if cfg.JumpSteps < 1 {
		return errors.WithMessagef(gnpde.ErrConfiguration, "jumpSteps=%d, must be >= 1", cfg.JumpSteps)
	}
	// Every horizon of the schedule needs precomputed statistics,
	// checked before any graph is compiled.
	maxDirect := 0
	for _, phase := range cfg.Schedule {
		if phase.DirectSteps > maxDirect {
			maxDirect = phase.DirectSteps
		}
	}
	ndts := make([]int, 0, maxDirect)
	for k := 1; k <= maxDirect; k++ {
		ndts = append(ndts, k*cfg.JumpSteps)
	}
	return cfg.Normalizer.ValidateStepSizes(ndts...)
}

// Run executes the curriculum: one trainer per phase, a fresh optimizer
// state and scaled learning rate where the schedule asks for one, and
// per-epoch evaluation and checkpointing. It returns the metrics of
// every epoch.
func Run(cfg Config) ([]EpochMetrics, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx := cfg.Context
	modelFn := BuildModelFn(cfg.Operator, cfg.Normalizer)
	baseLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3)

	maxDirect := 1
	for _, phase := range cfg.Schedule {
		if phase.DirectSteps > maxDirect {
			maxDirect = phase.DirectSteps
		}
	}
	newEvaluator := func(trajs *dataset.Trajectories) (*Evaluator, error) {
		if trajs == nil {
			return nil, nil
		}
		batchSize := cfg.EvalBatchSize
		if batchSize == 0 {
			batchSize = trajs.NumSamples
		}
		return NewEvaluator(cfg.Backend, ctx, cfg.Operator, cfg.Normalizer,
			trajs, cfg.JumpSteps, maxDirect, batchSize)
	}
	evaluator, err := newEvaluator(cfg.Valid)
	if err != nil {
		return nil, err
	}
	trainEvaluator, err := newEvaluator(cfg.TrainEval)
	if err != nil {
		return nil, err
	}

	allMetrics := make([]EpochMetrics, 0, cfg.Schedule.TotalEpochs())
	bestRollout := math.Inf(1)
	epoch := 0
	for _, phase := range cfg.Schedule {
		if err := cfg.Train.SetPhase(phase); err != nil {
			return nil, err
		}
		optimizer := optimizers.FromContext(ctx)
		if phase.FreshOptimizer {
			if err := optimizer.Clear(ctx); err != nil {
				return nil, errors.WithMessage(err, "clearing optimizer state")
			}
		}
		lrScale := phase.LRScale
		if lrScale == 0 {
			lrScale = 1
		}
		ctx.SetParam(optimizers.ParamLearningRate, baseLR*lrScale)
		trainer := train.NewTrainer(cfg.Backend, ctx, modelFn, lossFromPredictions,
			optimizer, nil, nil)
		klog.Infof("starting %s at learning rate %g", phase, baseLR*lrScale)

		for phaseEpoch := 0; phaseEpoch < phase.Epochs; phaseEpoch++ {
			loss, err := trainEpoch(trainer, cfg.Train)
			if err != nil {
				return nil, errors.WithMessagef(err, "epoch %d", epoch)
			}
			m := EpochMetrics{
				Epoch:       epoch,
				DirectSteps: phase.DirectSteps,
				UnrollSteps: phase.UnrollSteps,
				TrainLoss:   loss,
			}
			if evaluator != nil {
				result, err := evaluator.Run()
				if err != nil {
					return nil, errors.WithMessagef(err, "evaluating epoch %d", epoch)
				}
				m.Eval = &result
				if result.RolloutL2 < bestRollout {
					bestRollout = result.RolloutL2
					klog.V(1).Infof("epoch %d: new best rollout L2 %.5f", epoch, bestRollout)
				}
				klog.Infof("epoch %d: loss=%.5f, direct L2=%.5f, rollout L2=%.5f",
					epoch, loss, result.DirectL2, result.RolloutL2)
			} else {
				klog.Infof("epoch %d: loss=%.5f", epoch, loss)
			}
			if trainEvaluator != nil {
				result, err := trainEvaluator.Run()
				if err != nil {
					return nil, errors.WithMessagef(err, "evaluating train split at epoch %d", epoch)
				}
				m.TrainEval = &result
			}
			if cfg.Checkpoint != nil {
				if err := cfg.Checkpoint.Save(); err != nil {
					return nil, errors.WithMessagef(err, "saving checkpoint at epoch %d", epoch)
				}
			}
			if cfg.MetricsWriter != nil {
				if err := json.NewEncoder(cfg.MetricsWriter).Encode(m); err != nil {
					return nil, errors.WithMessage(err, "writing metrics")
				}
			}
			allMetrics = append(allMetrics, m)
			epoch++
		}
	}
	return allMetrics, nil
}

// trainEpoch runs one pass over the dataset and returns the mean batch
// loss. Batches are uniform in size, so the mean is exact.
func trainEpoch(trainer *train.Trainer, ds *dataset.TrainingDataset) (float64, error) {
	ds.Reset()
	total, count := 0.0, 0
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		metrics, err := trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return 0, err
		}
		total += float64(metrics[0].Value().(float32))
		count++
	}
	if count == 0 {
		return 0, errors.WithMessage(gnpde.ErrConfiguration, "dataset yielded no batches")
	}
	return total / float64(count), nil
}
