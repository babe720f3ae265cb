package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	gnpde "github.com/sprmsv/graphneuralpdesolver"
	"github.com/sprmsv/graphneuralpdesolver/curriculum"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// BatchSpec describes the structure of one training batch: the curriculum
// parameters it was drawn under and the random split of the unroll steps
// into gradient-free (noise) and gradient-carrying applications. The
// trainer keys its compiled graphs on the spec string, so specs are
// interned: at most UnrollSteps+1 distinct values exist per phase.
type BatchSpec struct {
	JumpSteps   int
	DirectSteps int
	UnrollSteps int

	// NoiseSteps + GradSteps == UnrollSteps always.
	NoiseSteps int
	GradSteps  int

	// NumLeadTimes is how many lead times are folded into the batch
	// axis of each sample.
	NumLeadTimes int

	// UseSpecs marks batches carrying per-sample equation parameters
	// as a second input tensor.
	UseSpecs bool
}

func (s *BatchSpec) String() string {
	return fmt.Sprintf("jump=%d:direct=%d:unroll=%d:noise=%d:grads=%d:leads=%d:specs=%t",
		s.JumpSteps, s.DirectSteps, s.UnrollSteps, s.NoiseSteps, s.GradSteps, s.NumLeadTimes, s.UseSpecs)
}

var (
	specInternMu sync.Mutex
	specInterned = make(map[BatchSpec]*BatchSpec)
)

// internSpec returns the canonical pointer for a BatchSpec value, so
// repeated yields of the same configuration reuse one compiled graph.
func internSpec(s BatchSpec) *BatchSpec {
	specInternMu.Lock()
	defer specInternMu.Unlock()
	if p, ok := specInterned[s]; ok {
		return p
	}
	p := &s
	specInterned[s] = p
	return p
}

// TrainingDataset serves downsampled trajectories as training batches
// implementing train.Dataset. Each yielded batch folds every valid lead
// time of every sample into the batch axis: inputs are the states the
// push-forward jumps start from, labels the stacked direct targets.
//
// The gradient truncation split (NoiseSteps vs GradSteps) is drawn here,
// once per batch, and communicated to the model through the spec.
type TrainingDataset struct {
	name      string
	trajs     *Trajectories
	jumpSteps int
	batchSize int

	directSteps int
	unrollSteps int

	rng   *rand.Rand
	order []int
	next  int
}

// NewTraining wraps downsampled trajectories for training. jumpSteps is
// the downsampling factor the trajectories were produced with, recorded
// so stats lookups use raw step multipliers. batchSize must divide the
// sample count: uniform batches keep the per-epoch loss an exact mean.
func NewTraining(name string, trajs *Trajectories, jumpSteps, batchSize int) (*TrainingDataset, error) {
	if jumpSteps < 1 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration, "jumpSteps=%d, must be >= 1", jumpSteps)
	}
	if batchSize < 1 || trajs.NumSamples%batchSize != 0 {
		return nil, errors.WithMessagef(gnpde.ErrConfiguration,
			"batch size %d does not divide %d samples", batchSize, trajs.NumSamples)
	}
	ds := &TrainingDataset{
		name:        name,
		trajs:       trajs,
		jumpSteps:   jumpSteps,
		batchSize:   batchSize,
		directSteps: 1,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		order:       make([]int, trajs.NumSamples),
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	if err := ds.SetPhase(curriculum.Phase{DirectSteps: 1}); err != nil {
		return nil, err
	}
	return ds, nil
}

// WithRand sets the random number generator used for shuffling and for
// the noise/grads split, for reproducibility.
func (ds *TrainingDataset) WithRand(rng *rand.Rand) *TrainingDataset {
	ds.rng = rng
	return ds
}

// SetPhase switches the dataset to a new curriculum phase, rejecting
// horizon parameters the trajectories are too short for.
func (ds *TrainingDataset) SetPhase(phase curriculum.Phase) error {
	numLeads := curriculum.NumLeadTimes(ds.trajs.LenTraj, phase.DirectSteps, phase.UnrollSteps)
	if phase.DirectSteps < 1 || phase.UnrollSteps < 0 || numLeads < 1 {
		return errors.WithMessagef(gnpde.ErrConfiguration,
			"phase direct=%d, unroll=%d leaves no lead times in length-%d trajectories",
			phase.DirectSteps, phase.UnrollSteps, ds.trajs.LenTraj)
	}
	ds.directSteps = phase.DirectSteps
	ds.unrollSteps = phase.UnrollSteps
	return nil
}

// NumBatches returns the number of batches per epoch.
func (ds *TrainingDataset) NumBatches() int { return ds.trajs.NumSamples / ds.batchSize }

// NumLeadTimes returns how many lead times each sample contributes under
// the current phase.
func (ds *TrainingDataset) NumLeadTimes() int {
	return curriculum.NumLeadTimes(ds.trajs.LenTraj, ds.directSteps, ds.unrollSteps)
}

// Name implements train.Dataset.
func (ds *TrainingDataset) Name() string { return ds.name }

// Reset implements train.Dataset: reshuffles the sample order and
// restarts the epoch.
func (ds *TrainingDataset) Reset() {
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
	ds.next = 0
}

// Yield implements train.Dataset. The model function computes the loss
// from its inputs, so the direct targets travel as an input tensor and
// labels stay empty: inputs[0] are the unroll start states shaped
// [batchSize*numLeadTimes, 1, grid, vars], inputs[1] the direct targets
// shaped [batchSize*numLeadTimes, directSteps, grid, vars], and
// inputs[2] the repeated equation parameters when attached.
func (ds *TrainingDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next+ds.batchSize > ds.trajs.NumSamples {
		return nil, nil, nil, io.EOF
	}
	samples := ds.order[ds.next : ds.next+ds.batchSize]
	ds.next += ds.batchSize

	noise := ds.rng.Intn(ds.unrollSteps + 1)
	bs := internSpec(BatchSpec{
		JumpSteps:    ds.jumpSteps,
		DirectSteps:  ds.directSteps,
		UnrollSteps:  ds.unrollSteps,
		NoiseSteps:   noise,
		GradSteps:    ds.unrollSteps - noise,
		NumLeadTimes: ds.NumLeadTimes(),
		UseSpecs:     ds.trajs.HasSpecs(),
	})

	tr := ds.trajs
	numLeads := bs.NumLeadTimes
	fs := tr.frameSize()
	rows := ds.batchSize * numLeads
	offset := ds.unrollSteps * ds.directSteps

	uInp := make([]float32, rows*fs)
	uTgt := make([]float32, rows*ds.directSteps*fs)
	pos, tgtPos := 0, 0
	for _, sample := range samples {
		// The unroll start states are the first numLeads frames; the
		// push-forward jumps advance them to the lead times.
		for i0 := 0; i0 < numLeads; i0++ {
			pos += copy(uInp[pos:], tr.Frame(sample, i0))
			for k := 1; k <= ds.directSteps; k++ {
				tgtPos += copy(uTgt[tgtPos:], tr.Frame(sample, i0+offset+k))
			}
		}
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(uInp, rows, 1, tr.NumGridPoints, tr.NumVars),
		tensors.FromFlatDataAndDimensions(uTgt, rows, ds.directSteps, tr.NumGridPoints, tr.NumVars),
	}
	if bs.UseSpecs {
		sp := make([]float32, rows*tr.NumSpecs)
		pos = 0
		for _, sample := range samples {
			for i0 := 0; i0 < numLeads; i0++ {
				pos += copy(sp[pos:], tr.SampleSpecs(sample))
			}
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(sp, rows, tr.NumSpecs))
	}
	return bs, inputs, nil, nil
}

var _ train.Dataset = (*TrainingDataset)(nil)
