// Package train implements the online training scheduler for the ensemble
// selector: it partitions the archive's initialization times into a
// validation set and fixed-size training chunks, then streams the chunks
// through the model while prefetching the next chunk in the background.
package train

import (
	"fmt"
	"math/rand"
	"sort"
)

// ValStrategy selects how the validation set is carved out of the available
// initialization times.
type ValStrategy string

const (
	// ValFirst takes the first valSize indices.
	ValFirst ValStrategy = "first"
	// ValLast takes the last valSize indices.
	ValLast ValStrategy = "last"
	// ValRandom draws valSize indices uniformly without replacement.
	ValRandom ValStrategy = "random"
)

// ConfigError reports an invalid configuration value, such as an unknown
// validation strategy or a non-positive chunk size.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return "train: " + e.msg }

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// SplitValidation partitions [0, numDates) into a training set and a
// validation set of exactly valSize indices. Both sets are ascending, they
// are disjoint, and their union is the full range. For ValRandom the draw is
// uniform without replacement from the provided source; passing nil rng uses
// the global source.
func SplitValidation(numDates int, strategy ValStrategy, valSize int, rng *rand.Rand) (trainSet, valSet []int, err error) {
	if numDates < 0 {
		return nil, nil, configErrorf("numDates must be >= 0, got %d", numDates)
	}
	if valSize < 0 || valSize > numDates {
		return nil, nil, configErrorf("valSize must be in [0, %d], got %d", numDates, valSize)
	}

	switch strategy {
	case ValFirst:
		valSet = indexRange(0, valSize)
		trainSet = indexRange(valSize, numDates)
	case ValLast:
		valSet = indexRange(numDates-valSize, numDates)
		trainSet = indexRange(0, numDates-valSize)
	case ValRandom:
		perm := make([]int, numDates)
		for i := range perm {
			perm[i] = i
		}
		if rng != nil {
			rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		} else {
			rand.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		}
		valSet = append([]int(nil), perm[:valSize]...)
		sort.Ints(valSet)
		inVal := make(map[int]bool, valSize)
		for _, i := range valSet {
			inVal[i] = true
		}
		trainSet = make([]int, 0, numDates-valSize)
		for i := 0; i < numDates; i++ {
			if !inVal[i] {
				trainSet = append(trainSet, i)
			}
		}
	default:
		return nil, nil, configErrorf("val strategy must be 'first', 'last', or 'random', got %q", strategy)
	}
	return trainSet, valSet, nil
}

// Partition splits the training set into contiguous chunks of chunkSize
// indices, preserving order. The last chunk may be shorter. Concatenating
// the chunks reproduces the training set exactly.
func Partition(trainSet []int, chunkSize int) ([][]int, error) {
	if chunkSize < 1 {
		return nil, configErrorf("chunkSize must be >= 1, got %d", chunkSize)
	}
	var chunks [][]int
	for index := 0; index < len(trainSet); index += chunkSize {
		end := index + chunkSize
		if end > len(trainSet) {
			end = len(trainSet)
		}
		chunks = append(chunks, trainSet[index:end])
	}
	return chunks, nil
}

func indexRange(start, end int) []int {
	if end <= start {
		return []int{}
	}
	out := make([]int, end-start)
	for i := range out {
		out[i] = start + i
	}
	return out
}
