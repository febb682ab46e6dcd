package attribution

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/taintlabs/taintd/graph/models"
)

const (
	// DefaultMinMixInputs is the input address count at which a
	// transaction becomes a mix candidate.
	DefaultMinMixInputs = 3

	// DefaultMinUniformOutputs is the number of equal valued outputs
	// at which a mix candidate is treated as a CoinJoin.
	DefaultMinUniformOutputs = 3
)

// ExclusionConfig describes which transactions are withheld from the
// common input ownership heuristic. Mixing transactions deliberately
// combine inputs of unrelated parties, so clustering across them would
// glue strangers into a single entity.
type ExclusionConfig struct {
	// MinInputs is the minimum number of distinct input addresses
	// for a transaction to be considered a mix candidate. Zero
	// disables the structural test.
	MinInputs int

	// MinUniformOutputs is the number of outputs carrying the exact
	// same value at which a mix candidate is excluded. Zero disables
	// the structural test.
	MinUniformOutputs int

	// Denylist holds addresses of known mixing services. Any
	// transaction spending from or paying to one of them is
	// excluded regardless of its shape.
	Denylist []models.AddrID
}

// DefaultExclusionConfig returns the exclusion thresholds used when the
// operator does not override them.
func DefaultExclusionConfig() ExclusionConfig {
	return ExclusionConfig{
		MinInputs:         DefaultMinMixInputs,
		MinUniformOutputs: DefaultMinUniformOutputs,
	}
}

// Validate checks that the thresholds describe a usable predicate.
func (c *ExclusionConfig) Validate() error {
	if c.MinInputs < 0 || c.MinUniformOutputs < 0 {
		return fmt.Errorf("exclusion thresholds must not be "+
			"negative, got inputs=%v outputs=%v", c.MinInputs,
			c.MinUniformOutputs)
	}

	// A single input or a single repeated value matches almost every
	// transaction, which would turn clustering off entirely.
	if c.MinInputs == 1 || c.MinUniformOutputs == 1 {
		return fmt.Errorf("exclusion thresholds below 2 exclude "+
			"everything, got inputs=%v outputs=%v", c.MinInputs,
			c.MinUniformOutputs)
	}

	return nil
}

// exclusionFilter is the compiled runtime form of an ExclusionConfig.
type exclusionFilter struct {
	cfg ExclusionConfig

	denied map[models.AddrID]struct{}
}

func newExclusionFilter(cfg ExclusionConfig) *exclusionFilter {
	denied := make(map[models.AddrID]struct{}, len(cfg.Denylist))
	for _, addr := range cfg.Denylist {
		denied[addr] = struct{}{}
	}

	return &exclusionFilter{
		cfg:    cfg,
		denied: denied,
	}
}

// excludes reports whether a transaction must be withheld from
// clustering, along with a reason usable for tracing.
func (f *exclusionFilter) excludes(tx *models.Transaction) (bool, string) {
	if len(f.denied) > 0 {
		for _, in := range tx.Inputs {
			if _, ok := f.denied[in.Addr]; ok {
				return true, fmt.Sprintf("input %v is "+
					"denylisted", in.Addr)
			}
		}
		for _, out := range tx.Outputs {
			if _, ok := f.denied[out.Addr]; ok {
				return true, fmt.Sprintf("output %v is "+
					"denylisted", out.Addr)
			}
		}
	}

	if f.cfg.MinInputs == 0 || f.cfg.MinUniformOutputs == 0 {
		return false, ""
	}

	if len(tx.InputAddrs()) < f.cfg.MinInputs {
		return false, ""
	}

	// Count the multiplicity of each output value. CoinJoin rounds
	// produce one uniform denomination per participant.
	counts := make(map[btcutil.Amount]int, len(tx.Outputs))
	for _, out := range tx.Outputs {
		counts[out.Value]++
		if counts[out.Value] >= f.cfg.MinUniformOutputs {
			return true, fmt.Sprintf("%v outputs of %v look "+
				"like a mix round", counts[out.Value],
				out.Value)
		}
	}

	return false, ""
}
