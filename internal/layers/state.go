package layers

import (
	"sort"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// StateDict exports named parameters as raw tensors.
func StateDict[B tensor.Backend](named map[string]*nn.Parameter[B]) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor, len(named))
	for name, p := range named {
		out[name] = p.Tensor().Raw()
	}
	return out
}

// LoadStateDict copies raw tensors into named parameters.
//
// Every named parameter must be present with a matching shape and float32 dtype.
// Extra entries in stateDict are ignored.
func LoadStateDict[B tensor.Backend](named map[string]*nn.Parameter[B], stateDict map[string]*tensor.RawTensor) error {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := named[name]
		raw, ok := stateDict[name]
		if !ok {
			return errors.Errorf("missing %s in state dict", name)
		}
		if err := checkRaw(name, raw, p.Tensor().Shape()); err != nil {
			return err
		}
		copy(p.Tensor().Data(), raw.AsFloat32())
	}
	return nil
}

func checkRaw(name string, raw *tensor.RawTensor, want tensor.Shape) error {
	if !raw.Shape().Equal(want) {
		return errors.Errorf("%s shape mismatch: expected %v, got %v", name, want, raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return errors.Errorf("%s dtype mismatch: expected float32, got %v", name, raw.DType())
	}
	return nil
}

// WithPrefix returns a copy of stateDict with every key prefixed, e.g. "stem." + "weight".
func WithPrefix(prefix string, stateDict map[string]*tensor.RawTensor) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor, len(stateDict))
	for k, v := range stateDict {
		out[prefix+k] = v
	}
	return out
}

// StripPrefix returns the entries whose key starts with prefix, with the prefix removed.
func StripPrefix(prefix string, stateDict map[string]*tensor.RawTensor) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	for k, v := range stateDict {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	return out
}

// Merge copies all entries of src into dst and returns dst.
func Merge(dst, src map[string]*tensor.RawTensor) map[string]*tensor.RawTensor {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CountParameters returns the total number of scalar weights.
func CountParameters[B tensor.Backend](params []*nn.Parameter[B]) int {
	total := 0
	for _, p := range params {
		total += p.Tensor().Shape().NumElements()
	}
	return total
}
