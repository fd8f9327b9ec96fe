package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"inferbridge/tensor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TensorSpec binds a logical tensor key to a tensor of the graph.
type TensorSpec struct {
	Name  string       `json:"name"`
	DType tensor.DType `json:"dtype"`
	Shape tensor.Shape `json:"shape"`
}

// Signature is the manifest of a model: its inputs and outputs by logical
// key, e.g.
//
//	{
//	  "inputs":  {"image":  {"name": "serving_default_input_1:0", "dtype": "float32", "shape": [1, 224, 224, 3]}},
//	  "outputs": {"scores": {"name": "StatefulPartitionedCall:0", "dtype": "float32", "shape": [1, 1000]}}
//	}
type Signature struct {
	Inputs  map[string]TensorSpec `json:"inputs"`
	Outputs map[string]TensorSpec `json:"outputs"`
}

const SignatureFile = "signature.json"

// SignaturePath returns where the manifest of the model at path is expected:
// signature.json inside a model directory, <name>.signature.json beside a
// model file.
func SignaturePath(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, SignatureFile)
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".signature.json"
}

func LoadSignature(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewLoadError(NotFound, path, errors.New("signature manifest missing"))
		}
		return nil, NewLoadError(NotFound, path, err)
	}
	return ParseSignature(data)
}

func ParseSignature(data []byte) (*Signature, error) {
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, NewLoadError(CorruptGraph, "", fmt.Errorf("cannot parse signature: %w", err))
	}
	if err := sig.Validate(); err != nil {
		return nil, NewLoadError(SignatureMismatch, "", err)
	}
	return &sig, nil
}

func (s *Signature) Validate() error {
	if len(s.Inputs) == 0 {
		return errors.New("signature declares no inputs")
	}
	if len(s.Outputs) == 0 {
		return errors.New("signature declares no outputs")
	}
	check := func(kind string, specs map[string]TensorSpec) error {
		for key, spec := range specs {
			if spec.Name == "" {
				return fmt.Errorf("%s %q has no tensor name", kind, key)
			}
			if spec.DType.Size() == 0 {
				return fmt.Errorf("%s %q has no dtype", kind, key)
			}
			if len(spec.Shape) == 0 {
				return fmt.Errorf("%s %q has no shape", kind, key)
			}
			for _, d := range spec.Shape {
				if d == 0 || d < -1 {
					return fmt.Errorf("%s %q has invalid shape %s", kind, key, spec.Shape)
				}
			}
		}
		return nil
	}
	if err := check("input", s.Inputs); err != nil {
		return err
	}
	return check("output", s.Outputs)
}

func (s *Signature) InputKeys() []string {
	return sortedKeys(s.Inputs)
}

func (s *Signature) OutputKeys() []string {
	return sortedKeys(s.Outputs)
}

func sortedKeys(specs map[string]TensorSpec) []string {
	keys := make([]string, 0, len(specs))
	for key := range specs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ResolveVersion picks the numbered subdirectory of root holding the wanted
// model version. A version below 1 selects the highest one. Roots without
// numbered subdirectories are unversioned and returned as is when no
// specific version is asked for.
func ResolveVersion(root string, version int) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", NewLoadError(NotFound, root, err)
	}
	if !info.IsDir() {
		if version > 0 {
			return "", NewLoadError(NotFound, root, fmt.Errorf("version %d requested for a model file", version))
		}
		return root, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", NewLoadError(NotFound, root, err)
	}
	latest := -1
	for _, entry := range entries {
		var n int
		if !entry.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(entry.Name(), "%d", &n); err != nil || fmt.Sprint(n) != entry.Name() {
			continue
		}
		if version > 0 && n == version {
			return filepath.Join(root, entry.Name()), nil
		}
		if n > latest {
			latest = n
		}
	}
	if version > 0 {
		return "", NewLoadError(NotFound, root, fmt.Errorf("version %d not found", version))
	}
	if latest < 0 {
		return root, nil
	}
	return filepath.Join(root, fmt.Sprint(latest)), nil
}
