package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/faramesh/faramesh-core/pkg/canonicalize"
)

// Load parses a policy document from source text and computes its
// version as the SHA-256 hex digest of the raw source bytes (the text is
// not canonicalized first). Rules are validated
// (exactly one effect each) eagerly so a malformed document is rejected
// at load time rather than at first evaluation.
func Load(sourceText []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(sourceText, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse failed: %w", err)
	}

	for i, r := range doc.Rules {
		if _, err := r.Effect(); err != nil {
			return nil, fmt.Errorf("policy: rule %d: %w", i, err)
		}
	}

	version := canonicalize.HashBytes(sourceText)

	return &Policy{
		rules:     doc.Rules,
		riskRules: doc.Risk.Rules,
		version:   version,
		source:    string(sourceText),
	}, nil
}

// LoadFile reads and loads a policy document from disk.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Load(data)
}
