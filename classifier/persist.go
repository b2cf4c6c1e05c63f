package classifier

import (
	"encoding/gob"
	"fmt"
	"os"

	torch "github.com/wangkuiyi/gotorch"
)

// stater is satisfied by any gotorch module.
type stater interface {
	StateDict() map[string]torch.Tensor
	SetStateDict(states map[string]torch.Tensor) error
}

// Save writes a module's state dict to path as a gob record.
func Save(m stater, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("classifier: cannot create %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(m.StateDict()); err != nil {
		return fmt.Errorf("classifier: encoding %s: %w", path, err)
	}
	return nil
}

// Load restores pretrained parameters written by Save. A key mismatch
// between the record and the module means the architectures differ, which is
// a loading error; nothing is restored partially.
func Load(m stater, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("classifier: cannot open %s: %w", path, err)
	}
	defer f.Close()

	states := make(map[string]torch.Tensor)
	if err := gob.NewDecoder(f).Decode(&states); err != nil {
		return fmt.Errorf("classifier: decoding %s: %w", path, err)
	}

	want := m.StateDict()
	if len(states) != len(want) {
		return fmt.Errorf("classifier: %s holds %d tensors, model expects %d", path, len(states), len(want))
	}
	for k := range want {
		if _, ok := states[k]; !ok {
			return fmt.Errorf("classifier: %s is missing parameter %q", path, k)
		}
	}

	if err := m.SetStateDict(states); err != nil {
		return fmt.Errorf("classifier: restoring %s: %w", path, err)
	}
	return nil
}
