// Package journal persists settlement instructions as JSON files for audit
// and reconciliation.
//
// Each instruction is stored as a separate file: settle_<matchID>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The matcher calls
// Record for every instruction it emits; ops tooling reads the directory
// back with Load and LoadRecent.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"attnmarket-engine/pkg/types"
)

const (
	filePrefix = "settle_"
	fileSuffix = ".json"
)

// Journal persists settlement instructions to JSON files in a designated
// directory. All operations are mutex-protected to prevent concurrent file
// corruption.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// Open creates a journal backed by the given directory.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (j *Journal) Close() error {
	return nil
}

// Record atomically persists one settlement instruction. It writes to a
// .tmp file first, then renames over the target so the file is never left
// in a partial state. Re-recording the same match replaces the file.
func (j *Journal) Record(inst types.SettlementInstruction) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	path := filepath.Join(j.dir, filePrefix+inst.MatchID+fileSuffix)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settlement: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores the instruction for a match from disk.
// Returns nil, nil if no record exists.
func (j *Journal) Load(matchID string) (*types.SettlementInstruction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := filepath.Join(j.dir, filePrefix+matchID+fileSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read settlement: %w", err)
	}

	var inst types.SettlementInstruction
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal settlement: %w", err)
	}
	return &inst, nil
}

// LoadRecent returns up to n instructions ordered newest first by nonce.
// Unreadable entries are skipped; Load surfaces them individually.
func (j *Journal) LoadRecent(n int) ([]types.SettlementInstruction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read journal dir: %w", err)
	}

	var out []types.SettlementInstruction
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			continue
		}
		var inst types.SettlementInstruction
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Nonce != out[b].Nonce {
			return out[a].Nonce > out[b].Nonce
		}
		return out[a].MatchID < out[b].MatchID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}
