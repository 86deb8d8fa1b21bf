// Package checkpoint persists training state as msgpack files named by
// their position in the run (epoch_N.ckpt or iter_N.ckpt), so the
// latest checkpoint of a work dir is recoverable from filenames alone.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/trainergo/internal/fsutil"
)

// Ext is the checkpoint file extension.
const Ext = ".ckpt"

const (
	epochPrefix = "epoch_"
	iterPrefix  = "iter_"
)

// Well-known top-level checkpoint keys.
const (
	KeyState      = "state_dict"
	KeyOptimizer  = "optimizer"
	KeySchedulers = "param_schedulers"
	KeyMeta       = "meta"
	KeyMessageHub = "message_hub"
)

// FilenameEpoch names the checkpoint saved after epoch n.
func FilenameEpoch(n int) string { return fmt.Sprintf("%s%d%s", epochPrefix, n, Ext) }

// FilenameIter names the checkpoint saved after iteration n.
func FilenameIter(n int) string { return fmt.Sprintf("%s%d%s", iterPrefix, n, Ext) }

// Save writes ckpt to path atomically: the payload lands in a temp file
// first and is renamed into place.
func Save(path string, ckpt map[string]any) error {
	data, err := msgpack.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint saved by Save.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	var ckpt map[string]any
	if err := msgpack.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return ckpt, nil
}

// Entry describes one checkpoint file found in a work dir.
type Entry struct {
	Path    string
	ByEpoch bool
	Number  int
}

// List returns the recognized checkpoints under dir, ordered by
// number ascending.
func List(dir string) ([]Entry, error) {
	files, err := fsutil.ListFilesByExtension(dir, Ext)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, path := range files {
		e, ok := parseName(path)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// FindLatest returns the checkpoint with the highest encoded number
// under dir. ok is false when dir holds none.
func FindLatest(dir string) (Entry, bool, error) {
	entries, err := List(dir)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

func parseName(path string) (Entry, bool) {
	name := strings.TrimSuffix(filepath.Base(path), Ext)
	for _, p := range []struct {
		prefix  string
		byEpoch bool
	}{{epochPrefix, true}, {iterPrefix, false}} {
		if !strings.HasPrefix(name, p.prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, p.prefix))
		if err != nil {
			return Entry{}, false
		}
		return Entry{Path: path, ByEpoch: p.byEpoch, Number: n}, true
	}
	return Entry{}, false
}
