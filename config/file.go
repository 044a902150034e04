package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore is a Store backed by a YAML file. The file's nested mappings are
// flattened into dotted-path keys on load; Commit writes the tree back out.
type FileStore struct {
	*MapStore
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads a YAML configuration file into a Store. A missing file
// yields an empty store whose first Commit creates it.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MapStore: NewMapStore(), path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	flattenInto(fs.root.data, "", tree)
	return fs, nil
}

func flattenInto(dst map[string]string, prefix string, tree map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flattenInto(dst, key, vv)
		case nil:
			dst[key] = ""
		default:
			dst[key] = fmt.Sprintf("%v", vv)
		}
	}
}

// Commit writes the current properties back to the YAML file. When sync is
// true the file is fsynced before returning.
func (fs *FileStore) Commit(sync bool) error {
	fs.root.mu.RLock()
	tree := make(map[string]any)
	keys := make([]string, 0, len(fs.root.data))
	for k := range fs.root.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		insertPath(tree, strings.Split(k, "."), fs.root.data[k])
	}
	fs.root.mu.RUnlock()

	raw, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	f, err := os.CreateTemp(dirOf(fs.path), ".config-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("syncing config: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

func insertPath(tree map[string]any, path []string, value string) {
	if len(path) == 1 {
		// A scalar never overwrites an existing subtree; the flattened key
		// space cannot express both for the same path.
		if _, ok := tree[path[0]].(map[string]any); !ok {
			tree[path[0]] = value
		}
		return
	}
	child, ok := tree[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		tree[path[0]] = child
	}
	insertPath(child, path[1:], value)
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// SubStore returns a prefixed view; commits through the view still go through
// the file-backed root.
func (fs *FileStore) SubStore(name string) Store {
	return &fileSubStore{Store: fs.MapStore.SubStore(name), file: fs}
}

type fileSubStore struct {
	Store
	file *FileStore
}

func (s *fileSubStore) Commit(sync bool) error {
	return s.file.Commit(sync)
}

func (s *fileSubStore) SubStore(name string) Store {
	return &fileSubStore{Store: s.Store.SubStore(name), file: s.file}
}
