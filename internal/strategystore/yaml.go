package strategystore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/factor"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Decode parses a strategy document
// SSOT 핵심: KnownFields(true)로 오타/미사용 필드 즉시 실패
func Decode(data []byte) (*contracts.Strategy, error) {
	var s contracts.Strategy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, contracts.ValidationError{Field: "strategy", Message: err.Error()}
	}
	return &s, nil
}

// LoadFile reads and decodes one strategy file, returning the raw bytes too
func LoadFile(path string) (*contracts.Strategy, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := Decode(data)
	if err != nil {
		return nil, data, fmt.Errorf("%s: %w", path, err)
	}
	return s, data, nil
}

// Hash returns the SHA256 of the strategy's canonical JSON form.
// Computations are not serialized, so equal documents hash equally.
func Hash(s *contracts.Strategy) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Bind attaches computations and validates the strategy
func Bind(lib *factor.Library, s *contracts.Strategy) error {
	if err := lib.BindStrategy(s); err != nil {
		return err
	}
	return s.Validate()
}

// DirStore loads strategies from <dir>/<id>.yaml
// ⭐ SSOT: 전략 파일 로딩은 여기서만
type DirStore struct {
	dir string
	lib *factor.Library
}

// NewDirStore creates a directory-backed store
func NewDirStore(dir string, lib *factor.Library) *DirStore {
	if lib == nil {
		lib = factor.NewLibrary()
	}
	return &DirStore{dir: dir, lib: lib}
}

// Load reads, binds and validates one strategy
func (d *DirStore) Load(_ context.Context, id string) (*contracts.Strategy, error) {
	if !validID.MatchString(id) {
		return nil, contracts.ValidationError{Field: "strategy_id", Message: fmt.Sprintf("invalid id %q", id)}
	}

	var (
		s   *contracts.Strategy
		err error
	)
	for _, ext := range []string{".yaml", ".yml"} {
		s, _, err = LoadFile(filepath.Join(d.dir, id+ext))
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("strategy %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if s.ID == "" {
		s.ID = id
	}
	if s.ID != id {
		return nil, contracts.ValidationError{Field: "strategy.id", Message: fmt.Sprintf("file %s declares id %q", id, s.ID)}
	}
	if err := Bind(d.lib, s); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns the ids of every strategy file in the directory
func (d *DirStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}
