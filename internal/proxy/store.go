package proxy

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Upstream is a reader's persisted writer configuration. The token never
// leaves this process.
type Upstream struct {
	BaseURL   string `json:"teacher_base_url"`
	Token     string `json:"teacher_token,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// ConfigStore keeps one Upstream per local user in dir, readable only by
// the owner.
type ConfigStore struct {
	dir string
	now func() time.Time
}

// NewConfigStore returns a store rooted at dir. The directory is created
// with mode 0700 on first write.
func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir, now: time.Now}
}

// sanitizeUser keeps letters, digits, '_' and '-'.
func sanitizeUser(user string) string {
	var b strings.Builder
	for _, r := range user {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

func (s *ConfigStore) path(user string) string {
	return filepath.Join(s.dir, "config_"+sanitizeUser(user)+".json")
}

// Get returns the stored configuration for user.
func (s *ConfigStore) Get(user string) (Upstream, bool, error) {
	data, err := readNoFollow(s.path(user))
	if stderrors.Is(err, os.ErrNotExist) {
		return Upstream{}, false, nil
	}
	if err != nil {
		return Upstream{}, false, fmt.Errorf("failed to read upstream config: %w", err)
	}
	var u Upstream
	if err := json.Unmarshal(data, &u); err != nil {
		return Upstream{}, false, fmt.Errorf("failed to parse upstream config: %w", err)
	}
	return u, u.BaseURL != "", nil
}

// Set replaces the configuration for user. UpdatedAt is stamped here.
func (s *ConfigStore) Set(user string, u Upstream) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create upstream config directory: %w", err)
	}
	_ = os.Chmod(s.dir, 0700)

	u.UpdatedAt = s.now().Unix()
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write upstream config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write upstream config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write upstream config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write upstream config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(user)); err != nil {
		return fmt.Errorf("failed to write upstream config: %w", err)
	}
	return nil
}

// Delete removes the configuration for user. Deleting a missing
// configuration is not an error.
func (s *ConfigStore) Delete(user string) error {
	err := os.Remove(s.path(user))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete upstream config: %w", err)
	}
	return nil
}
