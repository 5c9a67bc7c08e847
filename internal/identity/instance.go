// Package identity manages the relay's stable instance identifier,
// persisted across restarts so dashboards and logs can tell instances
// apart.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// InstanceIDFileName is the name of the file where the instance id is stored
	InstanceIDFileName = "instance_id"
	// InstanceIDDir is the directory where relay identity files are stored
	InstanceIDDir = ".lumora"
)

// Instance holds the relay's identity information.
type Instance struct {
	ID string `json:"id"`
}

// GetOrCreateInstance loads the existing instance id or creates and
// persists a new one.
func GetOrCreateInstance() (*Instance, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	idPath := filepath.Join(homeDir, InstanceIDDir, InstanceIDFileName)

	if _, err := os.Stat(idPath); os.IsNotExist(err) {
		inst := &Instance{ID: "relay-" + strings.Split(uuid.NewString(), "-")[0]}
		if err := saveInstance(inst, idPath); err != nil {
			return nil, fmt.Errorf("failed to save instance id: %w", err)
		}
		return inst, nil
	}

	return loadInstance(idPath)
}

func saveInstance(inst *Instance, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(inst.ID+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write instance id file: %w", err)
	}
	return nil
}

func loadInstance(path string) (*Instance, error) {
	cleanedPath := filepath.Clean(path)
	if strings.Contains(cleanedPath, "..") {
		return nil, fmt.Errorf("invalid path: directory traversal detected")
	}

	content, err := os.ReadFile(cleanedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance id file: %w", err)
	}

	id := strings.TrimSpace(string(content))
	if id == "" {
		return nil, fmt.Errorf("instance id file is empty")
	}
	return &Instance{ID: id}, nil
}
