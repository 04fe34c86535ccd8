package config

import (
	"sync/atomic"

	"golang.org/x/xerrors"
)

// Holder holds the current configuration, readers always see a complete configuration
type Holder struct {
	config atomic.Pointer[Config]
}

// NewHolder creates a new Holder
func NewHolder(config *Config) *Holder {
	holder := &Holder{}
	holder.config.Store(config)
	return holder
}

// Get returns the current configuration
func (holder *Holder) Get() *Config {
	return holder.config.Load()
}

// Set validates and replaces the current configuration
func (holder *Holder) Set(config *Config) error {
	if config == nil {
		return xerrors.Errorf("configuration is nil")
	}

	err := config.Validate()
	if err != nil {
		return xerrors.Errorf("failed to validate configuration: %w", err)
	}

	holder.config.Store(config)
	return nil
}

// Update applies the function to a copy of the current configuration and stores it if valid
func (holder *Holder) Update(update func(config *Config)) error {
	current := holder.Get()

	updated := NewDefaultConfig()
	if current != nil {
		copied := *current
		updated = &copied
	}

	update(updated)
	return holder.Set(updated)
}

// GetHeapTargetSize returns the heap target size string of the current configuration
func (holder *Holder) GetHeapTargetSize() string {
	config := holder.Get()
	if config == nil {
		return ""
	}
	return config.Heap.TargetSize
}
